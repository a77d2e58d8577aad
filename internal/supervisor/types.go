// Package supervisor discovers auth profiles, derives a worker fleet from
// them, and owns each worker's subprocess lifecycle and state machine (spec
// §3.1, §4.1). It is grounded in the teacher's spawnWorker/watch/worker
// primitives (slimsag/http-server-stabilizer/main.go), generalized from "N
// copies of one command" to "one command per discovered AuthProfile".
package supervisor

import (
	"context"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// State is the worker lifecycle state machine defined in spec §4.1.
type State string

const (
	StateStopped     State = "Stopped"
	StateStarting    State = "Starting"
	StateReady       State = "Ready"
	StateBusy        State = "Busy"
	StateFailed      State = "Failed"
	StateRestarting  State = "Restarting"
)

// AuthProfile is one discovered credential file (spec §3.1).
type AuthProfile struct {
	ID          string
	Email       string
	FilePath    string
	LastUpdated time.Time
	Valid       bool
}

// Worker is the scheduling unit: one per active AuthProfile (spec §3.1).
// All mutable fields are guarded by mu; callers outside this package only
// ever see a WorkerView snapshot (see Snapshot in supervisor.go), never a
// *Worker, so there is exactly one owner of worker state.
type Worker struct {
	mu sync.Mutex

	ID             string
	AuthProfileRef string
	Port           int
	Weight         int

	Enabled        bool
	MaxConcurrent  int
	ModelWhitelist map[string]struct{}
	ModelBlacklist map[string]struct{}

	state            State
	activeRequests   int
	totalRequests    int64
	failedRequests   int64
	restartCount     int
	lastHeartbeat    time.Time
	lastError        string
	consecutiveFails int

	// restart bookkeeping (spec §4.1: backoff 2s..60s, reset after 5m Ready)
	restartTimestamps []time.Time
	backoffUntil      time.Time
	readySince        time.Time

	// requestFailureTimestamps tracks recent upstream failures for the
	// spec §7 rule: ">3 within 1 min" transitions the worker to Failed.
	requestFailureTimestamps []time.Time

	cmd        *exec.Cmd
	cancel     context.CancelFunc
	done       chan struct{}
	authPath   string
	execPath   string
	baseURL    *url.URL
}

// WorkerView is the immutable read-only snapshot the Router consumes (spec
// §3.1: "Router holds read-only view and atomically bumps counters through a
// defined API").
type WorkerView struct {
	ID             string
	Port           int
	Weight         int
	Enabled        bool
	State          State
	MaxConcurrent  int
	ActiveRequests int
	TotalRequests  int64
	FailedRequests int64
	RestartCount   int
	LastHeartbeat  time.Time
	LastError      string
	ModelWhitelist map[string]struct{}
	ModelBlacklist map[string]struct{}
}

// BaseURL returns the worker's local HTTP endpoint, e.g. http://127.0.0.1:9101.
func (w *WorkerView) BaseURL() string {
	return (&url.URL{Scheme: "http", Host: hostPort(w.Port)}).String()
}

func hostPort(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
