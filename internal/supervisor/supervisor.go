package supervisor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/multiaccount/llmrouter/internal/apierrors"
	"github.com/multiaccount/llmrouter/internal/config"
	"github.com/multiaccount/llmrouter/internal/metrics"
)

// Supervisor owns the Worker set and keeps it consistent with discovered
// auth profiles and operator overrides (spec §4.1). ReconcileFleet is
// serialized by fleetMu — "Supervisor reconciliation is serialized by a
// single supervisor task" (spec §5); StartWorker, StopWorker and
// RestartWorker do not take fleetMu. Per-worker counters are mutated through
// each Worker's own mutex so routing reads never block on fleet
// reconciliation.
type Supervisor struct {
	fleetMu sync.Mutex

	cfg      *config.Config
	authDir  string
	execPath string
	metrics  *metrics.Metrics

	workersMu sync.RWMutex
	workers   map[string]*Worker

	restartBudget map[string][]time.Time

	probeCancel context.CancelFunc
}

// New constructs a Supervisor. authDir is the directory DiscoverProfiles
// scans; execPath is the worker binary launched for each profile (spec
// §6.2). On construction it runs reclaimStalePorts over the managed ports
// (spec §4.1 "Port management") and logs how many of them are already free;
// ports still bound by another process, including a prior instance of this
// program, are not freed.
func New(cfg *config.Config, authDir, execPath string, m *metrics.Metrics) *Supervisor {
	if reclaimed := reclaimStalePorts(candidatePortRange(cfg)); len(reclaimed) > 0 {
		log.Printf("supervisor: %d port(s) in the managed range already free for reuse", len(reclaimed))
	}
	return &Supervisor{
		cfg:           cfg,
		authDir:       authDir,
		execPath:      execPath,
		metrics:       m,
		workers:       make(map[string]*Worker),
		restartBudget: make(map[string][]time.Time),
	}
}

// candidatePortRange returns the ports a prior instance of this program may
// have bound: every explicitly configured account port, plus the base port
// config.DefaultBasePort.
func candidatePortRange(cfg *config.Config) []int {
	ports := make([]int, 0, len(cfg.Accounts)+1)
	for _, a := range cfg.Accounts {
		if a.Port != 0 {
			ports = append(ports, a.Port)
		}
	}
	ports = append(ports, config.DefaultBasePort)
	return ports
}

// Run starts the background probe loop and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.probeCancel = cancel
	s.probeLoop(ctx)
}

// ReconcileFleet discovers auth profiles and reconciles the worker set
// against them (spec §4.1). Idempotent: calling it twice with the same
// directory contents produces the same worker set and preserves the runtime
// state of unaffected workers (spec §8.2's "Idempotent reconcile" law).
func (s *Supervisor) ReconcileFleet(ctx context.Context) error {
	s.fleetMu.Lock()
	defer s.fleetMu.Unlock()

	profiles, err := DiscoverProfiles(s.authDir)
	if err != nil {
		return &apierrors.ConfigError{Field: "authDir", Message: "cannot list auth profile directory", Err: err}
	}

	byID := make(map[string]*config.Account, len(s.cfg.Accounts))
	for i := range s.cfg.Accounts {
		byID[s.cfg.Accounts[i].ID] = &s.cfg.Accounts[i]
	}

	seen := make(map[string]bool, len(profiles))
	nextPort := config.DefaultBasePort

	for _, p := range profiles {
		if !p.Valid {
			log.Printf("supervisor: skipping invalid auth profile %s", p.FilePath)
			continue
		}
		seen[p.ID] = true

		s.workersMu.RLock()
		_, exists := s.workers[p.ID]
		s.workersMu.RUnlock()
		if exists {
			continue
		}

		acct := byID[p.ID]
		port := nextPort
		weight := config.DefaultWeight
		maxConcurrent := config.DefaultMaxConcurrent
		enabled := true
		authFile := p.FilePath
		if acct != nil {
			if acct.Port != 0 {
				port = acct.Port
			}
			if acct.Weight != 0 {
				weight = acct.Weight
			}
			if acct.MaxConcurrent != 0 {
				maxConcurrent = acct.MaxConcurrent
			}
			if acct.Enabled != nil {
				enabled = *acct.Enabled
			}
			if acct.AuthFile != "" {
				authFile = acct.AuthFile
			}
		}
		if port >= nextPort {
			nextPort = port + 1
		}

		w := &Worker{
			ID:             p.ID,
			AuthProfileRef: p.ID,
			Port:           port,
			Weight:         weight,
			Enabled:        enabled,
			MaxConcurrent:  maxConcurrent,
			ModelWhitelist: map[string]struct{}{},
			ModelBlacklist: map[string]struct{}{},
			state:          StateStopped,
			authPath:       authFile,
		}

		s.workersMu.Lock()
		s.workers[p.ID] = w
		s.workersMu.Unlock()

		log.Printf("supervisor: discovered worker %s on port %d (weight=%d maxConcurrent=%d)", w.ID, w.Port, w.Weight, w.MaxConcurrent)

		if enabled {
			if err := s.StartWorker(ctx, w.ID); err != nil {
				log.Printf("supervisor: worker %s: initial start failed: %v", w.ID, err)
			}
		}
	}

	// Remove workers whose profile disappeared and which hold no active
	// requests; otherwise mark disabled and drain (spec §4.1).
	s.workersMu.Lock()
	for id, w := range s.workers {
		if seen[id] {
			continue
		}
		w.mu.Lock()
		active := w.activeRequests
		w.mu.Unlock()
		if active == 0 {
			s.workersMu.Unlock()
			_ = s.StopWorker(ctx, id, true)
			s.workersMu.Lock()
			delete(s.workers, id)
			log.Printf("supervisor: removed worker %s (profile disappeared)", id)
			continue
		}
		w.mu.Lock()
		w.Enabled = false
		w.mu.Unlock()
		log.Printf("supervisor: worker %s draining (profile disappeared, %d active requests)", id, active)
	}
	s.workersMu.Unlock()

	return nil
}

// StartWorker spawns the worker's subprocess and starts awaitFirstProbe for
// it (spec §4.1). If the assigned port fails the bind test, the worker is
// moved to a port from nextFreePort; PortInUse is returned only when no free
// port can be found. LaunchError is returned only when the subprocess cannot
// be started. An exit before the first successful probe, or no successful
// probe within startupTimeout, is not returned: awaitFirstProbe records it
// afterwards as state Failed with lastError set.
func (s *Supervisor) StartWorker(ctx context.Context, id string) error {
	w := s.workerByID(id)
	if w == nil {
		return fmt.Errorf("unknown worker %q", id)
	}

	w.mu.Lock()
	if !portBindable(w.Port) {
		if p, err := nextFreePort(w.Port); err == nil {
			w.Port = p
		} else {
			w.mu.Unlock()
			return &apierrors.PortInUse{Port: w.Port}
		}
	}
	w.state = StateStarting
	w.readySince = time.Now()
	authPath := w.authPath
	w.mu.Unlock()

	if err := w.spawn(ctx, s.execPath); err != nil {
		w.mu.Lock()
		w.state = StateFailed
		w.lastError = err.Error()
		w.mu.Unlock()
		return &apierrors.LaunchError{WorkerID: id, Err: err}
	}

	log.Printf("supervisor: worker %s: started (auth=%s port=%d)", id, authPath, w.Port)

	go s.awaitFirstProbe(ctx, w)
	return nil
}

// awaitFirstProbe polls the new worker until it answers /health, the process
// exits, or startupTimeout elapses.
func (s *Supervisor) awaitFirstProbe(ctx context.Context, w *Worker) {
	deadline := time.Now().Add(config.DefaultStartupTimeout)
	client := &http.Client{Timeout: probeTimeout}
	for time.Now().Before(deadline) {
		w.mu.Lock()
		done := w.done
		w.mu.Unlock()
		select {
		case <-done:
			w.mu.Lock()
			w.state = StateFailed
			w.lastError = "subprocess exited before first successful probe"
			w.mu.Unlock()
			log.Printf("supervisor: worker %s: exited before becoming ready", w.ID)
			return
		default:
		}

		if err := s.probeOnce(ctx, client, w); err == nil {
			w.mu.Lock()
			w.state = StateReady
			w.lastHeartbeat = time.Now()
			w.readySince = time.Now()
			w.mu.Unlock()
			log.Printf("supervisor: worker %s: ready", w.ID)
			return
		}
		time.Sleep(250 * time.Millisecond)
	}

	w.mu.Lock()
	w.state = StateFailed
	w.lastError = "startup timeout exceeded"
	w.mu.Unlock()
	log.Printf("supervisor: worker %s: startup timeout exceeded", w.ID)
}

// StopWorker stops the worker's subprocess. If graceful, it sends a
// termination signal and waits graceTimeout for exit before force-killing;
// either way it then waits portReleaseTimeout for the port to free, returning
// PortStuck if it doesn't (spec §4.1).
func (s *Supervisor) StopWorker(ctx context.Context, id string, graceful bool) error {
	w := s.workerByID(id)
	if w == nil {
		return fmt.Errorf("unknown worker %q", id)
	}

	w.mu.Lock()
	w.state = StateRestarting
	done := w.done
	port := w.Port
	w.mu.Unlock()

	w.kill(graceful)

	if graceful && done != nil {
		select {
		case <-done:
		case <-time.After(config.DefaultGraceTimeout):
			w.kill(false)
			<-doneOrClosed(done)
		}
	} else if done != nil {
		<-doneOrClosed(done)
	}

	if err := waitForPortFree(port, config.DefaultPortReleaseTimeout); err != nil {
		return err
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	return nil
}

func doneOrClosed(done chan struct{}) chan struct{} {
	if done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return done
}

// RestartWorker stops then starts the worker, applying the spec §4.1 backoff
// (exponential, 2s initial, 60s cap, reset after 5 minutes of continuous
// Ready) via github.com/cenkalti/backoff/v4, and enforces the
// maxConsecutiveRestarts-per-10-minutes budget that permanently fails a
// worker requiring operator reset.
func (s *Supervisor) RestartWorker(ctx context.Context, id string) error {
	w := s.workerByID(id)
	if w == nil {
		return fmt.Errorf("unknown worker %q", id)
	}

	now := time.Now()
	s.workersMu.Lock()
	hist := s.restartBudget[id]
	cutoff := now.Add(-config.DefaultRestartWindow)
	kept := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.restartBudget[id] = kept
	exceeded := len(kept) > config.DefaultMaxConsecutiveRestarts
	s.workersMu.Unlock()

	if exceeded {
		w.mu.Lock()
		w.state = StateFailed
		w.lastError = "exceeded maxConsecutiveRestarts; operator reset required"
		w.mu.Unlock()
		log.Printf("supervisor: worker %s: permanently failed, exceeded restart budget", id)
		return fmt.Errorf("worker %s exceeded restart budget", id)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.DefaultBackoffInitial
	bo.MaxInterval = config.DefaultBackoffMax
	bo.MaxElapsedTime = 0

	// The wait grows with each restart recorded in the current window and
	// starts over from the initial interval once the worker has been Ready
	// for DefaultBackoffResetAfter.
	attempts := len(kept)
	w.mu.Lock()
	sinceReady := time.Since(w.readySince)
	w.mu.Unlock()
	if sinceReady >= config.DefaultBackoffResetAfter {
		attempts = 1
	}

	var wait time.Duration
	for i := 0; i < attempts; i++ {
		wait = bo.NextBackOff()
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.StopWorker(ctx, id, true); err != nil {
		log.Printf("supervisor: worker %s: stop during restart failed: %v", id, err)
	}

	w.mu.Lock()
	w.restartCount++
	count := w.restartCount
	w.mu.Unlock()
	s.metrics.WorkerRestarts.WithLabelValues(id).Inc()
	log.Printf("supervisor: worker %s: restarting (count=%d)", id, count)

	return s.StartWorker(ctx, id)
}

// Probe forces an immediate health probe of one worker.
func (s *Supervisor) Probe(ctx context.Context, id string) error {
	w := s.workerByID(id)
	if w == nil {
		return fmt.Errorf("unknown worker %q", id)
	}
	client := &http.Client{Timeout: probeTimeout}
	s.probeWorker(ctx, client, w)
	return nil
}

// ProbeAll forces an immediate probe sweep of the entire fleet (spec §4.3
// /router/health-check).
func (s *Supervisor) ProbeAll(ctx context.Context) {
	client := &http.Client{Timeout: probeTimeout}
	s.probeSweep(ctx, client)
}

// Shutdown stops every worker, used for graceful process exit (spec §6.5
// exit code 0).
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.probeCancel != nil {
		s.probeCancel()
	}
	for _, w := range s.workersSnapshotPtrs() {
		if err := s.StopWorker(ctx, w.ID, true); err != nil {
			log.Printf("supervisor: worker %s: shutdown stop failed: %v", w.ID, err)
		}
	}
}

func (s *Supervisor) workerByID(id string) *Worker {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	return s.workers[id]
}

func (s *Supervisor) workersSnapshotPtrs() []*Worker {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// Snapshot returns the immutable read model the Router uses for routing
// decisions (spec §4.1 "Snapshot()").
func (s *Supervisor) Snapshot() []WorkerView {
	ptrs := s.workersSnapshotPtrs()
	views := make([]WorkerView, 0, len(ptrs))
	for _, w := range ptrs {
		w.mu.Lock()
		whitelist := make(map[string]struct{}, len(w.ModelWhitelist))
		for k := range w.ModelWhitelist {
			whitelist[k] = struct{}{}
		}
		blacklist := make(map[string]struct{}, len(w.ModelBlacklist))
		for k := range w.ModelBlacklist {
			blacklist[k] = struct{}{}
		}
		views = append(views, WorkerView{
			ID:             w.ID,
			Port:           w.Port,
			Weight:         w.Weight,
			Enabled:        w.Enabled,
			State:          w.state,
			MaxConcurrent:  w.MaxConcurrent,
			ActiveRequests: w.activeRequests,
			TotalRequests:  w.totalRequests,
			FailedRequests: w.failedRequests,
			RestartCount:   w.restartCount,
			LastHeartbeat:  w.lastHeartbeat,
			LastError:      w.lastError,
			ModelWhitelist: whitelist,
			ModelBlacklist: blacklist,
		})
		w.mu.Unlock()
	}
	return views
}

// AcquireSlot atomically increments a worker's activeRequests if doing so
// would not exceed maxConcurrent, returning whether the slot was acquired.
// This is the "single owner type with atomic operations" spec §5 requires
// for activeRequests mutation.
func (s *Supervisor) AcquireSlot(id string) bool {
	w := s.workerByID(id)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeRequests >= w.MaxConcurrent {
		return false
	}
	w.activeRequests++
	w.totalRequests++
	return true
}

// ReleaseSlot decrements a worker's activeRequests, called when a forwarded
// request's streaming or buffered response finishes or the client
// disconnects.
func (s *Supervisor) ReleaseSlot(id string) {
	w := s.workerByID(id)
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.activeRequests > 0 {
		w.activeRequests--
	}
	w.mu.Unlock()
}

// RecordFailure increments a worker's failedRequests and tracks recent
// upstream failures; more than 3 within 1 minute transitions the worker to
// Failed (spec §7).
func (s *Supervisor) RecordFailure(id string, message string) {
	w := s.workerByID(id)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failedRequests++
	w.lastError = message

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := w.requestFailureTimestamps[:0]
	for _, t := range w.requestFailureTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	w.requestFailureTimestamps = kept

	if len(kept) > 3 && w.state != StateFailed {
		w.state = StateFailed
		log.Printf("supervisor: worker %s: marked Failed after %d upstream failures within 1 minute", id, len(kept))
	}
}

// WorkerBaseURL returns the local endpoint for a worker id, or "" if unknown.
func (s *Supervisor) WorkerBaseURL(id string) string {
	w := s.workerByID(id)
	if w == nil {
		return ""
	}
	w.mu.Lock()
	port := w.Port
	w.mu.Unlock()
	v := WorkerView{Port: port}
	return v.BaseURL()
}
