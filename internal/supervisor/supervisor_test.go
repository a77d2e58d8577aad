package supervisor

import (
	"testing"
	"time"

	"github.com/multiaccount/llmrouter/internal/config"
	"github.com/multiaccount/llmrouter/internal/metrics"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := &config.Config{
		Accounts: []config.Account{{ID: "a", AuthFile: "/tmp/a.json"}},
		Router:   config.RouterConfig{HealthCheckInterval: 30},
		Quota:    config.QuotaConfig{CooldownSeconds: 3600},
	}
	return New(cfg, t.TempDir(), "/bin/true", metrics.New("test"))
}

func (s *Supervisor) addTestWorker(id string, maxConcurrent int) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	s.workers[id] = &Worker{
		ID:            id,
		Port:          9100,
		Weight:        1,
		Enabled:       true,
		MaxConcurrent: maxConcurrent,
		state:         StateReady,
		lastHeartbeat: time.Now(),
	}
}

func TestAcquireReleaseSlotRespectsMaxConcurrent(t *testing.T) {
	s := newTestSupervisor(t)
	s.addTestWorker("w1", 2)

	if !s.AcquireSlot("w1") {
		t.Fatal("expected first acquire to succeed")
	}
	if !s.AcquireSlot("w1") {
		t.Fatal("expected second acquire to succeed")
	}
	if s.AcquireSlot("w1") {
		t.Fatal("expected third acquire to fail: maxConcurrent=2")
	}

	s.ReleaseSlot("w1")
	if !s.AcquireSlot("w1") {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestSnapshotReflectsActiveRequests(t *testing.T) {
	s := newTestSupervisor(t)
	s.addTestWorker("w1", 5)
	s.AcquireSlot("w1")
	s.AcquireSlot("w1")

	views := s.Snapshot()
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	if views[0].ActiveRequests != 2 {
		t.Errorf("ActiveRequests = %d, want 2", views[0].ActiveRequests)
	}
	if views[0].TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", views[0].TotalRequests)
	}
}

func TestRecordFailureTransitionsToFailedAfterThreshold(t *testing.T) {
	s := newTestSupervisor(t)
	s.addTestWorker("w1", 2)

	for i := 0; i < 4; i++ {
		s.RecordFailure("w1", "boom")
	}

	views := s.Snapshot()
	if views[0].State != StateFailed {
		t.Errorf("State = %v, want %v after 4 failures within a minute", views[0].State, StateFailed)
	}
	if views[0].FailedRequests != 4 {
		t.Errorf("FailedRequests = %d, want 4", views[0].FailedRequests)
	}
}

func TestAcquireSlotUnknownWorker(t *testing.T) {
	s := newTestSupervisor(t)
	if s.AcquireSlot("nope") {
		t.Fatal("expected acquire on unknown worker to fail")
	}
}
