package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/multiaccount/llmrouter/internal/config"
)

const probeTimeout = 5 * time.Second

// probeOnce performs the spec §4.1 liveness probe: HTTP GET /health on the
// worker's port with a 5s timeout. It only reports the outcome; the caller
// updates lastHeartbeat and consecutiveFails on the worker and transitions
// it to Failed after repeated failures beyond unhealthyAfter (probeWorker
// does this; it knows the configured threshold).
func (s *Supervisor) probeOnce(ctx context.Context, client *http.Client, w *Worker) error {
	w.mu.Lock()
	port := w.Port
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// probeLoop runs until ctx is cancelled, probing every worker once per
// probeInterval and driving the Stopped/Starting/Ready/Failed transitions
// described in spec §4.1. Supervisor reconciliation itself is serialized
// elsewhere (spec §5: "Supervisor reconciliation is serialized by a single
// supervisor task"); this loop only reads+writes individual Worker state
// through each worker's own mutex, so it never blocks on the fleet-wide
// reconcile lock.
func (s *Supervisor) probeLoop(ctx context.Context) {
	client := &http.Client{Timeout: probeTimeout}
	ticker := time.NewTicker(s.cfg.HealthCheckIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeSweep(ctx, client)
		}
	}
}

// probeSweep probes every known worker once. It is also invoked directly by
// the /router/health-check operator endpoint (spec §4.3) to force an
// off-cycle sweep.
func (s *Supervisor) probeSweep(ctx context.Context, client *http.Client) {
	for _, w := range s.workersSnapshotPtrs() {
		s.probeWorker(ctx, client, w)
	}
}

func (s *Supervisor) probeWorker(ctx context.Context, client *http.Client, w *Worker) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if state == StateStopped || state == StateRestarting {
		return
	}

	err := s.probeOnce(ctx, client, w)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		w.lastHeartbeat = time.Now()
		w.consecutiveFails = 0
		if w.state == StateStarting || w.state == StateFailed {
			w.readySince = time.Now()
		}
		if w.state != StateStopped && w.state != StateRestarting {
			w.state = StateReady
		}
		return
	}

	w.consecutiveFails++
	w.lastError = err.Error()

	missedFor := time.Duration(0)
	if !w.lastHeartbeat.IsZero() {
		missedFor = time.Since(w.lastHeartbeat)
	}
	unhealthyAfter := s.cfg.HealthCheckIntervalDuration() * config.DefaultUnhealthyMultiplier

	startingTimedOut := w.state == StateStarting && time.Since(w.readySince) > config.DefaultStartupTimeout && w.lastHeartbeat.IsZero()

	if missedFor > unhealthyAfter || startingTimedOut {
		if w.state != StateFailed {
			w.state = StateFailed
			s.metrics.WorkerStateGauge.WithLabelValues(w.ID, string(StateFailed)).Set(1)
		}
	}
}
