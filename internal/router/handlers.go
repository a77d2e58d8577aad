package router

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/multiaccount/llmrouter/internal/apierrors"
	"github.com/multiaccount/llmrouter/internal/supervisor"
)

// handleHealth implements GET /health (spec §4.3): 200 iff at least one
// Worker is Ready.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := g.sup.Snapshot()
	total, healthy, unhealthy := len(snapshot), 0, 0
	for _, wv := range snapshot {
		if wv.State == supervisor.StateReady {
			healthy++
		} else {
			unhealthy++
		}
	}

	status := http.StatusOK
	statusText := "ok"
	if healthy == 0 {
		status = http.StatusServiceUnavailable
		statusText = "unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": statusText,
		"instances": map[string]int{
			"total":     total,
			"healthy":   healthy,
			"unhealthy": unhealthy,
		},
	})
}

// handleModels implements GET /v1/models (spec §4.3): proxy to any one
// Ready Worker's /v1/models; 503 if none.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	snapshot := g.sup.Snapshot()
	var target *supervisor.WorkerView
	for i := range snapshot {
		if snapshot[i].State == supervisor.StateReady {
			target = &snapshot[i]
			break
		}
	}
	if target == nil {
		apierrors.WriteRetryableUnavailable(w, 30)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.BaseURL()+"/v1/models", nil)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadGateway, "upstream_error", "failed to build upstream request")
		return
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadGateway, "upstream_error", "worker did not respond")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// statusResponse mirrors spec §6.4's /router/status JSON shape.
type statusResponse struct {
	Strategy  string                                                 `json:"strategy"`
	Instances []instanceStatus                                       `json:"instances"`
	Queue     queueStatus                                            `json:"queue"`
	Quota     map[string]map[string]registrySummaryEntry             `json:"quota"`
}

type instanceStatus struct {
	ID             string    `json:"id"`
	Port           int       `json:"port"`
	Weight         int       `json:"weight"`
	Enabled        bool      `json:"enabled"`
	State          string    `json:"state"`
	ActiveRequests int       `json:"activeRequests"`
	MaxConcurrent  int       `json:"maxConcurrent"`
	TotalRequests  int64     `json:"totalRequests"`
	FailedRequests int64     `json:"failedRequests"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	RestartCount   int       `json:"restartCount"`
	LastError      string    `json:"lastError,omitempty"`
}

type queueStatus struct {
	Length    int `json:"length"`
	MaxLength int `json:"maxLength"`
}

type registrySummaryEntry struct {
	Available       bool      `json:"available"`
	ErrorCount      int       `json:"errorCount"`
	QuotaExceededAt time.Time `json:"quotaExceededAt,omitempty"`
}

// handleStatus implements GET /router/status (spec §6.4): the full
// Supervisor + Registry snapshot, including the SUPPLEMENTED lastError
// field (SPEC_FULL.md supplement #3).
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := g.sup.Snapshot()
	instances := make([]instanceStatus, 0, len(snapshot))
	for _, wv := range snapshot {
		instances = append(instances, instanceStatus{
			ID:             wv.ID,
			Port:           wv.Port,
			Weight:         wv.Weight,
			Enabled:        wv.Enabled,
			State:          string(wv.State),
			ActiveRequests: wv.ActiveRequests,
			MaxConcurrent:  wv.MaxConcurrent,
			TotalRequests:  wv.TotalRequests,
			FailedRequests: wv.FailedRequests,
			LastHeartbeat:  wv.LastHeartbeat,
			RestartCount:   wv.RestartCount,
			LastError:      wv.LastError,
		})
	}

	quota := make(map[string]map[string]registrySummaryEntry)
	for workerID, models := range g.reg.Summary() {
		quota[workerID] = make(map[string]registrySummaryEntry, len(models))
		for modelID, entry := range models {
			quota[workerID][modelID] = registrySummaryEntry{
				Available:       entry.Available,
				ErrorCount:      entry.ErrorCount,
				QuotaExceededAt: entry.QuotaExceededAt,
			}
		}
	}

	resp := statusResponse{
		Strategy:  g.cfg.Router.Strategy,
		Instances: instances,
		Queue: queueStatus{
			Length:    g.queue.len(),
			MaxLength: g.cfg.Router.MaxQueueLength,
		},
		Quota: quota,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealthCheck implements POST /router/health-check: force a probe
// sweep (spec §4.3).
func (g *Gateway) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	g.sup.ProbeAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "probed"})
}

// handleReload implements POST /router/reload: re-run DiscoverProfiles +
// ReconcileFleet, then reinstall the fallback chains and strategy from the
// configuration loaded at startup (spec §4.3, §4.2). The configuration file
// is not re-read, so edits to it made after startup are not applied.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := g.sup.ReconcileFleet(r.Context()); err != nil {
		log.Printf("router: reload: reconcile failed: %v", err)
		apierrors.WriteJSONError(w, http.StatusBadRequest, "config_error", "reload failed, prior configuration retained")
		return
	}
	g.reg.ReplaceChains(g.cfg.Fallbacks)
	g.ApplyStrategy(g.cfg.Router.Strategy)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
}
