package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/multiaccount/llmrouter/internal/config"
	"github.com/multiaccount/llmrouter/internal/metrics"
	"github.com/multiaccount/llmrouter/internal/registry"
	"github.com/multiaccount/llmrouter/internal/supervisor"
)

func view(id string, state supervisor.State, active, max int) supervisor.WorkerView {
	return supervisor.WorkerView{
		ID:             id,
		Port:           9100,
		Weight:         1,
		Enabled:        true,
		State:          state,
		MaxConcurrent:  max,
		ActiveRequests: active,
		ModelWhitelist: map[string]struct{}{},
		ModelBlacklist: map[string]struct{}{},
	}
}

func TestEligibleFiltersByStateAndConcurrency(t *testing.T) {
	reg := registry.New(time.Hour, nil)
	snapshot := []supervisor.WorkerView{
		view("a", supervisor.StateReady, 0, 1),
		view("b", supervisor.StateFailed, 0, 1),
		view("c", supervisor.StateReady, 1, 1), // saturated
	}
	got := eligible(snapshot, reg, "m")
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("eligible = %+v, want only worker a", got)
	}
}

func TestEligibleRespectsBlacklistAndWhitelist(t *testing.T) {
	reg := registry.New(time.Hour, nil)
	a := view("a", supervisor.StateReady, 0, 1)
	a.ModelBlacklist = map[string]struct{}{"gpt-4": {}}
	b := view("b", supervisor.StateReady, 0, 1)
	b.ModelWhitelist = map[string]struct{}{"gpt-3.5": {}}

	got := eligible([]supervisor.WorkerView{a, b}, reg, "gpt-4")
	if len(got) != 0 {
		t.Fatalf("expected no eligible workers for gpt-4, got %+v", got)
	}

	got = eligible([]supervisor.WorkerView{a, b}, reg, "gpt-3.5")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected a (gpt-3.5 not blacklisted, empty whitelist) and b eligible for gpt-3.5, got %+v", got)
	}
}

func TestEligibleRespectsRegistryAvailability(t *testing.T) {
	reg := registry.New(time.Hour, nil)
	reg.MarkQuotaExceeded("a", "m", "quota exceeded")
	snapshot := []supervisor.WorkerView{view("a", supervisor.StateReady, 0, 1)}

	if got := eligible(snapshot, reg, "m"); len(got) != 0 {
		t.Fatalf("expected worker excluded while quota exceeded, got %+v", got)
	}
}

func TestClientKeyPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer tok123")
	r.Header.Set("X-API-Key", "apikey")
	r.RemoteAddr = "1.2.3.4:5678"
	if got := clientKey(r); got != "tok123" {
		t.Errorf("clientKey with bearer = %q, want tok123", got)
	}

	r2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r2.Header.Set("X-API-Key", "apikey")
	r2.RemoteAddr = "1.2.3.4:5678"
	if got := clientKey(r2); got != "apikey" {
		t.Errorf("clientKey with api key = %q, want apikey", got)
	}

	r3 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r3.RemoteAddr = "1.2.3.4:5678"
	if got := clientKey(r3); got != "1.2.3.4" {
		t.Errorf("clientKey with only IP = %q, want 1.2.3.4", got)
	}
}

func TestRoundRobinPickerCyclesEvenly(t *testing.T) {
	p := NewPicker(config.StrategyRoundRobin)
	eligible := []supervisor.WorkerView{view("a", supervisor.StateReady, 0, 1), view("b", supervisor.StateReady, 0, 1), view("c", supervisor.StateReady, 0, 1)}

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		counts[p.Pick(eligible, "").ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 10 {
			t.Errorf("count[%s] = %d, want 10", id, counts[id])
		}
	}
}

func TestWeightedPickerRespectsWeights(t *testing.T) {
	p := NewPicker(config.StrategyWeighted)
	a := view("a", supervisor.StateReady, 0, 1)
	a.Weight = 1
	b := view("b", supervisor.StateReady, 0, 1)
	b.Weight = 3
	eligible := []supervisor.WorkerView{a, b}

	counts := map[string]int{}
	const n = 4000
	for i := 0; i < n; i++ {
		counts[p.Pick(eligible, "").ID]++
	}
	ratio := float64(counts["b"]) / float64(counts["a"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Errorf("weighted ratio b/a = %.2f, want ~3.0", ratio)
	}
}

func TestHashPickerIsStableForSameKey(t *testing.T) {
	p := NewPicker(config.StrategyHash)
	eligible := []supervisor.WorkerView{view("a", supervisor.StateReady, 0, 1), view("b", supervisor.StateReady, 0, 1), view("c", supervisor.StateReady, 0, 1)}

	first := p.Pick(eligible, "client-1").ID
	for i := 0; i < 10; i++ {
		if got := p.Pick(eligible, "client-1").ID; got != first {
			t.Fatalf("hash picker unstable: got %q, want %q", got, first)
		}
	}
}

func TestHashPickerEmptyKeyFallsBackToRoundRobin(t *testing.T) {
	p := NewPicker(config.StrategyHash)
	eligible := []supervisor.WorkerView{view("a", supervisor.StateReady, 0, 1), view("b", supervisor.StateReady, 0, 1)}

	counts := map[string]int{}
	for i := 0; i < 20; i++ {
		counts[p.Pick(eligible, "").ID]++
	}
	if counts["a"] != 10 || counts["b"] != 10 {
		t.Errorf("empty-key hash distribution = %+v, want even split", counts)
	}
}

func TestLeastLoadedPickerPrefersLowerRatio(t *testing.T) {
	p := NewPicker(config.StrategyLeastLoaded)
	a := view("a", supervisor.StateReady, 1, 2) // ratio 0.5
	b := view("b", supervisor.StateReady, 1, 4) // ratio 0.25
	got := p.Pick([]supervisor.WorkerView{a, b}, "")
	if got.ID != "b" {
		t.Errorf("LeastLoaded picked %q, want b", got.ID)
	}
}

func TestPrimaryFirstPrefersLexicographicallyFirstWhenUnderLoad(t *testing.T) {
	p := NewPicker(config.StrategyPrimaryFirst)
	a := view("a", supervisor.StateReady, 0, 10) // 0% load
	b := view("b", supervisor.StateReady, 0, 10)
	got := p.Pick([]supervisor.WorkerView{b, a}, "")
	if got.ID != "a" {
		t.Errorf("PrimaryFirst picked %q, want a", got.ID)
	}
}

func TestPrimaryFirstFallsBackWhenPrimaryOverloaded(t *testing.T) {
	p := NewPicker(config.StrategyPrimaryFirst)
	a := view("a", supervisor.StateReady, 9, 10) // 90% load
	b := view("b", supervisor.StateReady, 0, 10)
	got := p.Pick([]supervisor.WorkerView{a, b}, "")
	if got.ID != "b" {
		t.Errorf("PrimaryFirst fallback picked %q, want b", got.ID)
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := &config.Config{
		Accounts: []config.Account{{ID: "a", AuthFile: "/tmp/a.json"}},
		Router: config.RouterConfig{
			Strategy:       config.StrategyRoundRobin,
			MaxQueueLength: 10,
			RequestTimeout: 5,
		},
	}
	sup := supervisor.New(cfg, t.TempDir(), "/bin/true", metrics.New(""))
	reg := registry.New(time.Hour, nil)
	return New(cfg, sup, reg, metrics.New("gwtest"))
}

func TestHandleHealthReportsUnavailableWithNoWorkers(t *testing.T) {
	g := newTestGateway(t)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "unavailable" {
		t.Errorf("status field = %v, want unavailable", body["status"])
	}
}

func TestHandleStatusReportsStrategyAndEmptyQueue(t *testing.T) {
	g := newTestGateway(t)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/router/status", nil))

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Strategy != config.StrategyRoundRobin {
		t.Errorf("strategy = %q, want roundrobin", resp.Strategy)
	}
	if resp.Queue.MaxLength != 10 {
		t.Errorf("queue.maxLength = %d, want 10", resp.Queue.MaxLength)
	}
	if resp.Queue.Length != 0 {
		t.Errorf("queue.length = %d, want 0", resp.Queue.Length)
	}
}

func TestDispatchChatCompletionsReturns503WhenNoWorkers(t *testing.T) {
	g := newTestGateway(t)
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 503")
	}
}

func TestDispatchChatCompletionsRejectsMissingModel(t *testing.T) {
	g := newTestGateway(t)
	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
