package router

import (
	"net"
	"net/http"
	"strings"

	"github.com/multiaccount/llmrouter/internal/registry"
	"github.com/multiaccount/llmrouter/internal/supervisor"
)

// eligible filters snapshot for the spec §4.3 eligibility predicate:
// enabled ∧ state∈{Ready,Busy} ∧ activeRequests<maxConcurrent ∧
// model∉blacklist ∧ (whitelist=∅ ∨ model∈whitelist) ∧ a model in
// requestedModel's fallback chain is registry-available for this worker.
// The last test deliberately uses ResolveModel rather than IsAvailable: a
// worker that just had requestedModel marked quota-exceeded must stay a
// candidate as long as some fallback in its chain still resolves for it,
// otherwise a single-worker fleet can never recover via fallback at all.
func eligible(snapshot []supervisor.WorkerView, reg *registry.Registry, requestedModel string) []supervisor.WorkerView {
	out := make([]supervisor.WorkerView, 0, len(snapshot))
	for _, w := range snapshot {
		if !w.Enabled {
			continue
		}
		if w.State != supervisor.StateReady && w.State != supervisor.StateBusy {
			continue
		}
		if w.ActiveRequests >= w.MaxConcurrent {
			continue
		}
		if _, blocked := w.ModelBlacklist[requestedModel]; blocked {
			continue
		}
		if len(w.ModelWhitelist) > 0 {
			if _, allowed := w.ModelWhitelist[requestedModel]; !allowed {
				continue
			}
		}
		if _, ok := reg.ResolveModel(w.ID, requestedModel); !ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

// clientKey derives the Hash strategy's stable client key (spec §4.3.3):
// bearer token, else X-API-Key, else request IP.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
		return auth
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
