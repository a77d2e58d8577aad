// Package registry implements the Quota & Fallback Registry (spec §4.2):
// per (worker, model) availability with cooldown, and per-model fallback
// chains. Grounded directly in
// original_source/config/model_fallback.py's ModelFallbackManager and
// InstanceModelStatus — this is a straight port of their lazy-cooldown
// semantics into a single lock-protected map, per spec §5's "single lock
// protecting its map; operations are O(1) amortized".
package registry

import (
	"sort"
	"sync"
	"time"
)

// ModelAvailability is the per (workerId, modelId) state (spec §3.1).
type ModelAvailability struct {
	Available        bool
	QuotaExceededAt  time.Time
	ErrorCount       int
	LastErrorMessage string
}

type key struct {
	workerID string
	modelID  string
}

// Registry is the thread-safe quota and fallback-chain store.
type Registry struct {
	mu       sync.Mutex
	cooldown time.Duration
	status   map[key]*ModelAvailability
	chains   map[string][]string
}

// New constructs a Registry with the given cooldown and initial fallback
// chains (spec §6.3 "fallbacks" map).
func New(cooldown time.Duration, chains map[string][]string) *Registry {
	r := &Registry{
		cooldown: cooldown,
		status:   make(map[key]*ModelAvailability),
	}
	r.ReplaceChains(chains)
	return r
}

// ReplaceChains atomically swaps the fallback chain configuration, used on
// /router/reload (spec §4.2: "reloading configuration replaces the chain
// atomically").
func (r *Registry) ReplaceChains(chains map[string][]string) {
	cp := make(map[string][]string, len(chains))
	for k, v := range chains {
		vv := make([]string, len(v))
		copy(vv, v)
		cp[k] = vv
	}
	r.mu.Lock()
	r.chains = cp
	r.mu.Unlock()
}

// IsAvailable reports whether (workerID, modelID) may currently be routed
// to. A pair with no recorded status is available by default. A pair marked
// unavailable is lazily restored to available once now-quotaExceededAt >=
// cooldown (spec §3.2 invariant).
func (r *Registry) IsAvailable(workerID, modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isAvailableLocked(workerID, modelID)
}

func (r *Registry) isAvailableLocked(workerID, modelID string) bool {
	st, ok := r.status[key{workerID, modelID}]
	if !ok {
		return true
	}
	if st.Available {
		return true
	}
	if !st.QuotaExceededAt.IsZero() && time.Since(st.QuotaExceededAt) >= r.cooldown {
		st.Available = true
		st.QuotaExceededAt = time.Time{}
		return true
	}
	return false
}

// MarkQuotaExceeded records a quota event for (workerID, modelID): sets
// available=false, stamps quotaExceededAt=now, increments errorCount, and
// stores message (spec §4.2).
func (r *Registry) MarkQuotaExceeded(workerID, modelID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{workerID, modelID}
	st, ok := r.status[k]
	if !ok {
		st = &ModelAvailability{}
		r.status[k] = st
	}
	st.Available = false
	st.QuotaExceededAt = time.Now()
	st.ErrorCount++
	st.LastErrorMessage = message
}

// ResolveModel returns requestedModelID if it is currently available for
// workerID; otherwise it walks the configured fallback chain in order and
// returns the first available alternative. Returns "", false if none are
// available. This is a pure function of current registry state and the
// static chain (spec §8.2's "Fallback determinism" law).
func (r *Registry) ResolveModel(workerID, requestedModelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isAvailableLocked(workerID, requestedModelID) {
		return requestedModelID, true
	}
	for _, alt := range r.chains[requestedModelID] {
		if r.isAvailableLocked(workerID, alt) {
			return alt, true
		}
	}
	return "", false
}

// PickWorkerForModel returns the first candidate worker for which
// IsAvailable(w, modelID) is true, preserving candidates' input order.
func (r *Registry) PickWorkerForModel(candidateWorkers []string, modelID string) (string, bool) {
	for _, w := range candidateWorkers {
		if r.IsAvailable(w, modelID) {
			return w, true
		}
	}
	return "", false
}

// WorkerModelSummary is one row of Summary()'s per-worker, per-model dump.
type WorkerModelSummary struct {
	WorkerID        string    `json:"-"`
	ModelID         string    `json:"-"`
	Available       bool      `json:"available"`
	ErrorCount      int       `json:"errorCount"`
	QuotaExceededAt time.Time `json:"quotaExceededAt,omitempty"`
}

// Summary returns a snapshot of every (worker, model) pair's status, nested
// by worker id then model id, matching the §6.4 /router/status "quota" shape.
func (r *Registry) Summary() map[string]map[string]WorkerModelSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]WorkerModelSummary)
	keys := make([]key, 0, len(r.status))
	for k := range r.status {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].workerID != keys[j].workerID {
			return keys[i].workerID < keys[j].workerID
		}
		return keys[i].modelID < keys[j].modelID
	})

	for _, k := range keys {
		st := r.status[k]
		available := r.isAvailableLocked(k.workerID, k.modelID)
		if out[k.workerID] == nil {
			out[k.workerID] = make(map[string]WorkerModelSummary)
		}
		out[k.workerID][k.modelID] = WorkerModelSummary{
			WorkerID:        k.workerID,
			ModelID:         k.modelID,
			Available:       available,
			ErrorCount:      st.ErrorCount,
			QuotaExceededAt: st.QuotaExceededAt,
		}
	}
	return out
}
