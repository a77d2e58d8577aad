// Strategies implement the tagged-variant routing picker spec §9 calls for:
// one Pick(eligible, reqCtx) implementation per variant, replacing the
// inheritance-based RouterStrategy subclasses of
// original_source/multi_account_router.py (RoundRobinStrategy,
// WeightedStrategy, HashStrategy, LeastLoadedStrategy) with a single
// interface and one function per strategy, the way this pack's
// fairyhunter13-ai-cv-evaluator selects among request-dispatch strategies.
package router

import (
	"crypto/md5"
	"math/big"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/multiaccount/llmrouter/internal/supervisor"
)

// Picker selects one eligible worker for a request. Implementations must be
// safe for concurrent use.
type Picker interface {
	Pick(eligible []supervisor.WorkerView, key string) supervisor.WorkerView
}

// NewPicker constructs the Picker named by strategy (config.Strategy* consts).
// Unknown names fall back to RoundRobin, matching the config layer's own
// default.
func NewPicker(strategy string) Picker {
	switch strategy {
	case "weighted":
		return &weightedPicker{}
	case "hash":
		return &hashPicker{fallback: &roundRobinPicker{}}
	case "leastLoaded":
		return &leastLoadedPicker{}
	case "primaryFirst":
		return &primaryFirstPicker{fallback: &leastLoadedPicker{}}
	default:
		return &roundRobinPicker{}
	}
}

// roundRobinPicker cycles through the eligible list by a shared counter,
// modulo its current length (spec §4.3.1).
type roundRobinPicker struct {
	counter uint64
}

func (p *roundRobinPicker) Pick(eligible []supervisor.WorkerView, _ string) supervisor.WorkerView {
	if len(eligible) == 0 {
		return supervisor.WorkerView{}
	}
	n := atomic.AddUint64(&p.counter, 1)
	return eligible[int(n-1)%len(eligible)]
}

// weightedPicker performs random selection with probability proportional to
// weight, restricted to the eligible set (spec §4.3.2).
type weightedPicker struct{}

func (p *weightedPicker) Pick(eligible []supervisor.WorkerView, _ string) supervisor.WorkerView {
	if len(eligible) == 0 {
		return supervisor.WorkerView{}
	}
	total := 0
	for _, w := range eligible {
		weight := w.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
	}
	roll := rand.Intn(total)
	for _, w := range eligible {
		weight := w.Weight
		if weight <= 0 {
			weight = 1
		}
		if roll < weight {
			return w
		}
		roll -= weight
	}
	return eligible[len(eligible)-1]
}

// hashPicker maps a client key to a stable worker via a 128-bit hash modulo
// the eligible count (spec §4.3.3). An empty key (no bearer token, API key,
// or IP available) falls back to round robin rather than hashing an empty
// string, per original_source/multi_account_router.py's HashStrategy.
type hashPicker struct {
	fallback Picker
}

func (p *hashPicker) Pick(eligible []supervisor.WorkerView, key string) supervisor.WorkerView {
	if len(eligible) == 0 {
		return supervisor.WorkerView{}
	}
	if key == "" {
		return p.fallback.Pick(eligible, key)
	}
	sum := md5.Sum([]byte(key))
	idx := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(len(eligible))))
	return eligible[idx.Int64()]
}

// leastLoadedPicker picks the worker with the lowest activeRequests /
// maxConcurrent ratio, breaking ties by lower totalRequests (spec §4.3.4).
type leastLoadedPicker struct{}

func (p *leastLoadedPicker) Pick(eligible []supervisor.WorkerView, _ string) supervisor.WorkerView {
	if len(eligible) == 0 {
		return supervisor.WorkerView{}
	}
	best := eligible[0]
	bestRatio := loadRatio(best)
	for _, w := range eligible[1:] {
		ratio := loadRatio(w)
		switch {
		case ratio < bestRatio:
			best, bestRatio = w, ratio
		case ratio == bestRatio && w.TotalRequests < best.TotalRequests:
			best, bestRatio = w, ratio
		}
	}
	return best
}

func loadRatio(w supervisor.WorkerView) float64 {
	max := w.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	return float64(w.ActiveRequests) / float64(max)
}

// primaryFirstPicker always prefers the lexicographically-first worker id
// while it is Ready and under 80% load, else defers to LeastLoaded (spec
// §4.3.5).
type primaryFirstPicker struct {
	fallback Picker
}

func (p *primaryFirstPicker) Pick(eligible []supervisor.WorkerView, key string) supervisor.WorkerView {
	if len(eligible) == 0 {
		return supervisor.WorkerView{}
	}
	sorted := append([]supervisor.WorkerView(nil), eligible...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	primary := sorted[0]
	if primary.State == supervisor.StateReady && loadRatio(primary) < 0.8 {
		return primary
	}
	return p.fallback.Pick(eligible, key)
}
