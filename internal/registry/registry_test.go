package registry

import (
	"sync"
	"testing"
	"time"
)

func TestIsAvailableDefaultsTrueForUnknownPair(t *testing.T) {
	r := New(time.Hour, nil)
	if !r.IsAvailable("w1", "gpt-4") {
		t.Fatal("expected unrecorded (worker, model) pair to be available")
	}
}

func TestMarkQuotaExceededMakesUnavailable(t *testing.T) {
	r := New(time.Hour, nil)
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	if r.IsAvailable("w1", "gpt-4") {
		t.Fatal("expected worker/model to be unavailable immediately after quota exceeded")
	}
}

func TestIsAvailableLazyResetsAfterCooldown(t *testing.T) {
	r := New(10*time.Millisecond, nil)
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	if r.IsAvailable("w1", "gpt-4") {
		t.Fatal("expected unavailable before cooldown elapses")
	}
	time.Sleep(20 * time.Millisecond)
	if !r.IsAvailable("w1", "gpt-4") {
		t.Fatal("expected availability restored after cooldown elapses")
	}
}

func TestResolveModelWalksFallbackChain(t *testing.T) {
	r := New(time.Hour, map[string][]string{
		"gpt-4": {"gpt-4-turbo", "gpt-3.5-turbo"},
	})
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	r.MarkQuotaExceeded("w1", "gpt-4-turbo", "quota exceeded")

	got, ok := r.ResolveModel("w1", "gpt-4")
	if !ok {
		t.Fatal("expected a fallback to resolve")
	}
	if got != "gpt-3.5-turbo" {
		t.Errorf("ResolveModel = %q, want gpt-3.5-turbo", got)
	}
}

func TestResolveModelReturnsRequestedWhenAvailable(t *testing.T) {
	r := New(time.Hour, map[string][]string{"gpt-4": {"gpt-3.5-turbo"}})
	got, ok := r.ResolveModel("w1", "gpt-4")
	if !ok || got != "gpt-4" {
		t.Fatalf("ResolveModel = (%q, %v), want (gpt-4, true)", got, ok)
	}
}

func TestResolveModelExhaustedChainFails(t *testing.T) {
	r := New(time.Hour, map[string][]string{"gpt-4": {"gpt-3.5-turbo"}})
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	r.MarkQuotaExceeded("w1", "gpt-3.5-turbo", "quota exceeded")

	if _, ok := r.ResolveModel("w1", "gpt-4"); ok {
		t.Fatal("expected resolution to fail when every fallback is unavailable")
	}
}

func TestPickWorkerForModelPrefersFirstAvailable(t *testing.T) {
	r := New(time.Hour, nil)
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")

	got, ok := r.PickWorkerForModel([]string{"w1", "w2", "w3"}, "gpt-4")
	if !ok || got != "w2" {
		t.Fatalf("PickWorkerForModel = (%q, %v), want (w2, true)", got, ok)
	}
}

func TestPickWorkerForModelNoneAvailable(t *testing.T) {
	r := New(time.Hour, nil)
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	r.MarkQuotaExceeded("w2", "gpt-4", "quota exceeded")

	if _, ok := r.PickWorkerForModel([]string{"w1", "w2"}, "gpt-4"); ok {
		t.Fatal("expected no worker to be available")
	}
}

func TestReplaceChainsIsAtomic(t *testing.T) {
	r := New(time.Hour, map[string][]string{"gpt-4": {"gpt-3.5-turbo"}})
	r.ReplaceChains(map[string][]string{"gpt-4": {"gpt-4-turbo"}})

	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	got, ok := r.ResolveModel("w1", "gpt-4")
	if !ok || got != "gpt-4-turbo" {
		t.Fatalf("ResolveModel after ReplaceChains = (%q, %v), want (gpt-4-turbo, true)", got, ok)
	}
}

func TestSummaryReflectsRecordedPairs(t *testing.T) {
	r := New(time.Hour, nil)
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded")
	r.MarkQuotaExceeded("w1", "gpt-4", "quota exceeded again")

	summary := r.Summary()
	row, ok := summary["w1"]["gpt-4"]
	if !ok {
		t.Fatal("expected summary to include w1/gpt-4")
	}
	if row.Available {
		t.Error("expected row to report unavailable")
	}
	if row.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", row.ErrorCount)
	}
}

func TestConcurrentAccessIsRaceFree(t *testing.T) {
	r := New(time.Millisecond, map[string][]string{"gpt-4": {"gpt-3.5-turbo"}})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.MarkQuotaExceeded("w1", "gpt-4", "boom")
		}()
		go func() {
			defer wg.Done()
			r.ResolveModel("w1", "gpt-4")
		}()
	}
	wg.Wait()
}
