package router

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/multiaccount/llmrouter/internal/apierrors"
)

// chatRequest is the subset of the OpenAI chat-completion body the Router
// inspects; every other field is forwarded verbatim (spec §4.3).
type chatRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// dispatchChatCompletions implements the full routing contract of spec
// §4.3: select exactly one eligible worker, forward, handle quota-exceeded
// via fallback re-dispatch, retry retryable failures up to maxRetries, queue
// on saturation, and record every outcome against the supervisor and
// registry.
func (g *Gateway) dispatchChatCompletions(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = 5 << 20
	rawBody, err := readBody(r, maxBodyBytes)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if len(rawBody) > maxBodyBytes {
		apierrors.WriteJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(rawBody, &req); err != nil || req.Model == "" || len(req.Messages) == 0 {
		apierrors.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "model and non-empty messages are required")
		return
	}

	requestID := uuid.New().String()
	key := clientKey(r)
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeoutDuration())
	defer cancel()

	if g.attemptDispatch(ctx, w, requestID, key, req.Model, rawBody, req.Stream, 0) {
		return
	}

	if !g.tryEnqueue(w, requestID, key, req.Model, rawBody, req.Stream) {
		apierrors.WriteRetryableUnavailable(w, 30)
	}
}

// attemptDispatch performs one selection-and-forward cycle, recursing on
// retryable outcomes up to g.cfg.Router.MaxRetries. Returns false if no
// eligible worker existed, or if no slot could be acquired within
// MaxRetries attempts (caller should consider queueing).
func (g *Gateway) attemptDispatch(ctx context.Context, w http.ResponseWriter, requestID, key, model string, body []byte, stream bool, retryCount int) bool {
	snapshot := g.sup.Snapshot()
	candidates := eligible(snapshot, g.reg, model)
	if len(candidates) == 0 {
		return false
	}

	picked := g.currentPicker().Pick(candidates, key)
	if picked.ID == "" {
		return false
	}

	if !g.sup.AcquireSlot(picked.ID) {
		// lost the race against another dispatch; try again against a fresh
		// snapshot rather than failing the whole request.
		if retryCount < g.cfg.Router.MaxRetries {
			return g.attemptDispatch(ctx, w, requestID, key, model, body, stream, retryCount+1)
		}
		return false
	}
	// The slot is released explicitly on every exit path below, not only by
	// the deferred call (which is a backstop and a no-op once released): a
	// retry may reselect the very worker this call just acquired, and with
	// maxConcurrent=1 that retry's AcquireSlot must see the slot already
	// freed, not wait for this (still-live) frame to return.
	slotReleased := false
	releaseSlot := func() {
		if !slotReleased {
			g.sup.ReleaseSlot(picked.ID)
			slotReleased = true
		}
	}
	defer releaseSlot()

	resolvedModel, available := g.reg.ResolveModel(picked.ID, model)
	if !available {
		releaseSlot()
		apierrors.WriteRateLimited(w, model)
		return true
	}
	dispatchBody := body
	if resolvedModel != model {
		if rewritten, err := rewriteModel(body, resolvedModel); err == nil {
			dispatchBody = rewritten
		}
	}

	start := time.Now()
	result := forwardRequest(ctx, g.httpClient, w, http.MethodPost, picked.BaseURL(), "/v1/chat/completions", dispatchBody, stream)
	g.metrics.DispatchDuration.WithLabelValues(picked.ID, outcomeLabel(result.outcome)).Observe(time.Since(start).Seconds())

	switch result.outcome {
	case outcomeSuccess:
		releaseSlot()
		g.metrics.RequestsRouted.WithLabelValues(picked.ID, resolvedModel).Inc()
		return true

	case outcomeClientDisconnected:
		releaseSlot()
		log.Printf("router: request %s: client disconnected from worker %s", requestID, picked.ID)
		return true

	case outcomeQuotaExceeded:
		g.reg.MarkQuotaExceeded(picked.ID, resolvedModel, "worker reported quota exceeded")
		g.metrics.QuotaExceededTotal.WithLabelValues(picked.ID, resolvedModel).Inc()
		releaseSlot()
		if fallback, ok := g.reg.ResolveModel(picked.ID, model); ok && retryCount < g.cfg.Router.MaxRetries {
			// Recurse with the original requested model, not fallback: Registry
			// chains are keyed by the requested model (registry.ResolveModel
			// walks chains[model]), so passing fallback here would make a
			// second quota-exceeded hit look up chains[fallback] instead of
			// continuing down chains[model] — breaking any fallback chain
			// longer than one hop. eligible() now resolves the chain itself
			// (see eligibility.go), so the retry naturally lands on a worker
			// for which some model in the chain, possibly this same fallback,
			// is available; dispatchBody is recomputed fresh from the
			// untouched body on every attempt.
			log.Printf("router: request %s: quota exceeded on worker %s model %s, falling back to %s", requestID, picked.ID, resolvedModel, fallback)
			return g.attemptDispatch(ctx, w, requestID, key, model, body, stream, retryCount+1)
		}
		apierrors.WriteRateLimited(w, model)
		return true

	case outcomeUpstreamTimeout, outcomeUpstreamConnError:
		if result.outcome == outcomeUpstreamTimeout {
			g.sup.RecordFailure(picked.ID, (&apierrors.UpstreamTimeout{WorkerID: picked.ID}).Error())
		} else {
			g.sup.RecordFailure(picked.ID, (&apierrors.UpstreamConnectionError{WorkerID: picked.ID}).Error())
		}
		g.metrics.RequestsFailed.WithLabelValues(outcomeLabel(result.outcome)).Inc()
		releaseSlot()
		if retryCount < g.cfg.Router.MaxRetries {
			log.Printf("router: request %s: retryable failure on worker %s (%d/%d), retrying", requestID, picked.ID, retryCount+1, g.cfg.Router.MaxRetries)
			return g.attemptDispatch(ctx, w, requestID, key, model, body, stream, retryCount+1)
		}
		apierrors.WriteTimeout(w)
		return true
	}

	releaseSlot()
	return true
}

func outcomeLabel(o forwardOutcome) string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeQuotaExceeded:
		return "quota_exceeded"
	case outcomeUpstreamTimeout:
		return "timeout"
	case outcomeUpstreamConnError:
		return "connection_error"
	case outcomeClientDisconnected:
		return "client_disconnected"
	default:
		return "unknown"
	}
}

// tryEnqueue places the request on the saturation queue when
// queueOnSaturation is enabled, writing the 202 response itself (spec
// §4.3's "Admission control"). The queue's later drain attempt has no live
// client connection to respond to — its result is discarded, consistent
// with spec §1's Non-goal of persisting request history across restarts.
func (g *Gateway) tryEnqueue(w http.ResponseWriter, requestID, key, model string, body []byte, stream bool) bool {
	if g.cfg.Router.QueueOnSaturation == nil || !*g.cfg.Router.QueueOnSaturation {
		return false
	}

	item := queuedRequest{
		requestID: requestID,
		model:     model,
		enqueued:  time.Now(),
		dispatch: func(currentModel string) bool {
			snapshot := g.sup.Snapshot()
			if len(eligible(snapshot, g.reg, currentModel)) == 0 {
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeoutDuration())
			defer cancel()
			return g.attemptDispatch(ctx, discardResponseWriter{}, requestID, key, currentModel, body, stream, 0)
		},
	}

	position, ok := g.queue.enqueue(item)
	if !ok {
		return false
	}
	apierrors.WriteQueued(w, requestID, position, 1)
	return true
}
