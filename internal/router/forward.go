// Forwarding: buffered or streamed proxy of one request to one worker,
// grounded in daot-github-copilot-svcs/proxy.go's processProxyRequest —
// same chunked-copy-with-flush idiom for text/event-stream bodies, same
// plain io.Copy for everything else, generalized from one fixed upstream
// to an arbitrary worker base URL chosen per request.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// forwardOutcome classifies how a forward attempt ended, driving the
// retry/fallback decision in dispatch.go.
type forwardOutcome int

const (
	outcomeSuccess forwardOutcome = iota
	outcomeQuotaExceeded
	outcomeUpstreamTimeout
	outcomeUpstreamConnError
	outcomeClientDisconnected
)

type forwardResult struct {
	outcome    forwardOutcome
	statusCode int
}

// forwardRequest sends body to workerBaseURL+path and copies the response
// back to w, streaming if the client asked for SSE. It reports what kind of
// outcome occurred so the caller can decide whether to retry or fall back
// (spec §4.3's retry/fallback contract). ctx carries both the per-request
// deadline (spec §5's requestTimeout) and cancellation from the original
// client connection going away; forwardRequest distinguishes the two by
// checking which cause ctx.Err() reports.
func forwardRequest(ctx context.Context, client *http.Client, w http.ResponseWriter, method, workerBaseURL, path string, body []byte, stream bool) forwardResult {
	upstreamReq, err := http.NewRequestWithContext(ctx, method, workerBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return forwardResult{outcome: outcomeUpstreamConnError}
	}
	upstreamReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(upstreamReq)
	if err != nil {
		switch ctx.Err() {
		case context.Canceled:
			return forwardResult{outcome: outcomeClientDisconnected}
		case context.DeadlineExceeded:
			return forwardResult{outcome: outcomeUpstreamTimeout}
		default:
			return forwardResult{outcome: outcomeUpstreamConnError}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || bodyLooksQuotaExceeded(resp) {
		io.Copy(io.Discard, resp.Body)
		return forwardResult{outcome: outcomeQuotaExceeded, statusCode: resp.StatusCode}
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		copyStreaming(w, resp.Body)
	} else {
		io.Copy(w, resp.Body)
	}

	return forwardResult{outcome: outcomeSuccess, statusCode: resp.StatusCode}
}

// copyStreaming copies chunks from src to w, flushing after each write so SSE
// events reach the client as they arrive rather than batched on a buffer.
func copyStreaming(w http.ResponseWriter, src io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// bodyLooksQuotaExceeded detects the documented quota-exceeded signal beyond
// a bare 429: a JSON error body carrying a quota/rate-limit marker (spec
// §4.3: "HTTP 429 from worker, or a quota-exceeded marker in the body").
// The body is peeked and replaced so forwardRequest's header-copy-then-copy
// path still sees the full stream afterward. text/event-stream bodies are
// not peeked, so their first chunks are not held back waiting for the peek
// buffer to fill.
func bodyLooksQuotaExceeded(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return false
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return false
	}
	const peekLimit = 4096
	peeked := make([]byte, peekLimit)
	n, _ := io.ReadFull(resp.Body, peeked)
	peeked = peeked[:n]
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peeked), resp.Body), resp.Body}

	var probe struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(peeked, &probe) != nil {
		return false
	}
	marker := strings.ToLower(probe.Error.Type + " " + probe.Error.Message)
	return strings.Contains(marker, "quota") || strings.Contains(marker, "rate_limit") || strings.Contains(marker, "rate limit")
}

// rewriteModel returns body with its top-level "model" field replaced by
// model, used when re-dispatching to a fallback model (spec §4.3).
func rewriteModel(body []byte, model string) ([]byte, error) {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("rewriteModel: %w", err)
	}
	generic["model"] = model
	return json.Marshal(generic)
}
