package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// retryablePatterns classify transport-level failures worth retrying with
// backoff. Matched case-insensitively against error strings and bodies.
var retryablePatterns = []string{
	"eof",
	"epipe",
	"econnreset",
	"econnrefused",
	"timeout",
	"socket hang up",
	"dial tcp",
	"broken pipe",
	"connection refused",
	"connection reset",
}

// unsupportedPatterns indicate the endpoint shape itself is wrong; the
// caller should fall through to the next endpoint state instead of retrying.
var unsupportedPatterns = []string{
	"not found",
	"unsupported",
	"unrecognized",
	"invalid",
}

// transport is the HTTP layer shared by both provider variants.
type transport struct {
	client  *http.Client
	headers map[string]string
}

// newTransport builds a pooled HTTP client whose Timeout bounds each request;
// cancellation propagates through the request context.
func newTransport(timeout time.Duration, headers map[string]string) *transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &transport{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		headers: headers,
	}
}

// httpResult is one completed request.
type httpResult struct {
	status int
	body   []byte
}

// postJSON sends a JSON body and returns status plus raw response body.
// A nil error means the request completed; the status may still be non-2xx.
func (t *transport) postJSON(ctx context.Context, url string, payload any) (*httpResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindProviderRequestFailed, "http post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, errors.Wrap(errors.KindProviderRequestFailed, "read response", err)
	}
	return &httpResult{status: resp.StatusCode, body: data}, nil
}

// close releases idle connections.
func (t *transport) close() {
	if tr, ok := t.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// isRetryable classifies an error or response as transient.
func isRetryable(err error, res *httpResult) bool {
	if err != nil {
		return containsAny(err.Error(), retryablePatterns)
	}
	if res == nil {
		return false
	}
	if res.status >= 500 {
		return containsAny(string(res.body), retryablePatterns)
	}
	return false
}

// isUnsupported classifies a response as an endpoint-shape mismatch that
// should downgrade to the next endpoint state.
func isUnsupported(res *httpResult) bool {
	if res == nil {
		return false
	}
	switch res.status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	if res.status >= 400 {
		return containsAny(string(res.body), unsupportedPatterns)
	}
	return false
}

func containsAny(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// backoff sleeps the exponential delay for the given 1-based attempt,
// honoring cancellation.
func backoff(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << (attempt - 1)
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.KindCancelled, "backoff", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// validateBatchInput enforces the provider input contract.
func validateBatchInput(texts []string, maxBatch int) error {
	if len(texts) > maxBatch {
		return errors.Newf(errors.KindInternal, "batch of %d exceeds max %d", len(texts), maxBatch)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return errors.Newf(errors.KindInternal, "empty text at index %d", i)
		}
		if len(t) > MaxItemBytes {
			return errors.Newf(errors.KindInternal, "text at index %d exceeds %d bytes", i, MaxItemBytes)
		}
	}
	return nil
}
