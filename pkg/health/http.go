package health

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// HTTPChecker GETs a URL and accepts any 2xx or 3xx answer
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewReadyChecker checks the /ready endpoint of a rackpatch process
// listening on addr. A bare host:port is taken as plain http.
func NewReadyChecker(addr string) *HTTPChecker {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &HTTPChecker{
		URL:    strings.TrimSuffix(addr, "/") + "/ready",
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	t := startTimer()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return t.fail("bad url: %v", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return t.fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return t.fail("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return t.ok("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

// WithTimeout bounds the whole request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
