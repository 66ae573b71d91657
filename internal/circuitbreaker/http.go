// v1
// internal/circuitbreaker/http.go
package circuitbreaker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps an http.Client with breaker behaviour. Responses with a
// 5xx status count as failures.
type HTTPClient struct {
	Client *http.Client
	brk    *Breaker
}

// NewHTTPClient builds a guarded client. When probeURL is set, a GET against
// it must succeed before a half-open breaker admits traffic.
func NewHTTPClient(name string, cfg Config, probeURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	var probe func(ctx context.Context) error
	if probeURL != "" {
		probe = func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.CopyN(io.Discard, resp.Body, 64)
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			return fmt.Errorf("probe_bad_status: %d", resp.StatusCode)
		}
	}
	return &HTTPClient{Client: httpClient, brk: New(name, cfg, probe)}
}

// Breaker exposes the underlying breaker.
func (h *HTTPClient) Breaker() *Breaker { return h.brk }

// Do sends req through the breaker. The caller owns the response body.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.brk.Execute(req.Context(), func(ctx context.Context) error {
		r, err := h.Client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return fmt.Errorf("upstream status %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	return resp, err
}
