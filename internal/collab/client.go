// Package collab holds clients for the external collaborators at the
// pipeline boundary: the plan/billing service, the transcript store, the
// history aggregation service, and the dashboard notification webhook.
//
// Each concern ships an HTTP client plus a static implementation for
// deployments (and tests) that run without the collaborator.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxElapsed  = 30 * time.Second
	defaultMaxInterval = 5 * time.Second
)

// httpClient is the shared transport for all collaborator clients.
type httpClient struct {
	base   string
	client *http.Client
}

func newHTTPClient(base string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return httpClient{base: base, client: &http.Client{Timeout: timeout}}
}

// statusError marks a non-2xx response. 4xx responses are not retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("collab: unexpected status %d", e.code)
}

// doJSON performs one request with retry and decodes a JSON response into
// out (out may be nil for fire-and-forget calls). Transport errors and 5xx
// responses are retried with exponential backoff; 4xx responses fail fast.
func (c httpClient) doJSON(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("collab: encode request: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = defaultMaxInterval
	bo.MaxElapsedTime = defaultMaxElapsed

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("collab: decode response: %w", err))
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(&statusError{code: resp.StatusCode})
		default:
			return &statusError{code: resp.StatusCode}
		}
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
