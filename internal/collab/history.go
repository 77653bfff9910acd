package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// HTTPHistoryProvider fetches the pre-aggregated history block from the
// history aggregation service. Expected endpoint:
//
//	GET {base}/v1/sessions/{id}/history -> {"summary": "..."}
type HTTPHistoryProvider struct {
	httpClient
}

// NewHTTPHistoryProvider returns a provider backed by the service at base.
func NewHTTPHistoryProvider(base string, timeout time.Duration) *HTTPHistoryProvider {
	return &HTTPHistoryProvider{httpClient: newHTTPClient(base, timeout)}
}

// History returns the prior-session summary block for a session. A first
// session has no history; 404 maps to an empty block, not an error.
func (h *HTTPHistoryProvider) History(ctx context.Context, sessionID string) (string, error) {
	u := fmt.Sprintf("%s/v1/sessions/%s/history", h.base, url.PathEscape(sessionID))

	var resp struct {
		Summary string `json:"summary"`
	}
	if err := h.doJSON(ctx, "GET", u, nil, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == 404 {
			return "", nil
		}
		return "", fmt.Errorf("collab: history provider: %w", err)
	}
	return resp.Summary, nil
}

// StaticHistoryProvider returns the same block for every session.
type StaticHistoryProvider string

// History implements the history provider with the fixed block.
func (s StaticHistoryProvider) History(context.Context, string) (string, error) {
	return string(s), nil
}
