package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coachlens/coachlens/internal/analysis"
)

// ErrNoTranscript is returned when the transcript store has no segments for
// a session.
var ErrNoTranscript = errors.New("collab: no transcript for session")

// HTTPTranscriptSource fetches diarized segments from the transcript store.
// Expected endpoint:
//
//	GET {base}/v1/sessions/{id}/segments -> {"segments": [...]}
type HTTPTranscriptSource struct {
	httpClient
}

// NewHTTPTranscriptSource returns a source backed by the store at base.
func NewHTTPTranscriptSource(base string, timeout time.Duration) *HTTPTranscriptSource {
	return &HTTPTranscriptSource{httpClient: newHTTPClient(base, timeout)}
}

// Segments returns the diarized transcript for a session in time order.
func (s *HTTPTranscriptSource) Segments(ctx context.Context, sessionID string) ([]analysis.Segment, error) {
	u := fmt.Sprintf("%s/v1/sessions/%s/segments", s.base, url.PathEscape(sessionID))

	var resp struct {
		Segments []analysis.Segment `json:"segments"`
	}
	if err := s.doJSON(ctx, "GET", u, nil, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == 404 {
			return nil, ErrNoTranscript
		}
		return nil, fmt.Errorf("collab: transcript source: %w", err)
	}
	if len(resp.Segments) == 0 {
		return nil, ErrNoTranscript
	}
	return resp.Segments, nil
}

// StaticTranscriptSource serves a fixed map of transcripts, keyed by session
// id. Used in tests and local development.
type StaticTranscriptSource map[string][]analysis.Segment

// Segments implements the transcript source from the static map.
func (s StaticTranscriptSource) Segments(_ context.Context, sessionID string) ([]analysis.Segment, error) {
	segments, ok := s[sessionID]
	if !ok || len(segments) == 0 {
		return nil, ErrNoTranscript
	}
	return segments, nil
}
