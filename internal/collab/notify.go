package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/coachlens/coachlens/internal/analysis"
)

// WebhookNotifier POSTs job-completion events to the dashboard webhook.
// Tier 3 jobs run for minutes, so the dashboard is pushed to rather than
// polled.
type WebhookNotifier struct {
	httpClient
	url string
}

// NewWebhookNotifier returns a notifier POSTing to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{httpClient: newHTTPClient("", timeout), url: url}
}

type notifyEvent struct {
	JobID        string `json:"job_id"`
	SessionID    string `json:"session_id"`
	AnalysisType string `json:"analysis_type"`
	Status       string `json:"status"`
	ErrorReason  string `json:"error_reason,omitempty"`
}

// JobFinished notifies the webhook that a job reached a terminal state.
func (n *WebhookNotifier) JobFinished(ctx context.Context, job *analysis.Job) error {
	event := notifyEvent{
		JobID:        job.ID,
		SessionID:    job.SessionID,
		AnalysisType: string(job.Type),
		Status:       string(job.Status),
		ErrorReason:  job.ErrorReason,
	}
	if err := n.doJSON(ctx, "POST", n.url, event, nil); err != nil {
		return fmt.Errorf("collab: notify: %w", err)
	}
	return nil
}

// NopNotifier drops every notification. Used when no webhook is configured.
type NopNotifier struct{}

// JobFinished implements the notifier by doing nothing.
func (NopNotifier) JobFinished(context.Context, *analysis.Job) error { return nil }
