// Package notify delivers out-of-band notifications for failed jobs via
// webhooks. Delivery is best-effort: a failed send is logged and dropped,
// never surfaced to the worker loop.
package notify

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Sender delivers a text payload to a destination
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Service sends job-failure notifications to configured webhook URLs
type Service struct {
	urls    []string
	sender  Sender
	timeout time.Duration
}

// NewService creates a notification service. Returns nil when no destinations
// are configured; a nil *Service is safe to skip at the call site.
func NewService(urls []string, timeout time.Duration) *Service {
	if len(urls) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wh := notify.NewWebhook(notify.WebhookParams{
		Timeout: timeout,
		Headers: []string{"Content-Type:application/json"},
	})
	return &Service{urls: urls, sender: wh, timeout: timeout}
}

// OnJobFailed sends a failure notification for a job to all destinations
func (s *Service) OnJobFailed(ctx context.Context, jobID, errText string) {
	payload, err := json.Marshal(map[string]string{
		"job_id": jobID,
		"error":  errText,
		"ts":     time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("[WARN] failed to marshal notification for job %s: %v", jobID, err)
		return
	}

	for _, url := range s.urls {
		ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
		if err := s.sender.Send(ctxTimeout, url, string(payload)); err != nil {
			log.Printf("[WARN] failed to notify %s about job %s: %v", url, jobID, err)
		}
		cancel()
	}
}
