// Package notify delivers fire-and-forget status reports to the portfolio
// backend. Delivery failures are logged and otherwise ignored.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const notifyTimeout = 10 * time.Second

// Notifier is the status sink interface consumed by the sync engine.
type Notifier interface {
	NotifyStatus(ctx context.Context, success bool, message string, authenticated bool)
}

// statusPayload is the wire shape of /api/angel-one-status.
type statusPayload struct {
	Source        string `json:"source"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
	Authenticated bool   `json:"authenticated"`
}

// PortfolioNotifier posts status updates to the portfolio backend.
type PortfolioNotifier struct {
	baseURL string
	client  *http.Client

	// Now is the clock, replaceable in tests.
	Now func() time.Time
	// Zone renders the timestamp in the exchange's local zone.
	Zone *time.Location
}

// NewPortfolioNotifier creates a notifier for the given backend base URL.
func NewPortfolioNotifier(baseURL string, zone *time.Location) *PortfolioNotifier {
	return &PortfolioNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: notifyTimeout},
		Now:     time.Now,
		Zone:    zone,
	}
}

// NotifyStatus reports an outcome to the portfolio backend.
func (n *PortfolioNotifier) NotifyStatus(ctx context.Context, success bool, message string, authenticated bool) {
	outcome := "FAILURE"
	if success {
		outcome = "SUCCESS"
	}
	log.Printf("[notify] sending status to portfolio backend: %s", outcome)

	payload := statusPayload{
		Source:        "angel-one-backend",
		Success:       success,
		Message:       message,
		Timestamp:     n.Now().In(n.Zone).Format("1/2/2006, 3:04:05 PM"),
		Authenticated: authenticated,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[notify] marshal status: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/angel-one-status", bytes.NewReader(body))
	if err != nil {
		log.Printf("[notify] create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[notify] failed to notify portfolio backend: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[notify] portfolio backend returned status %d", resp.StatusCode)
	}
}

// NopNotifier discards all notifications (used when no backend is
// configured and in tests).
type NopNotifier struct{}

func (NopNotifier) NotifyStatus(context.Context, bool, string, bool) {}
