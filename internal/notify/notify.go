// Package notify posts workflow events to externally configured
// webhook endpoints (upload, AI analysis, review, audit).
//
// Every event is fire-and-forget: it is dispatched on its own
// goroutine with a bounded timeout, failures are logged at warning
// level and never surfaced to the caller, and an unconfigured endpoint
// means the event is silently skipped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpportal/gpportal/internal/logging"
	"github.com/gpportal/gpportal/internal/metrics"
)

// Event names, used for logging and metrics labels.
const (
	EventUpload = "upload"
	EventAI     = "ai"
	EventReview = "review"
	EventAudit  = "audit"
)

// Config holds the webhook endpoint URLs. Any URL may be empty.
type Config struct {
	UploadURL string
	AIURL     string
	ReviewURL string
	AuditURL  string
	Timeout   time.Duration
}

// Client sends workflow notifications.
type Client struct {
	cfg  Config
	http *http.Client
	wg   sync.WaitGroup
}

// New creates a notification client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// UploadRecorded notifies the upload workflow about a newly stored record.
func (c *Client) UploadRecorded(recordID, patientID, blobURL, contentType string) {
	c.dispatch(EventUpload, c.cfg.UploadURL, map[string]any{
		"recordId":    recordID,
		"patientId":   patientID,
		"blobUrl":     blobURL,
		"contentType": contentType,
	})
}

// AIRequested asks the analysis workflow to tag a newly stored payload.
func (c *Client) AIRequested(recordID, patientID, blobURL string) {
	c.dispatch(EventAI, c.cfg.AIURL, map[string]any{
		"recordId":  recordID,
		"patientId": patientID,
		"blobUrl":   blobURL,
	})
}

// Reviewed notifies the review workflow that a record reached the
// reviewed status.
func (c *Client) Reviewed(recordID, patientID, status string, updatedAt int64) {
	c.dispatch(EventReview, c.cfg.ReviewURL, map[string]any{
		"recordId":  recordID,
		"patientId": patientID,
		"status":    status,
		"updatedAt": updatedAt,
	})
}

// Deleted notifies the audit workflow that a record was removed.
func (c *Client) Deleted(recordID, patientID string, timestamp int64) {
	c.dispatch(EventAudit, c.cfg.AuditURL, map[string]any{
		"recordId":  recordID,
		"patientId": patientID,
		"action":    "deleted",
		"timestamp": timestamp,
	})
}

// Flush waits for all in-flight notifications to finish. Used during
// shutdown so pending webhooks are not dropped mid-send.
func (c *Client) Flush() {
	c.wg.Wait()
}

func (c *Client) dispatch(event, url string, payload map[string]any) {
	if url == "" {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.post(url, payload); err != nil {
			metrics.RecordNotification(event, false)
			logging.Warn("webhook notification failed",
				zap.String("event", event),
				zap.Error(err))
			return
		}
		metrics.RecordNotification(event, true)
		logging.Debug("webhook notification sent", zap.String("event", event))
	}()
}

func (c *Client) post(url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
