// Package notify posts keeper lifecycle events to an operator-configured
// webhook (Slack/Discord-compatible), wrapped in the shared retry helper.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jgarzik/keeper-arb/internal/util"
)

// EventKind enumerates the notification events the keeper emits.
type EventKind string

const (
	EventOpportunityDetected EventKind = "OPPORTUNITY_DETECTED"
	EventCycleCreated        EventKind = "CYCLE_CREATED"
	EventTxSubmitted         EventKind = "TX_SUBMITTED"
	EventTxConfirmed         EventKind = "TX_CONFIRMED"
	EventBridgeProveReady    EventKind = "BRIDGE_PROVE_READY"
	EventBridgeFinalizeReady EventKind = "BRIDGE_FINALIZE_READY"
	EventCycleCompleted      EventKind = "CYCLE_COMPLETED"
	EventCycleFailed         EventKind = "CYCLE_FAILED"
	EventStuckDetected       EventKind = "STUCK_DETECTED"
	EventError               EventKind = "ERROR"
)

// embed is the Slack/Discord-compatible rich-message block.
type embed struct {
	Title string `json:"title"`
	Color int    `json:"color"`
}

// payload is the JSON body posted to the webhook URL.
type payload struct {
	Event     EventKind              `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Embeds    []embed                `json:"embeds"`
}

// colorFor picks a Discord-style embed color by event severity.
func colorFor(event EventKind) int {
	switch event {
	case EventCycleFailed, EventError, EventStuckDetected:
		return 0xE74C3C // red
	case EventCycleCompleted:
		return 0x2ECC71 // green
	default:
		return 0x3498DB // blue
	}
}

// Notifier posts events to a single webhook URL. A zero-value URL disables
// sending entirely (treated as "no webhook configured").
type Notifier struct {
	url    string
	client *http.Client
}

// New builds a Notifier for url. An empty url makes Send a no-op.
func New(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send POSTs a single event, retrying transient delivery failures.
func (n *Notifier) Send(ctx context.Context, event EventKind, data map[string]interface{}) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
		Embeds:    []embed{{Title: string(event), Color: colorFor(event)}},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	return util.WithRetry(util.RetryConfig{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("post webhook: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}
