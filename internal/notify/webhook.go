package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Webhook is one delivery target. An empty Events list receives every kind.
type Webhook struct {
	Type   string // slack | teams | http
	URL    string
	Events []Kind

	// Cooldown suppresses repeated score events for an instance whose status
	// has not changed since the last delivery to this target. Zero delivers
	// every event.
	Cooldown time.Duration
}

func (w Webhook) wants(k Kind) bool {
	return len(w.Events) == 0 || slices.Contains(w.Events, k)
}

// Relay posts events to configured webhooks. Delivery errors are logged and
// never reach the publisher.
type Relay struct {
	targets []Webhook
	client  *http.Client
	now     func() time.Time

	mu   sync.Mutex
	sent map[sentKey]sentState
}

type sentKey struct {
	url      string
	instance string
}

type sentState struct {
	status string
	at     time.Time
}

// NewRelay returns a Relay. A nil client uses a 10s-timeout default.
func NewRelay(targets []Webhook, client *http.Client) *Relay {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Relay{targets: targets, client: client, now: time.Now, sent: make(map[sentKey]sentState)}
}

// Run delivers events until ctx is cancelled or events is closed.
func (r *Relay) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Deliver(ctx, ev)
		}
	}
}

// Deliver sends ev to every target subscribed to its kind.
func (r *Relay) Deliver(ctx context.Context, ev Event) {
	for _, wh := range r.targets {
		if wh.URL == "" || !wh.wants(ev.Kind) || r.suppressed(wh, ev) {
			continue
		}

		var body []byte
		var err error
		switch wh.Type {
		case "slack":
			body, err = json.Marshal(map[string]string{
				"text": fmt.Sprintf("*%s* %s", severityLabel(ev), summary(ev)),
			})
		case "teams":
			body, err = json.Marshal(map[string]any{
				"@type":      "MessageCard",
				"@context":   "http://schema.org/extensions",
				"themeColor": severityColor(ev),
				"summary":    string(ev.Kind),
				"title":      fmt.Sprintf("FleetPulse: %s", ev.Kind),
				"text":       summary(ev),
			})
		case "http", "":
			body, err = json.Marshal(ev)
		default:
			slog.Warn("notify: unknown webhook type, skipping", "type", wh.Type)
			continue
		}
		if err == nil {
			err = r.post(ctx, wh.URL, body)
		}

		if err != nil {
			slog.Error("notify: webhook delivery failed", "type", wh.Type, "event", ev.Kind, "err", err)
		} else {
			slog.Debug("notify: webhook delivered", "type", wh.Type, "event", ev.Kind)
		}
	}
}

// suppressed reports whether ev repeats the status last delivered to wh
// within its cooldown, and records ev as delivered otherwise.
func (r *Relay) suppressed(wh Webhook, ev Event) bool {
	d, ok := ev.Data.(InstanceScoreUpdated)
	if !ok || wh.Cooldown <= 0 {
		return false
	}
	k := sentKey{url: wh.URL, instance: d.InstanceName}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.sent[k]; ok && last.status == d.Status && now.Sub(last.at) < wh.Cooldown {
		return true
	}
	r.sent[k] = sentState{status: d.Status, at: now}
	return false
}

func (r *Relay) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func summary(ev Event) string {
	switch d := ev.Data.(type) {
	case InstanceScoreUpdated:
		return fmt.Sprintf("%s health score %d (%s)", d.InstanceName, d.Score, d.Status)
	case CollectorRunCompleted:
		s := fmt.Sprintf("collector %s %s: %d attempted, %d succeeded, %d failed, %d skipped",
			d.CollectorName, d.Status, d.Counts.Attempted, d.Counts.Succeeded, d.Counts.Failed, d.Counts.Skipped)
		if d.ErrorSummary != "" {
			s += " (" + d.ErrorSummary + ")"
		}
		return s
	default:
		return string(ev.Kind)
	}
}

func severity(ev Event) string {
	switch d := ev.Data.(type) {
	case InstanceScoreUpdated:
		switch d.Status {
		case types.StatusCritical:
			return "critical"
		case "Optimal":
			return "info"
		default:
			return "warning"
		}
	case CollectorRunCompleted:
		if d.Status == types.RunFailed {
			return "warning"
		}
	}
	return "info"
}

func severityLabel(ev Event) string {
	switch severity(ev) {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(ev Event) string {
	switch severity(ev) {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
