package routing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/inboxd/inbox"
)

// Target delivers an item to one external destination.
type Target interface {
	// ID identifies the destination for distributedTargets bookkeeping,
	// e.g. "webhook:https://example.com/hook" or "slack:C042".
	ID() string
	// Deliver pushes the item. A non-nil error marks the delivery attempt
	// failed; it never aborts the dispatch cycle.
	Deliver(ctx context.Context, item *inbox.Item, rule *Rule) error
}

// TargetFactory builds a Target from a rule's opaque JSON config.
type TargetFactory func(config json.RawMessage) (Target, error)

// ErrUnknownTargetType is returned when a rule references a target type
// with no registered factory.
type ErrUnknownTargetType struct {
	Type string
}

func (e *ErrUnknownTargetType) Error() string {
	return fmt.Sprintf("routing: no factory for target type %q", e.Type)
}

// itemPayload is the JSON body delivered to webhook targets. Shape is part
// of the external contract; keep stable.
type itemPayload struct {
	Event          string   `json:"event"`
	ItemID         string   `json:"itemId"`
	Rule           string   `json:"rule"`
	Category       string   `json:"category"`
	Summary        string   `json:"summary,omitempty"`
	SuggestedTitle string   `json:"suggestedTitle,omitempty"`
	Entities       []string `json:"entities,omitempty"`
	Content        string   `json:"content"`
	ContentType    string   `json:"contentType"`
	Source         string   `json:"source,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

func newItemPayload(item *inbox.Item, rule *Rule) itemPayload {
	return itemPayload{
		Event:          "item.distributed",
		ItemID:         item.ID,
		Rule:           rule.Name,
		Category:       item.Category,
		Summary:        item.Summary,
		SuggestedTitle: item.SuggestedTitle,
		Entities:       item.Entities,
		Content:        item.OriginalContent,
		ContentType:    string(item.ContentType),
		Source:         item.Source,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

// WebhookConfig is the per-rule config for webhook targets.
type WebhookConfig struct {
	URL string `json:"url"`
	// Secret, when set, signs the request body with HMAC-SHA256 in the
	// X-Signature-256 header so receivers can verify origin.
	Secret string `json:"secret,omitempty"`
}

// WebhookFactory returns a TargetFactory delivering items as signed JSON
// POSTs.
func WebhookFactory(client *http.Client) TargetFactory {
	return func(config json.RawMessage) (Target, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("routing: webhook: parse config: %w", err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("routing: webhook: url is required")
		}
		return &webhookTarget{cfg: cfg, client: client}, nil
	}
}

type webhookTarget struct {
	cfg    WebhookConfig
	client *http.Client
}

func (w *webhookTarget) ID() string { return "webhook:" + w.cfg.URL }

func (w *webhookTarget) Deliver(ctx context.Context, item *inbox.Item, rule *Rule) error {
	body, err := json.Marshal(newItemPayload(item, rule))
	if err != nil {
		return fmt.Errorf("routing: webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("routing: webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("routing: webhook %s: %w", w.cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("routing: webhook %s: status %d", w.cfg.URL, resp.StatusCode)
	}
	return nil
}
