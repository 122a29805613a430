package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hazyhaar/inboxd/inbox"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig is the per-rule config for Telegram targets.
type TelegramConfig struct {
	// BotToken is the Telegram bot API token (from @BotFather).
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	// APIBase overrides the bot API base URL; used in tests.
	APIBase string `json:"api_base,omitempty"`
}

// TelegramFactory returns a TargetFactory sending items to a Telegram chat
// via the bot API.
func TelegramFactory(client *http.Client) TargetFactory {
	return func(config json.RawMessage) (Target, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("routing: telegram: parse config: %w", err)
		}
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("routing: telegram: bot_token is required")
		}
		if cfg.ChatID == "" {
			return nil, fmt.Errorf("routing: telegram: chat_id is required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = telegramAPIBase
		}
		return &telegramTarget{cfg: cfg, client: client}, nil
	}
}

type telegramTarget struct {
	cfg    TelegramConfig
	client *http.Client
}

func (t *telegramTarget) ID() string { return "telegram:" + t.cfg.ChatID }

func (t *telegramTarget) Deliver(ctx context.Context, item *inbox.Item, rule *Rule) error {
	title := item.SuggestedTitle
	if title == "" {
		title = "New inbox item"
	}
	text := fmt.Sprintf("%s [%s]\n%s", title, item.Category, item.Summary)

	body, err := json.Marshal(map[string]string{
		"chat_id": t.cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("routing: telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIBase, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("routing: telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("routing: telegram %s: %w", t.cfg.ChatID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("routing: telegram %s: status %d", t.cfg.ChatID, resp.StatusCode)
	}
	return nil
}
