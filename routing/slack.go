package routing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/hazyhaar/inboxd/inbox"
)

// SlackConfig is the per-rule config for Slack targets.
type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	// APIURL overrides the Slack API base URL; used in tests.
	APIURL string `json:"api_url,omitempty"`
}

// SlackFactory returns a TargetFactory posting items to a Slack channel.
func SlackFactory() TargetFactory {
	return func(config json.RawMessage) (Target, error) {
		var cfg SlackConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("routing: slack: parse config: %w", err)
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("routing: slack: token is required")
		}
		if cfg.Channel == "" {
			return nil, fmt.Errorf("routing: slack: channel is required")
		}

		var slackOpts []slack.Option
		if cfg.APIURL != "" {
			slackOpts = append(slackOpts, slack.OptionAPIURL(cfg.APIURL))
		}
		return &slackTarget{
			cfg: cfg,
			api: slack.New(cfg.Token, slackOpts...),
		}, nil
	}
}

type slackTarget struct {
	cfg SlackConfig
	api *slack.Client
}

func (s *slackTarget) ID() string { return "slack:" + s.cfg.Channel }

func (s *slackTarget) Deliver(ctx context.Context, item *inbox.Item, rule *Rule) error {
	title := item.SuggestedTitle
	if title == "" {
		title = "New inbox item"
	}
	text := fmt.Sprintf("*%s* [%s]\n%s", title, item.Category, item.Summary)
	if item.Summary == "" {
		text = fmt.Sprintf("*%s* [%s]", title, item.Category)
	}

	_, _, err := s.api.PostMessageContext(ctx, s.cfg.Channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("routing: slack %s: %w", s.cfg.Channel, err)
	}
	return nil
}
