package routing

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/inboxd/inbox"
	"github.com/hazyhaar/inboxd/progress"
)

// Engine evaluates a user's active rules against an item and delivers to
// every matching rule's target. It is the pipeline's dispatch collaborator.
//
// The engine reports per-target outcomes in its result list and never fails
// the whole cycle because one delivery failed; it returns an error only
// when the rule set itself cannot be loaded.
type Engine struct {
	rules     *Store
	factories map[string]TargetFactory
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets a custom logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient replaces the HTTP client used by the default webhook and
// telegram factories.
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *Engine) {
		e.factories["webhook"] = WebhookFactory(client)
		e.factories["telegram"] = TelegramFactory(client)
	}
}

// NewEngine creates an Engine with the default target factories registered
// (webhook, slack, telegram).
func NewEngine(rules *Store, opts ...EngineOption) *Engine {
	client := &http.Client{Timeout: 30 * time.Second}
	e := &Engine{
		rules: rules,
		factories: map[string]TargetFactory{
			"webhook":  WebhookFactory(client),
			"slack":    SlackFactory(),
			"telegram": TelegramFactory(client),
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterTarget registers (or replaces) a target factory. Call before any
// dispatch runs.
func (e *Engine) RegisterTarget(name string, f TargetFactory) {
	e.factories[name] = f
}

// Dispatch matches the item against the owner's active rules in priority
// order and delivers to each match, emitting progress events through
// onProgress as it goes. The returned results contain one entry per
// delivery attempt; zero entries means no rule matched.
func (e *Engine) Dispatch(ctx context.Context, item *inbox.Item, onProgress func(progress.Event)) ([]inbox.DistributionResult, error) {
	rules, err := e.rules.ActiveRules(ctx, item.UserID)
	if err != nil {
		return nil, err
	}

	var results []inbox.DistributionResult
	for _, rule := range rules {
		if !rule.Match.Matches(item) {
			continue
		}

		onProgress(progress.NewEvent(progress.EventRoutingRuleMatch, item.ID, map[string]any{
			"rule":   rule.Name,
			"target": rule.TargetType,
		}))

		results = append(results, e.deliver(ctx, item, rule, onProgress))
	}
	return results, nil
}

// deliver runs one delivery attempt and converts its outcome into a
// DistributionResult.
func (e *Engine) deliver(ctx context.Context, item *inbox.Item, rule *Rule, onProgress func(progress.Event)) inbox.DistributionResult {
	onProgress(progress.NewEvent(progress.EventRoutingToolCallStart, item.ID, map[string]any{
		"rule":   rule.Name,
		"target": rule.TargetType,
	}))

	factory, ok := e.factories[rule.TargetType]
	if !ok {
		return e.failed(item, rule, rule.TargetType+":"+rule.ID,
			&ErrUnknownTargetType{Type: rule.TargetType}, onProgress)
	}
	target, err := factory(rule.TargetConfig)
	if err != nil {
		return e.failed(item, rule, rule.TargetType+":"+rule.ID, err, onProgress)
	}

	if err := target.Deliver(ctx, item, rule); err != nil {
		return e.failed(item, rule, target.ID(), err, onProgress)
	}

	onProgress(progress.NewEvent(progress.EventRoutingToolCallSuccess, item.ID, map[string]any{
		"rule":   rule.Name,
		"target": target.ID(),
	}))
	return inbox.DistributionResult{
		TargetID:  target.ID(),
		RuleName:  rule.Name,
		Status:    inbox.ResultSuccess,
		Timestamp: time.Now().UTC(),
	}
}

func (e *Engine) failed(item *inbox.Item, rule *Rule, targetID string, cause error, onProgress func(progress.Event)) inbox.DistributionResult {
	e.logger.Warn("delivery failed",
		"item", item.ID, "rule", rule.Name, "target", targetID, "error", cause)
	onProgress(progress.NewEvent(progress.EventRoutingToolCallError, item.ID, map[string]any{
		"rule":   rule.Name,
		"target": targetID,
		"error":  cause.Error(),
	}))
	return inbox.DistributionResult{
		TargetID:  targetID,
		RuleName:  rule.Name,
		Status:    inbox.ResultFailed,
		Timestamp: time.Now().UTC(),
		Error:     cause.Error(),
	}
}
