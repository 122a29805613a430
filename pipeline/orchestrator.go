// Package pipeline drives the per-item classification and distribution
// state machine.
//
// Background runs are detached: the request that triggers one returns
// immediately and never sees its errors. Correctness under concurrent
// re-triggering rests on execution tokens: every observable side effect of
// a dispatch run is individually gated on the run still holding the current
// token, so a superseded run stops doing visible work at its next checkpoint
// without rolling back what it already committed. Cancellation is
// cooperative: nothing interrupts an in-flight collaborator call, a stale
// run simply discards its result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/inboxd/inbox"
	"github.com/hazyhaar/inboxd/progress"
)

// DefaultConfidenceThreshold is the quality-gate cutoff: a classification
// that resolves to "unknown" with confidence below this (or absent) is a
// business failure.
const DefaultConfidenceThreshold = 0.5

// ItemStore is the storage surface the orchestrator needs. Update applies
// an atomic partial merge; a nil item result means the record is gone.
type ItemStore interface {
	Get(ctx context.Context, id string) (*inbox.Item, error)
	Update(ctx context.Context, id string, patch inbox.ItemPatch) (*inbox.Item, error)
}

// Classifier is the classification collaborator. An error return and a
// low-confidence unknown result are both persisted as classification
// failure; they differ only in the broadcast payload.
type Classifier interface {
	Classify(ctx context.Context, content string, contentType inbox.ContentType, userID string) (inbox.Classification, error)
}

// RuleDispatcher is the rule-matching and delivery collaborator. onProgress
// may be invoked any number of times before Dispatch returns; the
// orchestrator re-broadcasts each invocation after a token check.
type RuleDispatcher interface {
	Dispatch(ctx context.Context, item *inbox.Item, onProgress func(progress.Event)) ([]inbox.DistributionResult, error)
}

// RuleCounter reports how many active routing rules a user has.
type RuleCounter interface {
	CountActiveRules(ctx context.Context, userID string) (int, error)
}

// Broadcaster fans progress events out to live subscribers.
type Broadcaster interface {
	Publish(itemID string, ev progress.Event)
}

// Normalizer prepares raw item content for classification.
type Normalizer func(content string, contentType inbox.ContentType) (string, error)

// Orchestrator coordinates the classification and dispatch cycles for
// items, issuing execution tokens and emitting progress events.
type Orchestrator struct {
	store      ItemStore
	tokens     *TokenRegistry
	broadcast  Broadcaster
	classifier Classifier
	dispatcher RuleDispatcher
	rules      RuleCounter

	normalize Normalizer
	threshold float64
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithConfidenceThreshold overrides the quality-gate cutoff.
func WithConfidenceThreshold(v float64) Option {
	return func(o *Orchestrator) { o.threshold = v }
}

// WithNormalizer sets the content normalization step run before
// classification. Default: identity.
func WithNormalizer(n Normalizer) Option {
	return func(o *Orchestrator) { o.normalize = n }
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(
	store ItemStore,
	tokens *TokenRegistry,
	broadcast Broadcaster,
	classifier Classifier,
	dispatcher RuleDispatcher,
	rules RuleCounter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		tokens:     tokens,
		broadcast:  broadcast,
		classifier: classifier,
		dispatcher: dispatcher,
		rules:      rules,
		normalize:  func(content string, _ inbox.ContentType) (string, error) { return content, nil },
		threshold:  DefaultConfidenceThreshold,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TriggerClassification starts a classification cycle for the item in a
// detached goroutine and returns immediately. Errors never propagate to the
// caller; the boundary converts them into persisted failure state plus a
// broadcast event.
func (o *Orchestrator) TriggerClassification(itemID string) {
	go o.detached(itemID, phaseClassification, func(ctx context.Context) error {
		return o.RunClassification(ctx, itemID)
	})
}

// TriggerRedistribute starts a redistribution cycle in a detached goroutine
// and returns immediately with accepted semantics.
func (o *Orchestrator) TriggerRedistribute(itemID string) {
	go o.detached(itemID, phaseDispatch, func(ctx context.Context) error {
		return o.Redistribute(ctx, itemID)
	})
}

// RunClassification executes one classification cycle for the item and, on
// success, continues into a dispatch cycle under the same execution token.
//
// Persistence here is unconditional: there is at most one classification run
// per trigger and triggers are serialized by the requests issuing them, so
// no token check guards these writes. The token minted at the top exists to
// supersede any dispatch run still in flight from an earlier cycle and to
// authorize the dispatch continuation.
func (o *Orchestrator) RunClassification(ctx context.Context, itemID string) error {
	item, err := o.store.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("pipeline: load item: %w", err)
	}
	if item == nil {
		return &ErrItemNotFound{ID: itemID}
	}

	token := o.tokens.Issue(itemID)

	if _, err := o.patch(ctx, itemID, inbox.ItemPatch{Status: ptr(inbox.StatusProcessing)}); err != nil {
		return err
	}

	text, err := o.normalize(item.OriginalContent, item.ContentType)
	if err == nil {
		var result inbox.Classification
		result, err = o.classifier.Classify(ctx, text, item.ContentType, item.UserID)
		if err == nil {
			return o.finishClassification(ctx, item, token, result)
		}
	}

	// Collaborator failure: persist terminal state, broadcast, do not
	// start dispatch. The error is handled here, not propagated.
	o.logger.Warn("classification failed", "item", itemID, "error", err)
	now := time.Now().UTC()
	if _, perr := o.patch(ctx, itemID, inbox.ItemPatch{
		Status:      ptr(inbox.StatusFailed),
		ProcessedAt: &now,
	}); perr != nil {
		return perr
	}
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventClassificationFailed, itemID, map[string]any{
		"error": err.Error(),
	}))
	return nil
}

// finishClassification applies the quality gate and persists the outcome.
func (o *Orchestrator) finishClassification(ctx context.Context, item *inbox.Item, token string, result inbox.Classification) error {
	itemID := item.ID
	now := time.Now().UTC()

	if belowQualityGate(result, o.threshold) {
		o.logger.Info("classification below quality gate",
			"item", itemID, "category", result.Category, "confidence", confidenceValue(result.Confidence))
		if _, err := o.patch(ctx, itemID, inbox.ItemPatch{
			Status:      ptr(inbox.StatusFailed),
			ProcessedAt: &now,
		}); err != nil {
			return err
		}
		o.broadcast.Publish(itemID, progress.NewEvent(progress.EventClassificationFailed, itemID, map[string]any{
			"reason":     "low_confidence",
			"category":   result.Category,
			"confidence": confidenceValue(result.Confidence),
		}))
		return nil
	}

	updated, err := o.patch(ctx, itemID, inbox.ItemPatch{
		Status:          ptr(inbox.StatusCompleted),
		Category:        &result.Category,
		Entities:        &result.Entities,
		Summary:         &result.Summary,
		SuggestedTitle:  &result.SuggestedTitle,
		Confidence:      result.Confidence,
		Reasoning:       &result.Reasoning,
		ClassifierModel: &result.Model,
		ProcessedAt:     &now,
	})
	if err != nil {
		return err
	}

	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventClassificationCompleted, itemID, map[string]any{
		"category":   result.Category,
		"confidence": confidenceValue(result.Confidence),
		"summary":    result.Summary,
	}))

	// Dispatch is a continuation of the same execution, not a fresh user
	// action: no new token.
	return o.runDispatch(ctx, updated, token)
}

// runDispatch executes one dispatch cycle under the given token. Every
// state mutation and every broadcast is gated on token currency checked
// immediately beforehand, so a run superseded mid-flight stops doing
// observable work at its next checkpoint.
func (o *Orchestrator) runDispatch(ctx context.Context, item *inbox.Item, token string) error {
	itemID := item.ID

	ruleCount, err := o.rules.CountActiveRules(ctx, item.UserID)
	if err != nil {
		return o.dispatchError(ctx, itemID, token, fmt.Errorf("count active rules: %w", err))
	}

	if ruleCount == 0 {
		return o.skipDispatch(ctx, itemID, token, "no rules configured")
	}

	if !o.checkpoint(itemID, token, "mark processing") {
		return nil
	}
	if _, err := o.patch(ctx, itemID, inbox.ItemPatch{RoutingStatus: ptr(inbox.RoutingProcessing)}); err != nil {
		return err
	}
	if !o.checkpoint(itemID, token, "routing.start") {
		return nil
	}
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingStart, itemID, map[string]any{
		"ruleCount": ruleCount,
	}))

	results, err := o.dispatcher.Dispatch(ctx, item, func(ev progress.Event) {
		if !o.checkpoint(itemID, token, "progress "+string(ev.Type)) {
			return
		}
		o.broadcast.Publish(itemID, ev)
	})
	if err != nil {
		return o.dispatchError(ctx, itemID, token, err)
	}

	// Rules exist but none matched this item: that is a skip, not a
	// completion.
	if len(results) == 0 {
		return o.skipDispatch(ctx, itemID, token, "no rule matched")
	}

	targets, successNames := partitionResults(results)

	if !o.checkpoint(itemID, token, "persist results") {
		return nil
	}
	if _, err := o.patch(ctx, itemID, inbox.ItemPatch{
		RoutingStatus:       ptr(inbox.RoutingCompleted),
		DistributedTargets:  &targets,
		DistributionResults: &results,
	}); err != nil {
		return err
	}
	if !o.checkpoint(itemID, token, "routing.complete") {
		return nil
	}
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingComplete, itemID, map[string]any{
		"summary":   completionSummary(len(targets), len(results), successNames),
		"succeeded": len(targets),
		"attempted": len(results),
		"targets":   targets,
	}))
	return nil
}

// skipDispatch marks the cycle skipped with a reason, token-gated.
func (o *Orchestrator) skipDispatch(ctx context.Context, itemID, token, reason string) error {
	if !o.checkpoint(itemID, token, "mark skipped") {
		return nil
	}
	if _, err := o.patch(ctx, itemID, inbox.ItemPatch{RoutingStatus: ptr(inbox.RoutingSkipped)}); err != nil {
		return err
	}
	if !o.checkpoint(itemID, token, "routing.skipped") {
		return nil
	}
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingSkipped, itemID, map[string]any{
		"reason": reason,
	}))
	return nil
}

// dispatchError marks the cycle failed and broadcasts the error, token-gated.
func (o *Orchestrator) dispatchError(ctx context.Context, itemID, token string, cause error) error {
	o.logger.Warn("dispatch failed", "item", itemID, "error", cause)
	if !o.checkpoint(itemID, token, "mark failed") {
		return nil
	}
	if _, err := o.patch(ctx, itemID, inbox.ItemPatch{RoutingStatus: ptr(inbox.RoutingFailed)}); err != nil {
		return err
	}
	if !o.checkpoint(itemID, token, "routing.error") {
		return nil
	}
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingError, itemID, map[string]any{
		"error": cause.Error(),
	}))
	return nil
}

// Cancel aborts the current dispatch run for an item. Valid only while the
// routing status is pending or processing. It supersedes the in-flight
// run's token rather than signalling it; the run notices at its next
// checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, itemID string) error {
	item, err := o.store.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("pipeline: load item: %w", err)
	}
	if item == nil {
		return &ErrItemNotFound{ID: itemID}
	}
	if item.RoutingStatus != inbox.RoutingPending && item.RoutingStatus != inbox.RoutingProcessing {
		return &ErrNotCancellable{ID: itemID, RoutingStatus: item.RoutingStatus}
	}

	o.tokens.Issue(itemID)

	empty := []string{}
	noResults := []inbox.DistributionResult{}
	if _, err := o.patch(ctx, itemID, inbox.ItemPatch{
		RoutingStatus:       ptr(inbox.RoutingSkipped),
		DistributedTargets:  &empty,
		DistributionResults: &noResults,
	}); err != nil {
		return err
	}
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingSkipped, itemID, map[string]any{
		"reason": "cancelled",
	}))
	o.logger.Info("dispatch cancelled", "item", itemID)
	return nil
}

// Redistribute starts a fresh dispatch cycle for an item, superseding any
// run in flight. Always allowed, from any routing status. The synchronous
// part clears prior distribution data and marks the item processing; the
// dispatch itself runs detached and this method returns immediately.
func (o *Orchestrator) Redistribute(ctx context.Context, itemID string) error {
	item, err := o.store.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("pipeline: load item: %w", err)
	}
	if item == nil {
		return &ErrItemNotFound{ID: itemID}
	}

	token := o.tokens.Issue(itemID)

	if item.RoutingStatus == inbox.RoutingProcessing {
		o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingSkipped, itemID, map[string]any{
			"reason": "cancelling previous run",
		}))
	}

	empty := []string{}
	noResults := []inbox.DistributionResult{}
	updated, err := o.patch(ctx, itemID, inbox.ItemPatch{
		RoutingStatus:       ptr(inbox.RoutingProcessing),
		DistributedTargets:  &empty,
		DistributionResults: &noResults,
	})
	if err != nil {
		return err
	}

	// Early start signal; the authoritative rule count arrives with the
	// routing.start the new run emits once it begins.
	o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingStart, itemID, map[string]any{
		"ruleCount": 0,
	}))

	go o.detached(itemID, phaseDispatch, func(ctx context.Context) error {
		return o.runDispatch(ctx, updated, token)
	})
	return nil
}

// checkpoint reports whether token is still current, logging the silent
// abort when it is not. Stale execution is not an error.
func (o *Orchestrator) checkpoint(itemID, token, step string) bool {
	if o.tokens.IsCurrent(itemID, token) {
		return true
	}
	o.logger.Debug("run superseded, suppressing", "item", itemID, "step", step)
	return false
}

// patch applies a merge update and converts a vanished item into an error
// that aborts the run.
func (o *Orchestrator) patch(ctx context.Context, itemID string, p inbox.ItemPatch) (*inbox.Item, error) {
	updated, err := o.store.Update(ctx, itemID, p)
	if err != nil {
		return nil, fmt.Errorf("pipeline: update item %s: %w", itemID, err)
	}
	if updated == nil {
		return nil, &ErrItemNotFound{ID: itemID}
	}
	return updated, nil
}

type phase string

const (
	phaseClassification phase = "classification"
	phaseDispatch       phase = "dispatch"
)

// detached is the top-level error boundary for background runs. Nothing
// escapes: errors and panics become persisted failure state plus a
// broadcast event.
func (o *Orchestrator) detached(itemID string, ph phase, fn func(context.Context) error) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("background run panicked", "item", itemID, "phase", ph, "panic", r)
			o.persistRunFailure(ctx, itemID, ph, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		o.logger.Error("background run failed", "item", itemID, "phase", ph, "error", err)
		o.persistRunFailure(ctx, itemID, ph, err)
	}
}

// persistRunFailure is best effort: if storage is the thing that failed,
// the follow-up write may fail too, and then the broadcast event is all a
// client gets.
func (o *Orchestrator) persistRunFailure(ctx context.Context, itemID string, ph phase, cause error) {
	switch ph {
	case phaseClassification:
		now := time.Now().UTC()
		if _, err := o.store.Update(ctx, itemID, inbox.ItemPatch{
			Status:      ptr(inbox.StatusFailed),
			ProcessedAt: &now,
		}); err != nil {
			o.logger.Error("persisting failure state failed", "item", itemID, "error", err)
		}
		o.broadcast.Publish(itemID, progress.NewEvent(progress.EventClassificationFailed, itemID, map[string]any{
			"error": cause.Error(),
		}))
	case phaseDispatch:
		if _, err := o.store.Update(ctx, itemID, inbox.ItemPatch{
			RoutingStatus: ptr(inbox.RoutingFailed),
		}); err != nil {
			o.logger.Error("persisting failure state failed", "item", itemID, "error", err)
		}
		o.broadcast.Publish(itemID, progress.NewEvent(progress.EventRoutingError, itemID, map[string]any{
			"error": cause.Error(),
		}))
	}
}

// belowQualityGate implements the deliberate failure rule: unknown category
// with absent or sub-threshold confidence.
func belowQualityGate(c inbox.Classification, threshold float64) bool {
	if c.Category != inbox.CategoryUnknown {
		return false
	}
	return c.Confidence == nil || *c.Confidence < threshold
}

// partitionResults extracts the successfully delivered target ids (first
// success order, deduplicated) and the names of the rules that succeeded.
func partitionResults(results []inbox.DistributionResult) (targets []string, ruleNames []string) {
	seenTarget := make(map[string]bool)
	seenRule := make(map[string]bool)
	for _, r := range results {
		if r.Status != inbox.ResultSuccess {
			continue
		}
		if !seenTarget[r.TargetID] {
			seenTarget[r.TargetID] = true
			targets = append(targets, r.TargetID)
		}
		if r.RuleName != "" && !seenRule[r.RuleName] {
			seenRule[r.RuleName] = true
			ruleNames = append(ruleNames, r.RuleName)
		}
	}
	return targets, ruleNames
}

func completionSummary(succeeded, attempted int, ruleNames []string) string {
	s := fmt.Sprintf("distributed to %d of %d targets", succeeded, attempted)
	if len(ruleNames) > 0 {
		s += " (rules: " + strings.Join(ruleNames, ", ") + ")"
	}
	return s
}

func confidenceValue(c *float64) any {
	if c == nil {
		return nil
	}
	return *c
}

func ptr[T any](v T) *T { return &v }
