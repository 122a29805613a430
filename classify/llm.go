// Package classify provides classification collaborators for the pipeline:
// an LLM-backed classifier and a deterministic keyword fallback.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hazyhaar/inboxd/inbox"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultCategories is the category vocabulary offered to the model.
// "unknown" must stay in the list: the quality gate keys off it.
var DefaultCategories = []string{
	"invoice", "receipt", "meeting", "task", "idea",
	"article", "contact", "travel", "newsletter", "unknown",
}

const systemPromptTemplate = `You classify short content items for an inbox service.
Respond with a single JSON object and nothing else:
{"category": one of [%s],
 "confidence": 0.0-1.0,
 "entities": ["named people, organisations, dates, amounts"],
 "summary": "one sentence",
 "suggested_title": "short title",
 "reasoning": "one sentence"}
Use "unknown" with low confidence when unsure.`

// LLMClassifier classifies content through the Anthropic Messages API.
type LLMClassifier struct {
	client     anthropic.Client
	model      string
	categories []string
	maxTokens  int64
	logger     *slog.Logger
}

// LLMOption configures an LLMClassifier.
type LLMOption func(*LLMClassifier)

// WithModel overrides the model. Default: DefaultModel.
func WithModel(model string) LLMOption {
	return func(c *LLMClassifier) { c.model = model }
}

// WithCategories overrides the category vocabulary.
func WithCategories(cats []string) LLMOption {
	return func(c *LLMClassifier) { c.categories = cats }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) LLMOption {
	return func(c *LLMClassifier) { c.logger = l }
}

// NewLLMClassifier creates a classifier talking to the Anthropic API.
func NewLLMClassifier(apiKey string, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      DefaultModel,
		categories: DefaultCategories,
		maxTokens:  1024,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify sends the content to the model and parses its JSON verdict.
// An API error or unparseable response is a collaborator failure; the
// caller's quality gate handles low-confidence results.
func (c *LLMClassifier) Classify(ctx context.Context, content string, contentType inbox.ContentType, userID string) (inbox.Classification, error) {
	system := fmt.Sprintf(systemPromptTemplate, strings.Join(c.categories, ", "))
	user := fmt.Sprintf("Content type: %s\n\n%s", contentType, content)

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return inbox.Classification{}, fmt.Errorf("classify: anthropic: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return inbox.Classification{}, fmt.Errorf("classify: no text content in model response")
	}

	result, err := parseClassification(text)
	if err != nil {
		return inbox.Classification{}, err
	}
	result.Model = c.model

	c.logger.Debug("llm classification",
		"user", userID, "category", result.Category,
		"tokens_in", message.Usage.InputTokens, "tokens_out", message.Usage.OutputTokens)
	return result, nil
}

type llmVerdict struct {
	Category       string   `json:"category"`
	Confidence     *float64 `json:"confidence"`
	Entities       []string `json:"entities"`
	Summary        string   `json:"summary"`
	SuggestedTitle string   `json:"suggested_title"`
	Reasoning      string   `json:"reasoning"`
}

// parseClassification decodes the model's JSON verdict, tolerating markdown
// code fences around the object.
func parseClassification(text string) (inbox.Classification, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var v llmVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return inbox.Classification{}, fmt.Errorf("classify: parse model response: %w", err)
	}

	category := strings.ToLower(strings.TrimSpace(v.Category))
	if category == "" {
		category = inbox.CategoryUnknown
	}
	return inbox.Classification{
		Category:       category,
		Confidence:     v.Confidence,
		Entities:       v.Entities,
		Summary:        v.Summary,
		SuggestedTitle: v.SuggestedTitle,
		Reasoning:      v.Reasoning,
	}, nil
}
