package classify

import (
	"context"
	"strings"

	"github.com/hazyhaar/inboxd/inbox"
)

// defaultKeywords maps categories to trigger words for the fallback
// classifier. Deliberately small: the keyword path exists for deployments
// without an API key and for tests, not for accuracy.
var defaultKeywords = map[string][]string{
	"invoice":    {"invoice", "amount due", "payment", "iban", "billed"},
	"receipt":    {"receipt", "paid", "order confirmation", "total:"},
	"meeting":    {"meeting", "agenda", "calendar", "schedule", "call at"},
	"task":       {"todo", "to-do", "task", "deadline", "reminder"},
	"article":    {"article", "blog", "read more", "published"},
	"travel":     {"flight", "booking", "hotel", "itinerary", "boarding"},
	"contact":    {"phone", "email:", "reach me", "contact"},
	"newsletter": {"newsletter", "unsubscribe", "weekly digest"},
}

// KeywordClassifier scores keyword hits per category. It never errors; when
// nothing matches it returns "unknown" with no confidence, which the
// pipeline's quality gate turns into a classification failure.
type KeywordClassifier struct {
	keywords map[string][]string
}

// NewKeywordClassifier creates the fallback classifier. A nil keyword map
// selects the built-in vocabulary.
func NewKeywordClassifier(keywords map[string][]string) *KeywordClassifier {
	if keywords == nil {
		keywords = defaultKeywords
	}
	return &KeywordClassifier{keywords: keywords}
}

// Classify picks the category with the most keyword hits.
func (c *KeywordClassifier) Classify(_ context.Context, content string, _ inbox.ContentType, _ string) (inbox.Classification, error) {
	lower := strings.ToLower(content)

	best := ""
	bestHits := 0
	for category, words := range c.keywords {
		hits := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		// Ties resolve to the lexicographically smaller category so the
		// result is deterministic across map iteration orders.
		if hits > bestHits || (hits == bestHits && hits > 0 && category < best) {
			best = category
			bestHits = hits
		}
	}

	if bestHits == 0 {
		return inbox.Classification{
			Category: inbox.CategoryUnknown,
			Model:    "keyword-v1",
		}, nil
	}

	confidence := 0.5 + 0.1*float64(bestHits)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return inbox.Classification{
		Category:   best,
		Confidence: &confidence,
		Summary:    firstLine(content),
		Reasoning:  "keyword match",
		Model:      "keyword-v1",
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
