package classify

import (
	"context"
	"testing"

	"github.com/hazyhaar/inboxd/inbox"
)

func TestParseClassificationPlain(t *testing.T) {
	got, err := parseClassification(`{"category": "Invoice", "confidence": 0.91,
		"entities": ["ACME", "€420"], "summary": "Invoice from ACME",
		"suggested_title": "ACME invoice", "reasoning": "mentions amount due"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Category != "invoice" {
		t.Errorf("category = %q, want invoice (lowercased)", got.Category)
	}
	if got.Confidence == nil || *got.Confidence != 0.91 {
		t.Errorf("confidence = %v", got.Confidence)
	}
	if len(got.Entities) != 2 {
		t.Errorf("entities = %v", got.Entities)
	}
}

func TestParseClassificationFenced(t *testing.T) {
	got, err := parseClassification("```json\n{\"category\": \"task\", \"confidence\": 0.7}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if got.Category != "task" {
		t.Errorf("category = %q", got.Category)
	}
}

func TestParseClassificationMissingFields(t *testing.T) {
	got, err := parseClassification(`{}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Category != inbox.CategoryUnknown {
		t.Errorf("category = %q, want unknown", got.Category)
	}
	if got.Confidence != nil {
		t.Errorf("confidence = %v, want absent", got.Confidence)
	}
}

func TestParseClassificationGarbage(t *testing.T) {
	if _, err := parseClassification("I think this is an invoice."); err == nil {
		t.Error("expected error for non-JSON response")
	}
}

func TestKeywordClassifierMatches(t *testing.T) {
	c := NewKeywordClassifier(nil)
	got, err := c.Classify(context.Background(),
		"Invoice #42: amount due EUR 99, payment by wire to IBAN DE12", inbox.ContentText, "u")
	if err != nil {
		t.Fatal(err)
	}
	if got.Category != "invoice" {
		t.Errorf("category = %q, want invoice", got.Category)
	}
	if got.Confidence == nil || *got.Confidence < 0.5 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func TestKeywordClassifierNoMatch(t *testing.T) {
	c := NewKeywordClassifier(nil)
	got, err := c.Classify(context.Background(), "zzz qqq xyzzy", inbox.ContentText, "u")
	if err != nil {
		t.Fatal(err)
	}
	if got.Category != inbox.CategoryUnknown {
		t.Errorf("category = %q, want unknown", got.Category)
	}
	if got.Confidence != nil {
		t.Errorf("confidence = %v, want absent so the quality gate fails it", got.Confidence)
	}
}

func TestKeywordClassifierDeterministicTies(t *testing.T) {
	c := NewKeywordClassifier(map[string][]string{
		"beta":  {"shared"},
		"alpha": {"shared"},
	})
	for i := 0; i < 20; i++ {
		got, err := c.Classify(context.Background(), "shared word", inbox.ContentText, "u")
		if err != nil {
			t.Fatal(err)
		}
		if got.Category != "alpha" {
			t.Fatalf("tie resolved to %q, want alpha", got.Category)
		}
	}
}
