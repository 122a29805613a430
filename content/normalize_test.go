package content

import (
	"strings"
	"testing"

	"github.com/hazyhaar/inboxd/inbox"
)

func TestNormalizeTextPassthrough(t *testing.T) {
	n := NewNormalizer()
	got, err := n.Normalize("hello\n\n\n\nworld", inbox.ContentText)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello\n\nworld" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeHTMLStripsScript(t *testing.T) {
	n := NewNormalizer()
	got, err := n.Normalize(
		`<p>Quarterly report attached.</p><script>alert("x")</script>`,
		inbox.ContentHTML)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "alert") {
		t.Errorf("script survived sanitization: %q", got)
	}
	if !strings.Contains(got, "Quarterly report attached.") {
		t.Errorf("text lost: %q", got)
	}
}

func TestNormalizeHTMLToMarkdown(t *testing.T) {
	n := NewNormalizer()
	got, err := n.Normalize(
		`<h1>Agenda</h1><ul><li>budget</li><li>hiring</li></ul>`,
		inbox.ContentHTML)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Agenda") || !strings.Contains(got, "budget") {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeTruncates(t *testing.T) {
	n := NewNormalizer(WithMaxChars(10))
	got, err := n.Normalize(strings.Repeat("a", 100), inbox.ContentText)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestNormalizeEmptyResult(t *testing.T) {
	n := NewNormalizer()
	if _, err := n.Normalize("   \n\n  ", inbox.ContentText); err == nil {
		t.Error("expected error for empty content")
	}
}
