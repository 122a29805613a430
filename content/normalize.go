// Package content normalizes raw item content into plain text suitable for
// classification. HTML is sanitized and converted to markdown; text and
// markdown pass through with whitespace cleanup. Everything is truncated to
// a bounded length so classifier prompts stay small.
package content

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/inboxd/inbox"
)

// DefaultMaxChars bounds normalized output length.
const DefaultMaxChars = 20_000

// Normalizer converts raw content into classifier-ready text.
type Normalizer struct {
	sanitizer *bluemonday.Policy
	converter *converter.Converter
	maxChars  int
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithMaxChars overrides the output length bound.
func WithMaxChars(n int) NormalizerOption {
	return func(nm *Normalizer) { nm.maxChars = n }
}

// NewNormalizer creates a Normalizer with a UGC sanitization policy and a
// commonmark converter.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		sanitizer: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		maxChars: DefaultMaxChars,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize returns classifier-ready text for the given raw content.
func (n *Normalizer) Normalize(raw string, contentType inbox.ContentType) (string, error) {
	var text string
	switch contentType {
	case inbox.ContentHTML:
		clean := n.sanitizer.Sanitize(raw)
		md, err := n.converter.ConvertString(clean)
		if err != nil {
			return "", fmt.Errorf("content: convert html: %w", err)
		}
		text = md
	case inbox.ContentURL:
		// URL items carry the fetched page body as content; the URL itself
		// lives in the item's source field.
		clean := n.sanitizer.Sanitize(raw)
		md, err := n.converter.ConvertString(clean)
		if err != nil {
			return "", fmt.Errorf("content: convert html: %w", err)
		}
		text = md
	default:
		text = raw
	}

	text = collapseWhitespace(text)
	if len(text) > n.maxChars {
		text = text[:n.maxChars]
	}
	if text == "" {
		return "", fmt.Errorf("content: nothing left after normalization")
	}
	return text, nil
}

// collapseWhitespace trims lines and squeezes runs of blank lines down to one.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
