// Package routing matches classified items against user-defined rules and
// delivers them to external targets (webhooks, Slack channels, Telegram
// chats). It implements the dispatch collaborator of the pipeline.
package routing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hazyhaar/inboxd/inbox"
)

// Rule is one user-defined routing rule. Rules are evaluated in priority
// order (highest first); every matching rule produces one delivery attempt.
type Rule struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	Priority int       `json:"priority"`
	Match    MatchSpec `json:"match"`

	// TargetType selects a registered target factory ("webhook", "slack",
	// "telegram"); TargetConfig is its opaque per-rule configuration.
	TargetType   string          `json:"targetType"`
	TargetConfig json.RawMessage `json:"targetConfig"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MatchSpec decides whether a rule applies to an item. Empty criteria match
// everything, so a rule with a zero MatchSpec is a catch-all.
type MatchSpec struct {
	// Categories the item's category must be in. Empty: any category.
	Categories []string `json:"categories,omitempty"`
	// Keywords of which at least one must appear in the item content or
	// summary (case-insensitive). Empty: no keyword requirement.
	Keywords []string `json:"keywords,omitempty"`
	// MinConfidence the classification must reach. Items without a
	// confidence value fail any positive threshold.
	MinConfidence float64 `json:"minConfidence,omitempty"`
}

// Matches reports whether the item satisfies every criterion.
func (m MatchSpec) Matches(item *inbox.Item) bool {
	if len(m.Categories) > 0 {
		ok := false
		for _, c := range m.Categories {
			if strings.EqualFold(c, item.Category) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if m.MinConfidence > 0 {
		if item.Confidence == nil || *item.Confidence < m.MinConfidence {
			return false
		}
	}

	if len(m.Keywords) > 0 {
		haystack := strings.ToLower(item.OriginalContent + "\n" + item.Summary)
		ok := false
		for _, kw := range m.Keywords {
			if strings.Contains(haystack, strings.ToLower(kw)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}

// RulePatch is a partial rule update; nil fields are left untouched.
type RulePatch struct {
	Name         *string
	Active       *bool
	Priority     *int
	Match        *MatchSpec
	TargetType   *string
	TargetConfig *json.RawMessage
}

// NewRuleInput carries the fields required to create a rule.
type NewRuleInput struct {
	UserID       string
	Name         string
	Active       bool
	Priority     int
	Match        MatchSpec
	TargetType   string
	TargetConfig json.RawMessage
}
