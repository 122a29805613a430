// Package inbox defines the item domain model and its SQLite store.
//
// An Item is one ingested content entry. Two independent sub-states track
// its progress: Status covers the classification cycle, RoutingStatus covers
// the distribution cycle. Classification results and distribution outcomes
// are written back onto the item record; distribution fields are replaced
// wholesale on every cycle so a new run never leaks a previous run's results.
package inbox

import (
	"time"
)

// Status is the classification sub-state of an item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusManual     Status = "manual"
	StatusArchived   Status = "archived"
)

// RoutingStatus is the distribution sub-state of an item, independent of Status.
type RoutingStatus string

const (
	RoutingPending    RoutingStatus = "pending"
	RoutingProcessing RoutingStatus = "processing"
	RoutingCompleted  RoutingStatus = "completed"
	RoutingSkipped    RoutingStatus = "skipped"
	RoutingFailed     RoutingStatus = "failed"
)

// ContentType identifies the format of an item's original content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentHTML     ContentType = "html"
	ContentURL      ContentType = "url"
)

// CategoryUnknown is the category assigned at creation and by classifications
// that could not produce a confident answer.
const CategoryUnknown = "unknown"

// Item is one ingested content entry.
type Item struct {
	ID              string      `json:"id"`
	UserID          string      `json:"userId"`
	OriginalContent string      `json:"originalContent"`
	ContentType     ContentType `json:"contentType"`
	Source          string      `json:"source,omitempty"`

	Status        Status        `json:"status"`
	RoutingStatus RoutingStatus `json:"routingStatus"`

	// Classification results. Written only by a completed classification
	// cycle; zero values at creation.
	Category        string   `json:"category"`
	Entities        []string `json:"entities,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	SuggestedTitle  string   `json:"suggestedTitle,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	ClassifierModel string   `json:"classifierModel,omitempty"`

	// Distribution results. Replaced wholesale on each dispatch cycle.
	DistributedTargets  []string             `json:"distributedTargets,omitempty"`
	DistributionResults []DistributionResult `json:"distributionResults,omitempty"`

	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// DistributionResult is the outcome of delivering an item to one target
// during a dispatch cycle.
type DistributionResult struct {
	TargetID  string    `json:"targetId"`
	RuleName  string    `json:"ruleName,omitempty"`
	Status    string    `json:"status"` // "success" or "failed"
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Distribution result status values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Classification is the output of a classification collaborator.
// Confidence is a pointer because "absent" and "zero" are distinct for the
// quality gate: an absent confidence on an unknown category is a failure.
type Classification struct {
	Category       string
	Confidence     *float64
	Entities       []string
	Summary        string
	SuggestedTitle string
	Reasoning      string
	Model          string
}

// ItemPatch is a partial update applied to an item with merge semantics:
// only non-nil fields touch storage. An atomic single-statement UPDATE,
// keyed by item id, last writer wins per field set.
type ItemPatch struct {
	OriginalContent     *string
	ContentType         *ContentType
	Status              *Status
	RoutingStatus       *RoutingStatus
	Category            *string
	Entities            *[]string
	Summary             *string
	SuggestedTitle      *string
	Confidence          *float64
	Reasoning           *string
	ClassifierModel     *string
	DistributedTargets  *[]string
	DistributionResults *[]DistributionResult
	ProcessedAt         *time.Time
}

// NewItemInput carries the immutable inputs captured at item creation.
type NewItemInput struct {
	UserID          string
	OriginalContent string
	ContentType     ContentType
	Source          string
}

// ListFilter narrows a Store.List query. Zero values mean "no filter".
type ListFilter struct {
	UserID        string
	Status        Status
	RoutingStatus RoutingStatus
	Category      string
	Limit         int
	Offset        int
}
