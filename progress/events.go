// Package progress fans out pipeline progress events to live SSE
// subscribers, keyed by item id.
//
// The manager holds no history: publishing to an item with zero subscribers
// is a no-op and nothing is replayed to late subscribers. A client that
// attaches mid-pipeline is told the item's current state by the HTTP layer
// at subscribe time, not by this package.
package progress

import (
	"time"
)

// EventType names a semantic progress event. The wire mapping is the SSE
// "event:" field; the JSON body carries itemId, timestamp and event-specific
// data. The data shapes are part of the client contract and must stay stable.
type EventType string

const (
	EventConnected EventType = "connected"

	EventClassificationCompleted EventType = "classification.completed"
	EventClassificationFailed    EventType = "classification.failed"

	EventRoutingStart            EventType = "routing.start"
	EventRoutingSkipped          EventType = "routing.skipped"
	EventRoutingRuleMatch        EventType = "routing.rule_match"
	EventRoutingToolCallStart    EventType = "routing.tool_call_start"
	EventRoutingToolCallProgress EventType = "routing.tool_call_progress"
	EventRoutingToolCallSuccess  EventType = "routing.tool_call_success"
	EventRoutingToolCallError    EventType = "routing.tool_call_error"
	EventRoutingComplete         EventType = "routing.complete"
	EventRoutingError            EventType = "routing.error"

	// EventSnapshot is sent once, directly to a single new subscriber, with
	// the item's current persisted state. It is never broadcast.
	EventSnapshot EventType = "item.snapshot"
)

// Terminal reports whether the event type finishes the stream. After a
// terminal event is delivered, every connection for the item is closed.
func (t EventType) Terminal() bool {
	return t == EventRoutingComplete || t == EventRoutingError
}

// Event is one progress event for one item.
type Event struct {
	Type      EventType      `json:"-"`
	ItemID    string         `json:"itemId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(typ EventType, itemID string, data map[string]any) Event {
	return Event{
		Type:      typ,
		ItemID:    itemID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
