package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/inboxd/idgen"
)

// ServiceName identifies this service in shared observability stores.
const ServiceName = "inboxd"

// Event types recorded over an item's lifecycle.
const (
	EventItemReceived         = "item.received"
	EventItemClassified       = "item.classified"
	EventItemClassifyFailed   = "item.classify_failed"
	EventItemDistributed      = "item.distributed"
	EventItemDistributeFailed = "item.distribute_failed"
	EventItemCancelled        = "item.cancelled"
	EventRuleChanged          = "rule.changed"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	UserID     string
	Action     string
	Details    string // optional JSON
	Success    bool
}

// EventLogger writes business events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given database. The schema
// is applied on construction.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) (*EventLogger, error) {
	if err := Init(db); err != nil {
		return nil, fmt.Errorf("observability schema: %w", err)
	}
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// LogEvent records a business event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks the app.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, ServiceName, event.EntityType, event.EntityID,
		event.UserID, event.Action, event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// ItemEvent is a convenience wrapper for events about a single inbox item.
func (l *EventLogger) ItemEvent(ctx context.Context, eventType, itemID, userID, action string, success bool) {
	l.LogEvent(ctx, BusinessEvent{
		EventType:  eventType,
		EntityType: "item",
		EntityID:   itemID,
		UserID:     userID,
		Action:     action,
		Success:    success,
	})
}

// Cleanup deletes event rows older than retentionDays. Zero or negative
// means no cleanup. Returns the number of rows removed.
func (l *EventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Unix() - int64(retentionDays)*86400
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM business_event_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup business_event_logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
