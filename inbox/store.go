package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/inboxd/idgen"
)

// Store wraps an SQLite database holding inbox items.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom ID generator for item IDs.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a Store on the given database and runs migrations.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{
		db:    db,
		newID: idgen.Prefixed("itm_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("inbox: migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying *sql.DB for sharing with other stores.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS items (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL,
    original_content     TEXT NOT NULL,
    content_type         TEXT NOT NULL DEFAULT 'text',
    source               TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL DEFAULT 'pending',
    routing_status       TEXT NOT NULL DEFAULT 'pending',
    category             TEXT NOT NULL DEFAULT 'unknown',
    entities             TEXT,
    summary              TEXT NOT NULL DEFAULT '',
    suggested_title      TEXT NOT NULL DEFAULT '',
    confidence           REAL,
    reasoning            TEXT NOT NULL DEFAULT '',
    classifier_model     TEXT NOT NULL DEFAULT '',
    distributed_targets  TEXT,
    distribution_results TEXT,
    processed_at         TEXT,
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_user    ON items(user_id);
CREATE INDEX IF NOT EXISTS idx_items_status  ON items(status);
CREATE INDEX IF NOT EXISTS idx_items_routing ON items(routing_status);
`
	_, err := s.db.Exec(ddl)
	return err
}

// Create inserts a new item with status=pending, routingStatus=pending and
// category "unknown", returning the stored record.
func (s *Store) Create(ctx context.Context, in NewItemInput) (*Item, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("inbox: user id is required")
	}
	if in.OriginalContent == "" {
		return nil, fmt.Errorf("inbox: content is required")
	}
	if in.ContentType == "" {
		in.ContentType = ContentText
	}

	now := time.Now().UTC()
	item := &Item{
		ID:              s.newID(),
		UserID:          in.UserID,
		OriginalContent: in.OriginalContent,
		ContentType:     in.ContentType,
		Source:          in.Source,
		Status:          StatusPending,
		RoutingStatus:   RoutingPending,
		Category:        CategoryUnknown,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (
			id, user_id, original_content, content_type, source,
			status, routing_status, category, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.UserID, item.OriginalContent, string(item.ContentType),
		item.Source, string(item.Status), string(item.RoutingStatus),
		item.Category, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inbox: create item: %w", err)
	}
	return item, nil
}

// Get returns the item with the given id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, original_content, content_type, source,
		       status, routing_status, category, entities, summary,
		       suggested_title, confidence, reasoning, classifier_model,
		       distributed_targets, distribution_results,
		       processed_at, created_at, updated_at
		FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// Update applies a partial merge update to the item and returns the updated
// record. Only non-nil patch fields are touched; the statement is a single
// atomic UPDATE. Returns nil if the item does not exist.
func (s *Store) Update(ctx context.Context, id string, patch ItemPatch) (*Item, error) {
	b := sq.Update("items").Set("updated_at", fmtTime(time.Now().UTC()))

	if patch.OriginalContent != nil {
		b = b.Set("original_content", *patch.OriginalContent)
	}
	if patch.ContentType != nil {
		b = b.Set("content_type", string(*patch.ContentType))
	}
	if patch.Status != nil {
		b = b.Set("status", string(*patch.Status))
	}
	if patch.RoutingStatus != nil {
		b = b.Set("routing_status", string(*patch.RoutingStatus))
	}
	if patch.Category != nil {
		b = b.Set("category", *patch.Category)
	}
	if patch.Entities != nil {
		b = b.Set("entities", marshalJSON(*patch.Entities))
	}
	if patch.Summary != nil {
		b = b.Set("summary", *patch.Summary)
	}
	if patch.SuggestedTitle != nil {
		b = b.Set("suggested_title", *patch.SuggestedTitle)
	}
	if patch.Confidence != nil {
		b = b.Set("confidence", *patch.Confidence)
	}
	if patch.Reasoning != nil {
		b = b.Set("reasoning", *patch.Reasoning)
	}
	if patch.ClassifierModel != nil {
		b = b.Set("classifier_model", *patch.ClassifierModel)
	}
	if patch.DistributedTargets != nil {
		b = b.Set("distributed_targets", marshalJSON(*patch.DistributedTargets))
	}
	if patch.DistributionResults != nil {
		b = b.Set("distribution_results", marshalJSON(*patch.DistributionResults))
	}
	if patch.ProcessedAt != nil {
		b = b.Set("processed_at", fmtTime(*patch.ProcessedAt))
	}

	query, args, err := b.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("inbox: build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: update item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// List returns items matching the filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Item, error) {
	b := sq.Select(
		"id", "user_id", "original_content", "content_type", "source",
		"status", "routing_status", "category", "entities", "summary",
		"suggested_title", "confidence", "reasoning", "classifier_model",
		"distributed_targets", "distribution_results",
		"processed_at", "created_at", "updated_at",
	).From("items").OrderBy("created_at DESC")

	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.RoutingStatus != "" {
		b = b.Where(sq.Eq{"routing_status": string(f.RoutingStatus)})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"category": f.Category})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		b = b.Offset(uint64(f.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("inbox: build list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes an item. Returns false if it did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("inbox: delete item %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		it                          Item
		contentType, status, rst    string
		entities, targets, results  sql.NullString
		confidence                  sql.NullFloat64
		processedAt                 sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(
		&it.ID, &it.UserID, &it.OriginalContent, &contentType, &it.Source,
		&status, &rst, &it.Category, &entities, &it.Summary,
		&it.SuggestedTitle, &confidence, &it.Reasoning, &it.ClassifierModel,
		&targets, &results, &processedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	it.ContentType = ContentType(contentType)
	it.Status = Status(status)
	it.RoutingStatus = RoutingStatus(rst)
	if confidence.Valid {
		c := confidence.Float64
		it.Confidence = &c
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &it.Entities); err != nil {
			return nil, fmt.Errorf("inbox: item %s: parse entities: %w", it.ID, err)
		}
	}
	if targets.Valid && targets.String != "" {
		if err := json.Unmarshal([]byte(targets.String), &it.DistributedTargets); err != nil {
			return nil, fmt.Errorf("inbox: item %s: parse targets: %w", it.ID, err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &it.DistributionResults); err != nil {
			return nil, fmt.Errorf("inbox: item %s: parse results: %w", it.ID, err)
		}
	}
	if processedAt.Valid && processedAt.String != "" {
		ts, err := parseTime(processedAt.String)
		if err != nil {
			return nil, fmt.Errorf("inbox: item %s: parse processed_at: %w", it.ID, err)
		}
		it.ProcessedAt = &ts
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("inbox: item %s: parse created_at: %w", it.ID, err)
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("inbox: item %s: parse updated_at: %w", it.ID, err)
	}
	return &it, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable values, which the patch types
		// cannot carry.
		panic("inbox: marshal: " + err.Error())
	}
	return string(b)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
