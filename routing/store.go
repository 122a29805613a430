package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/inboxd/idgen"
)

// Store wraps the rules table. It shares a database with the item store and
// serves the pipeline's active-rule count query.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom ID generator for rule IDs.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a rule store on the given database and runs migrations.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{
		db:    db,
		newID: idgen.Prefixed("rul_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("routing: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS rules (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    name          TEXT NOT NULL,
    active        INTEGER NOT NULL DEFAULT 1,
    priority      INTEGER NOT NULL DEFAULT 0,
    match_spec    TEXT NOT NULL DEFAULT '{}',
    target_type   TEXT NOT NULL,
    target_config TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_user_active ON rules(user_id, active);
`
	_, err := s.db.Exec(ddl)
	return err
}

// Create inserts a new rule.
func (s *Store) Create(ctx context.Context, in NewRuleInput) (*Rule, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("routing: user id is required")
	}
	if in.Name == "" {
		return nil, fmt.Errorf("routing: rule name is required")
	}
	if in.TargetType == "" {
		return nil, fmt.Errorf("routing: target type is required")
	}
	if len(in.TargetConfig) == 0 {
		in.TargetConfig = json.RawMessage(`{}`)
	}

	matchJSON, err := json.Marshal(in.Match)
	if err != nil {
		return nil, fmt.Errorf("routing: marshal match spec: %w", err)
	}

	now := time.Now().UTC()
	rule := &Rule{
		ID:           s.newID(),
		UserID:       in.UserID,
		Name:         in.Name,
		Active:       in.Active,
		Priority:     in.Priority,
		Match:        in.Match,
		TargetType:   in.TargetType,
		TargetConfig: in.TargetConfig,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, user_id, name, active, priority, match_spec,
		                   target_type, target_config, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.UserID, rule.Name, boolToInt(rule.Active), rule.Priority,
		string(matchJSON), rule.TargetType, string(rule.TargetConfig),
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("routing: create rule: %w", err)
	}
	return rule, nil
}

// Get returns the rule with the given id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, active, priority, match_spec,
		       target_type, target_config, created_at, updated_at
		FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

// Update applies a partial update. Returns nil if the rule does not exist.
func (s *Store) Update(ctx context.Context, id string, patch RulePatch) (*Rule, error) {
	b := sq.Update("rules").Set("updated_at", fmtTime(time.Now().UTC()))

	if patch.Name != nil {
		b = b.Set("name", *patch.Name)
	}
	if patch.Active != nil {
		b = b.Set("active", boolToInt(*patch.Active))
	}
	if patch.Priority != nil {
		b = b.Set("priority", *patch.Priority)
	}
	if patch.Match != nil {
		matchJSON, err := json.Marshal(*patch.Match)
		if err != nil {
			return nil, fmt.Errorf("routing: marshal match spec: %w", err)
		}
		b = b.Set("match_spec", string(matchJSON))
	}
	if patch.TargetType != nil {
		b = b.Set("target_type", *patch.TargetType)
	}
	if patch.TargetConfig != nil {
		b = b.Set("target_config", string(*patch.TargetConfig))
	}

	query, args, err := b.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("routing: build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("routing: update rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// Delete removes a rule. Returns false if it did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("routing: delete rule %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListByUser returns all rules owned by a user, highest priority first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT id, user_id, name, active, priority, match_spec,
		       target_type, target_config, created_at, updated_at
		FROM rules WHERE user_id = ?
		ORDER BY priority DESC, created_at ASC`, userID)
}

// ActiveRules returns the user's active rules, highest priority first.
func (s *Store) ActiveRules(ctx context.Context, userID string) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT id, user_id, name, active, priority, match_spec,
		       target_type, target_config, created_at, updated_at
		FROM rules WHERE user_id = ? AND active = 1
		ORDER BY priority DESC, created_at ASC`, userID)
}

// CountActiveRules reports how many active rules the user has. Serves the
// pipeline's pre-dispatch check.
func (s *Store) CountActiveRules(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rules WHERE user_id = ? AND active = 1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("routing: count active rules: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("routing: query rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*Rule, error) {
	var (
		r                    Rule
		active               int
		matchJSON, targetCfg string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &active, &r.Priority,
		&matchJSON, &r.TargetType, &targetCfg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Active = active != 0
	if err := json.Unmarshal([]byte(matchJSON), &r.Match); err != nil {
		return nil, fmt.Errorf("routing: rule %s: parse match spec: %w", r.ID, err)
	}
	r.TargetConfig = json.RawMessage(targetCfg)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("routing: rule %s: parse created_at: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("routing: rule %s: parse updated_at: %w", r.ID, err)
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
