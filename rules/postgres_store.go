package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Add inserts a new rule, letting the database assign the ID when zero
func (s *PostgresRuleStore) Add(ctx context.Context, rule *RuleInfo) error {
	if rule.ID != 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM rule WHERE id = $1)
		`, rule.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check rule existence: %w", err)
		}
		if exists {
			return fmt.Errorf("rule with ID %d already exists", rule.ID)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO rule (id, rule_text, state, submit_time, last_check_time, checked_count, generated_cmdlets)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rule.ID, rule.Text, rule.State.String(), rule.SubmitTime,
			nullTime(rule.LastCheckTime), rule.NumChecked, rule.NumCmdsGenerated)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		return nil
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rule (rule_text, state, submit_time, last_check_time, checked_count, generated_cmdlets)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, rule.Text, rule.State.String(), rule.SubmitTime,
		nullTime(rule.LastCheckTime), rule.NumChecked, rule.NumCmdsGenerated).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id int64) (*RuleInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_text, state, submit_time, last_check_time, checked_count, generated_cmdlets
		FROM rule
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules ordered by ID
func (s *PostgresRuleStore) List(ctx context.Context) ([]*RuleInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_text, state, submit_time, last_check_time, checked_count, generated_cmdlets
		FROM rule
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*RuleInfo
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Delete removes a rule
func (s *PostgresRuleStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rule WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(result, id)
}

// UpdateRuleState persists a state change
func (s *PostgresRuleStore) UpdateRuleState(ctx context.Context, id int64, state RuleState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rule SET state = $1 WHERE id = $2
	`, state.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update rule state: %w", err)
	}
	return requireRow(result, id)
}

// UpdateRuleInfo persists state and counters
func (s *PostgresRuleStore) UpdateRuleInfo(ctx context.Context, id int64, state RuleState, lastCheckTime time.Time, numChecked, numGenerated int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rule
		SET state = $1, last_check_time = $2, checked_count = $3, generated_cmdlets = $4
		WHERE id = $5
	`, state.String(), nullTime(lastCheckTime), numChecked, numGenerated, id)
	if err != nil {
		return false, fmt.Errorf("failed to update rule info: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*RuleInfo, error) {
	var (
		r         RuleInfo
		state     string
		lastCheck sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Text, &state, &r.SubmitTime, &lastCheck,
		&r.NumChecked, &r.NumCmdsGenerated); err != nil {
		return nil, err
	}

	parsed, err := ParseRuleState(state)
	if err != nil {
		return nil, err
	}
	r.State = parsed
	if lastCheck.Valid {
		r.LastCheckTime = lastCheck.Time
	}
	return &r, nil
}

func requireRow(result sql.Result, id int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
