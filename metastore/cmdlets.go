package metastore

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/liamcoop/storagerules/rules"
)

// Cmdlet states
const (
	CmdletPending    = "PENDING"
	CmdletDispatched = "DISPATCHED"
)

// Cmdlet is a queued unit of work
type Cmdlet struct {
	ID           int64
	RuleID       int64
	File         string
	Parameters   string
	State        string
	GenerateTime time.Time
}

// SubmitCmdlet queues desc. A cmdlet identical to one still pending is not
// queued again and yields rules.NotSubmitted.
func (s *Store) SubmitCmdlet(ctx context.Context, desc *rules.CmdletDescriptor) (int64, error) {
	if err := desc.Validate(); err != nil {
		return rules.NotSubmitted, err
	}
	params := desc.CmdletString()
	ruleID := desc.RuleID()

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.maxPending > 0 {
		pending, err := s.queryInt64(ctx, s.db, s.sb.Select("COUNT(*)").From("cmdlet").
			Where(sq.Eq{"state": CmdletPending}))
		if err != nil {
			return rules.NotSubmitted, fmt.Errorf("failed to count pending cmdlets: %w", err)
		}
		if pending >= int64(s.maxPending) {
			return rules.NotSubmitted, rules.ErrQueueFull
		}
	}

	dup, err := s.queryInt64(ctx, s.db, s.sb.Select("COUNT(*)").From("cmdlet").
		Where(sq.Eq{"rid": ruleID, "parameters": params, "state": CmdletPending}))
	if err != nil {
		return rules.NotSubmitted, fmt.Errorf("failed to check duplicate cmdlet: %w", err)
	}
	if dup > 0 {
		s.log.Debug("cmdlet already pending", "rule_id", ruleID, "file", desc.File())
		return rules.NotSubmitted, nil
	}

	insert := s.sb.Insert("cmdlet").
		Columns("rid", "file", "parameters", "state", "generate_time").
		Values(ruleID, desc.File(), params, CmdletPending, time.Now().UnixMilli()).
		Suffix("RETURNING cid")
	id, err := s.queryInt64(ctx, s.db, insert)
	if err != nil {
		return rules.NotSubmitted, fmt.Errorf("failed to queue cmdlet: %w", err)
	}
	return id, nil
}

// PendingCmdlets returns up to limit pending cmdlets, oldest first
func (s *Store) PendingCmdlets(ctx context.Context, limit int) ([]Cmdlet, error) {
	q := s.sb.Select("cid", "rid", "file", "parameters", "state", "generate_time").
		From("cmdlet").
		Where(sq.Eq{"state": CmdletPending}).
		OrderBy("cid")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cmdlets: %w", err)
	}
	defer rows.Close()

	var out []Cmdlet
	for rows.Next() {
		var c Cmdlet
		var generated int64
		if err := rows.Scan(&c.ID, &c.RuleID, &c.File, &c.Parameters, &c.State, &generated); err != nil {
			return nil, fmt.Errorf("failed to scan cmdlet: %w", err)
		}
		c.GenerateTime = time.UnixMilli(generated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDispatched moves a cmdlet out of the pending queue
func (s *Store) MarkDispatched(ctx context.Context, id int64) error {
	update := s.sb.Update("cmdlet").
		Set("state", CmdletDispatched).
		Where(sq.Eq{"cid": id, "state": CmdletPending})
	res, err := s.exec(ctx, s.db, update)
	if err != nil {
		return fmt.Errorf("failed to dispatch cmdlet %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending cmdlet %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeletePendingCmdlets drops the pending cmdlets of a rule
func (s *Store) DeletePendingCmdlets(ctx context.Context, ruleID int64) (int64, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	res, err := s.exec(ctx, s.db, s.sb.Delete("cmdlet").Where(sq.Eq{"rid": ruleID, "state": CmdletPending}))
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending cmdlets of rule %d: %w", ruleID, err)
	}
	return res.RowsAffected()
}
