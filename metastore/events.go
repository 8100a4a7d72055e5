package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"github.com/liamcoop/storagerules/accesscount"
)

// RecordAccess queues raw file access events
func (s *Store) RecordAccess(ctx context.Context, events ...accesscount.FileAccessEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(events); start += insertChunk {
			end := min(start+insertChunk, len(events))
			insert := s.sb.Insert("file_access_event").Columns("path", "access_time")
			for _, e := range events[start:end] {
				insert = insert.Values(e.Path, e.Timestamp)
			}
			if _, err := s.exec(ctx, tx, insert); err != nil {
				return fmt.Errorf("failed to record access events: %w", err)
			}
		}
		return nil
	})
}

// Collect drains up to one batch of queued access events, oldest first
func (s *Store) Collect(ctx context.Context) ([]accesscount.FileAccessEvent, error) {
	var events []accesscount.FileAccessEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sb.Select("id", "path", "access_time").
			From("file_access_event").
			OrderBy("id").
			Limit(s.eventBatch).
			ToSql()
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to read access events: %w", err)
		}

		var maxID int64
		for rows.Next() {
			var id int64
			var e accesscount.FileAccessEvent
			if err := rows.Scan(&id, &e.Path, &e.Timestamp); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan access event: %w", err)
			}
			events = append(events, e)
			maxID = max(maxID, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating access events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		del := s.sb.Delete("file_access_event").Where(sq.LtOrEq{"id": maxID})
		if _, err := s.exec(ctx, tx, del); err != nil {
			return fmt.Errorf("failed to delete collected access events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}
