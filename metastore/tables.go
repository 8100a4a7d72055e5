package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/liamcoop/storagerules/accesscount"
)

// insertChunk bounds the rows of one multi-row INSERT or IN list
const insertChunk = 500

// CreateAccessCountTable creates the physical table
func (s *Store) CreateAccessCountTable(ctx context.Context, table accesscount.AccessCountTable) error {
	return s.Execute(ctx, accesscount.CreateTableSQL(table.Name))
}

// RegisterAccessCountTable records a populated table
func (s *Store) RegisterAccessCountTable(ctx context.Context, table accesscount.AccessCountTable) error {
	insert := s.sb.Insert("access_count_table").
		Columns("table_name", "start_time", "end_time").
		Values(table.Name, table.Start, table.End)
	if _, err := s.exec(ctx, s.db, insert); err != nil {
		return fmt.Errorf("failed to register table %s: %w", table.Name, err)
	}
	return nil
}

// DropAccessCountTable drops the table and forgets it
func (s *Store) DropAccessCountTable(ctx context.Context, table accesscount.AccessCountTable) error {
	if err := s.Execute(ctx, accesscount.DropTableSQL(table.Name)); err != nil {
		return err
	}
	del := s.sb.Delete("access_count_table").Where(sq.Eq{"table_name": table.Name})
	if _, err := s.exec(ctx, s.db, del); err != nil {
		return fmt.Errorf("failed to unregister table %s: %w", table.Name, err)
	}
	return nil
}

// AccessCountTables lists registered tables ordered by start time
func (s *Store) AccessCountTables(ctx context.Context) ([]accesscount.AccessCountTable, error) {
	query, args, err := s.sb.Select("table_name", "start_time", "end_time").
		From("access_count_table").
		OrderBy("start_time", "end_time").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list access count tables: %w", err)
	}
	defer rows.Close()

	var tables []accesscount.AccessCountTable
	for rows.Next() {
		var t accesscount.AccessCountTable
		if err := rows.Scan(&t.Name, &t.Start, &t.End); err != nil {
			return nil, fmt.Errorf("failed to scan access count table: %w", err)
		}
		t.Granularity = accesscount.GranularityOf(time.Duration(t.End-t.Start) * time.Millisecond)
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access count tables: %w", err)
	}
	return tables, nil
}

// InsertAccessCounts writes fid -> count rows in one transaction
func (s *Store) InsertAccessCounts(ctx context.Context, table accesscount.AccessCountTable, counts map[int64]int64) error {
	if len(counts) == 0 {
		return nil
	}
	fids := make([]int64, 0, len(counts))
	for fid := range counts {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(fids); start += insertChunk {
			end := min(start+insertChunk, len(fids))
			insert := s.sb.Insert(table.Name).Columns("fid", "count")
			for _, fid := range fids[start:end] {
				insert = insert.Values(fid, counts[fid])
			}
			if _, err := s.exec(ctx, tx, insert); err != nil {
				return fmt.Errorf("failed to insert access counts into %s: %w", table.Name, err)
			}
		}
		return nil
	})
}

// FileIDs resolves paths to fids; unknown paths are left out
func (s *Store) FileIDs(ctx context.Context, paths []string) (map[string]int64, error) {
	out := make(map[string]int64, len(paths))
	for start := 0; start < len(paths); start += insertChunk {
		end := min(start+insertChunk, len(paths))
		query, args, err := s.sb.Select("path", "fid").
			From("file").
			Where(sq.Eq{"path": paths[start:end]}).
			ToSql()
		if err != nil {
			return nil, err
		}
		if err := s.scanFileIDs(ctx, query, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) scanFileIDs(ctx context.Context, query string, args []any, out map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to resolve file ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var fid int64
		if err := rows.Scan(&path, &fid); err != nil {
			return fmt.Errorf("failed to scan file id: %w", err)
		}
		out[path] = fid
	}
	return rows.Err()
}
