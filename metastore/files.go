package metastore

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// File is the namespace record of one file
type File struct {
	FID    int64
	Path   string
	Length int64
	SID    int
	MTime  int64
	ATime  int64
}

// AddFile inserts a file record
func (s *Store) AddFile(ctx context.Context, f File) error {
	insert := s.sb.Insert("file").
		Columns("fid", "path", "length", "sid", "mtime", "atime").
		Values(f.FID, f.Path, f.Length, f.SID, f.MTime, f.ATime)
	if _, err := s.exec(ctx, s.db, insert); err != nil {
		return fmt.Errorf("failed to add file %s: %w", f.Path, err)
	}
	return nil
}

// SetStoragePolicy moves a file to another storage policy
func (s *Store) SetStoragePolicy(ctx context.Context, fid int64, sid int) error {
	res, err := s.exec(ctx, s.db, s.sb.Update("file").Set("sid", sid).Where(sq.Eq{"fid": fid}))
	if err != nil {
		return fmt.Errorf("failed to update storage policy of file %d: %w", fid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d: %w", fid, ErrNotFound)
	}
	return nil
}

// AddStoragePolicy registers a storage policy name
func (s *Store) AddStoragePolicy(ctx context.Context, sid int, name string) error {
	insert := s.sb.Insert("storage_policy").Columns("sid", "policy_name").Values(sid, name)
	if _, err := s.exec(ctx, s.db, insert); err != nil {
		return fmt.Errorf("failed to add storage policy %s: %w", name, err)
	}
	return nil
}

// AddCachedFile marks a file as cached
func (s *Store) AddCachedFile(ctx context.Context, fid int64, path string, fromTime int64) error {
	insert := s.sb.Insert("cached_file").
		Columns("fid", "path", "from_time", "last_access_time", "accessed_num").
		Values(fid, path, fromTime, fromTime, 0)
	if _, err := s.exec(ctx, s.db, insert); err != nil {
		return fmt.Errorf("failed to cache file %s: %w", path, err)
	}
	return nil
}
