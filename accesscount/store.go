package accesscount

import "context"

// TableStore is the slice of the metadata store the pipeline needs
type TableStore interface {
	// Execute runs a statement that returns no rows
	Execute(ctx context.Context, stmt string) error
	// CreateAccessCountTable creates the physical table
	CreateAccessCountTable(ctx context.Context, table AccessCountTable) error
	// RegisterAccessCountTable records a populated table in the registry
	RegisterAccessCountTable(ctx context.Context, table AccessCountTable) error
	// DropAccessCountTable drops the physical table and its registry entry
	DropAccessCountTable(ctx context.Context, table AccessCountTable) error
	// AccessCountTables lists registered tables ordered by start time
	AccessCountTables(ctx context.Context) ([]AccessCountTable, error)
	// InsertAccessCounts writes fid -> count rows into a table
	InsertAccessCounts(ctx context.Context, table AccessCountTable, counts map[int64]int64) error
	// FileIDs resolves paths to fids, unknown paths are absent from the result
	FileIDs(ctx context.Context, paths []string) (map[string]int64, error)
}

// EventCollector produces raw access events, typically by draining a queue table
type EventCollector interface {
	Collect(ctx context.Context) ([]FileAccessEvent, error)
}
