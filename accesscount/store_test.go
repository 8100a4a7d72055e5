package accesscount

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memStore records what the pipeline asks of the metadata store
type memStore struct {
	mu         sync.Mutex
	statements []string
	created    []string
	dropped    []string
	registered map[string]AccessCountTable
	counts     map[string]map[int64]int64
	fids       map[string]int64
	failExec   func(stmt string) error
	failInsert error
}

func newMemStore() *memStore {
	return &memStore{
		registered: make(map[string]AccessCountTable),
		counts:     make(map[string]map[int64]int64),
		fids:       make(map[string]int64),
	}
}

func (s *memStore) Execute(ctx context.Context, stmt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements = append(s.statements, stmt)
	if s.failExec != nil {
		return s.failExec(stmt)
	}
	return nil
}

func (s *memStore) CreateAccessCountTable(ctx context.Context, table AccessCountTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, table.Name)
	return nil
}

func (s *memStore) RegisterAccessCountTable(ctx context.Context, table AccessCountTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[table.Name] = table
	return nil
}

func (s *memStore) DropAccessCountTable(ctx context.Context, table AccessCountTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, table.Name)
	delete(s.registered, table.Name)
	return nil
}

func (s *memStore) AccessCountTables(ctx context.Context) ([]AccessCountTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccessCountTable, 0, len(s.registered))
	for _, t := range s.registered {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out, nil
}

func (s *memStore) InsertAccessCounts(ctx context.Context, table AccessCountTable, counts map[int64]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return s.failInsert
	}
	cp := make(map[int64]int64, len(counts))
	for k, v := range counts {
		cp[k] = v
	}
	s.counts[table.Name] = cp
	return nil
}

func (s *memStore) FileIDs(ctx context.Context, paths []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, p := range paths {
		if fid, ok := s.fids[p]; ok {
			out[p] = fid
		}
	}
	return out, nil
}

func (s *memStore) executed(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, st := range s.statements {
		if strings.HasPrefix(st, prefix) {
			out = append(out, st)
		}
	}
	return out
}

func (s *memStore) droppedTables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dropped...)
}
