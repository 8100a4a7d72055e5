package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/storagerules/accesscount"
)

// RuleStore manages rule persistence and retrieval
type RuleStore interface {
	// Add stores a new rule and assigns its ID when zero
	Add(ctx context.Context, rule *RuleInfo) error

	// Get a rule by ID
	Get(ctx context.Context, id int64) (*RuleInfo, error)

	// List all rules ordered by ID
	List(ctx context.Context) ([]*RuleInfo, error)

	// Delete a rule
	Delete(ctx context.Context, id int64) error

	// UpdateRuleState persists a state change
	UpdateRuleState(ctx context.Context, id int64, state RuleState) error

	// UpdateRuleInfo persists state and counters; false means no row matched
	UpdateRuleInfo(ctx context.Context, id int64, state RuleState, lastCheckTime time.Time, numChecked, numGenerated int64) (bool, error)
}

// MetaStore runs the statements a rule is compiled to
type MetaStore interface {
	Execute(ctx context.Context, stmt string) error
	// QueryForLong returns the first column of the first row, ok is false for no row or NULL
	QueryForLong(ctx context.Context, stmt string) (value int64, ok bool, err error)
	ExecuteFilesPathQuery(ctx context.Context, stmt string) ([]string, error)
	// StoragePolicyID resolves a storage policy name such as "ALL_SSD"
	StoragePolicyID(ctx context.Context, name string) (int, error)
}

// TableCatalog answers which access count tables cover a trailing interval
type TableCatalog interface {
	TablesForLast(ctx context.Context, interval time.Duration) ([]accesscount.AccessCountTable, error)
}

// RuleHost is what an executor needs from the rule manager that owns it
type RuleHost interface {
	IsClosed() bool
	// RuleInfo returns a copy of the rule or ErrRuleNotFound
	RuleInfo(id int64) (*RuleInfo, error)
	UpdateRuleInfo(ctx context.Context, id int64, state *RuleState, lastCheckTime time.Time, checked, generated int64) error
	MetaStore() MetaStore
	TableCatalog() TableCatalog
	CmdletSubmitter() CmdletSubmitter
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	rules  map[int64]*RuleInfo
	nextID int64
	mu     sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:  make(map[int64]*RuleInfo),
		nextID: 1,
	}
}

// Add adds a new rule to the store
func (s *InMemoryRuleStore) Add(ctx context.Context, rule *RuleInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == 0 {
		rule.ID = s.nextID
	}
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %d already exists", rule.ID)
	}
	if rule.ID >= s.nextID {
		s.nextID = rule.ID + 1
	}
	s.rules[rule.ID] = rule.Copy()
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(ctx context.Context, id int64) (*RuleInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return rule.Copy(), nil
}

// List returns all rules ordered by ID
func (s *InMemoryRuleStore) List(ctx context.Context) ([]*RuleInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RuleInfo, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	delete(s.rules, id)
	return nil
}

// UpdateRuleState changes the persisted state
func (s *InMemoryRuleStore) UpdateRuleState(ctx context.Context, id int64, state RuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	rule.State = state
	return nil
}

// UpdateRuleInfo overwrites state and counters
func (s *InMemoryRuleStore) UpdateRuleInfo(ctx context.Context, id int64, state RuleState, lastCheckTime time.Time, numChecked, numGenerated int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return false, nil
	}
	rule.State = state
	rule.LastCheckTime = lastCheckTime
	rule.NumChecked = numChecked
	rule.NumCmdsGenerated = numGenerated
	return true, nil
}
