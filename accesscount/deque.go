package accesscount

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTableOutOfOrder is returned when a table would overlap or precede the newest one
var ErrTableOutOfOrder = errors.New("access count table out of order")

// TableAddOpListener is told about every table added to a deque and answers with
// the coarse table that covers it once that table exists.
type TableAddOpListener interface {
	TableAdded(fine *TableDeque, table AccessCountTable) *Future
}

// TableDeque keeps the tables of one granularity ordered by time
type TableDeque struct {
	granularity Granularity
	listener    TableAddOpListener
	evictor     Evictor

	mu     sync.RWMutex
	tables []AccessCountTable
}

// NewTableDeque creates a deque. listener may be nil for the top tier.
func NewTableDeque(granularity Granularity, evictor Evictor, listener TableAddOpListener) *TableDeque {
	return &TableDeque{
		granularity: granularity,
		evictor:     evictor,
		listener:    listener,
	}
}

// Granularity returns the tier this deque holds
func (d *TableDeque) Granularity() Granularity {
	return d.granularity
}

// Add appends a table without notifying the listener
func (d *TableDeque) Add(table AccessCountTable) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.tables); n > 0 {
		last := d.tables[n-1]
		if table.Start < last.End {
			return fmt.Errorf("%w: %s after %s", ErrTableOutOfOrder, table.Name, last.Name)
		}
	}
	d.tables = append(d.tables, table)
	return nil
}

// AddAndNotify appends a table, then lets the listener cascade it and the evictor prune
func (d *TableDeque) AddAndNotify(table AccessCountTable) (*Future, error) {
	if err := d.Add(table); err != nil {
		return nil, err
	}
	return d.NotifyListener(table), nil
}

// NotifyListener runs the listener for table and evicts once the covering
// coarse table is known. Nothing is evicted when the rollup produced no table.
func (d *TableDeque) NotifyListener(table AccessCountTable) *Future {
	if d.listener == nil {
		d.evict(table.End)
		return completedFuture(nil)
	}
	return d.listener.TableAdded(d, table).then(func(coarse *AccessCountTable) {
		if coarse != nil {
			d.evict(coarse.End)
		}
	})
}

func (d *TableDeque) evict(lastAggregatedEnd int64) {
	if d.evictor != nil {
		d.evictor.EvictTables(d, lastAggregatedEnd)
	}
}

// evictFront removes tables from the head while evictable returns true.
// evictable is called with the current size and the oldest table.
func (d *TableDeque) evictFront(evictable func(size int, oldest AccessCountTable) bool) []AccessCountTable {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []AccessCountTable
	for len(d.tables) > 0 && evictable(len(d.tables), d.tables[0]) {
		evicted = append(evicted, d.tables[0])
		d.tables = d.tables[1:]
	}
	return evicted
}

// TablesWithin returns the tables fully inside [start, end)
func (d *TableDeque) TablesWithin(start, end int64) []AccessCountTable {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []AccessCountTable
	for _, t := range d.tables {
		if t.Start >= start && t.End <= end {
			result = append(result, t)
		}
	}
	return result
}

// Contains reports whether a table with the same range is present
func (d *TableDeque) Contains(table AccessCountTable) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.tables {
		if t.Equal(table) {
			return true
		}
	}
	return false
}

// Len returns the number of tables
func (d *TableDeque) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tables)
}

// Last returns the newest table
func (d *TableDeque) Last() (AccessCountTable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.tables) == 0 {
		return AccessCountTable{}, false
	}
	return d.tables[len(d.tables)-1], true
}

// Snapshot returns a copy of all tables, oldest first
func (d *TableDeque) Snapshot() []AccessCountTable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]AccessCountTable, len(d.tables))
	copy(out, d.tables)
	return out
}
