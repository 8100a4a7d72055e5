package accesscount

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
)

// AggregatingListener rolls a finished window of fine tables into one table
// of the coarse deque it feeds.
type AggregatingListener struct {
	coarse     *TableDeque
	aggregator *Aggregator
	pool       *WorkerPool
	unit       int64
	timeout    time.Duration
	log        *slog.Logger

	mu                sync.Mutex
	underConstruction map[int64]struct{}
}

// NewMinuteListener aggregates second tables into coarse (a minute deque)
func NewMinuteListener(coarse *TableDeque, aggregator *Aggregator, pool *WorkerPool) *AggregatingListener {
	return newAggregatingListener(coarse, aggregator, pool, Minute)
}

// NewHourListener aggregates minute tables into coarse (an hour deque)
func NewHourListener(coarse *TableDeque, aggregator *Aggregator, pool *WorkerPool) *AggregatingListener {
	return newAggregatingListener(coarse, aggregator, pool, Hour)
}

// NewDayListener aggregates hour tables into coarse (a day deque)
func NewDayListener(coarse *TableDeque, aggregator *Aggregator, pool *WorkerPool) *AggregatingListener {
	return newAggregatingListener(coarse, aggregator, pool, Day)
}

func newAggregatingListener(coarse *TableDeque, aggregator *Aggregator, pool *WorkerPool, g Granularity) *AggregatingListener {
	return &AggregatingListener{
		coarse:            coarse,
		aggregator:        aggregator,
		pool:              pool,
		unit:              g.Millis(),
		timeout:           5 * time.Minute,
		log:               logger.Named("accesscount.listener").With("granularity", g.String()),
		underConstruction: make(map[int64]struct{}),
	}
}

// lastCoarseTable returns the newest complete coarse window ending at or before end
func (l *AggregatingListener) lastCoarseTable(end int64) (AccessCountTable, bool) {
	lastEnd := end - end%l.unit
	if lastEnd-l.unit < 0 {
		return AccessCountTable{}, false
	}
	return mustTable(lastEnd-l.unit, lastEnd), true
}

func (l *AggregatingListener) TableAdded(fine *TableDeque, table AccessCountTable) *Future {
	coarse, ok := l.lastCoarseTable(table.End)
	if !ok {
		return completedFuture(nil)
	}
	if l.coarse.Contains(coarse) {
		return completedFuture(&coarse)
	}

	sources := fine.TablesWithin(coarse.Start, coarse.End)
	if len(sources) == 0 || !l.startConstruction(coarse.Start) {
		return completedFuture(nil)
	}

	f := newFuture()
	err := l.pool.Submit(func() {
		defer l.finishConstruction(coarse.Start)
		f.complete(l.aggregate(coarse, sources))
	})
	if err != nil {
		l.log.Warn("rollup not dispatched", "table", coarse.Name, "error", err)
		l.finishConstruction(coarse.Start)
		f.complete(nil)
	}
	return f
}

func (l *AggregatingListener) aggregate(coarse AccessCountTable, sources []AccessCountTable) *AccessCountTable {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := l.aggregator.Aggregate(ctx, coarse, sources); err != nil {
		l.log.Error("failed to aggregate tables", "table", coarse.Name, "sources", len(sources), "error", err)
		return nil
	}
	if _, err := l.coarse.AddAndNotify(coarse); err != nil {
		l.log.Error("failed to add aggregated table", "table", coarse.Name, "error", err)
		return nil
	}
	l.log.Debug("aggregated tables", "table", coarse.Name, "sources", len(sources))
	return &coarse
}

func (l *AggregatingListener) startConstruction(start int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.underConstruction[start]; busy {
		return false
	}
	l.underConstruction[start] = struct{}{}
	return true
}

func (l *AggregatingListener) finishConstruction(start int64) {
	l.mu.Lock()
	delete(l.underConstruction, start)
	l.mu.Unlock()
}
