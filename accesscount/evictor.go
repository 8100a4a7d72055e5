package accesscount

import (
	"context"
	"log/slog"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
)

// Evictor bounds the number of tables a deque retains
type Evictor interface {
	// EvictTables prunes deque. Only tables ending at or before lastAggregatedEnd
	// have been rolled up and may go.
	EvictTables(deque *TableDeque, lastAggregatedEnd int64)
}

// CountEvictor keeps at most threshold tables, oldest evicted first
type CountEvictor struct {
	store     TableStore
	threshold int
	metrics   *metrics.Metrics
	log       *slog.Logger
	timeout   time.Duration
}

// NewCountEvictor creates an evictor dropping evicted tables from store
func NewCountEvictor(store TableStore, threshold int, m *metrics.Metrics) *CountEvictor {
	return &CountEvictor{
		store:     store,
		threshold: threshold,
		metrics:   m,
		log:       logger.Named("accesscount.evictor"),
		timeout:   30 * time.Second,
	}
}

// Threshold returns the configured table count
func (e *CountEvictor) Threshold() int {
	return e.threshold
}

func (e *CountEvictor) EvictTables(deque *TableDeque, lastAggregatedEnd int64) {
	evicted := deque.evictFront(func(size int, oldest AccessCountTable) bool {
		return size > e.threshold && oldest.End <= lastAggregatedEnd
	})
	if len(evicted) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	for _, t := range evicted {
		if err := e.store.DropAccessCountTable(ctx, t); err != nil {
			e.log.Error("failed to drop evicted table", "table", t.Name, "error", err)
		}
	}
	e.metrics.Evicted(deque.Granularity().String(), len(evicted))
	e.log.Debug("evicted tables", "granularity", deque.Granularity().String(), "count", len(evicted))
}
