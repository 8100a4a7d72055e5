package accesscount

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
)

// Aggregator merges access count tables by summing counts per fid
type Aggregator struct {
	store   TableStore
	metrics *metrics.Metrics
	log     *slog.Logger
	mu      sync.Mutex
}

// NewAggregator creates an aggregator writing through store
func NewAggregator(store TableStore, m *metrics.Metrics) *Aggregator {
	return &Aggregator{store: store, metrics: m, log: logger.Named("accesscount.aggregator")}
}

// Aggregate creates dest, fills it from sources and registers it.
// dest is only registered after it was populated and is dropped again when
// filling or registering it fails, so the window can be retried.
func (a *Aggregator) Aggregate(ctx context.Context, dest AccessCountTable, sources []AccessCountTable) error {
	if len(sources) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.aggregate(ctx, dest, sources)
	a.metrics.Aggregated(dest.Granularity.String(), err == nil)
	return err
}

func (a *Aggregator) aggregate(ctx context.Context, dest AccessCountTable, sources []AccessCountTable) (err error) {
	if err := a.store.CreateAccessCountTable(ctx, dest); err != nil {
		return fmt.Errorf("failed to create table %s: %w", dest.Name, err)
	}
	defer func() {
		if err != nil {
			dropTable(ctx, a.store, a.log, dest.Name)
		}
	}()
	if err := a.store.Execute(ctx, AggregateSQL(dest.Name, tableNames(sources))); err != nil {
		return fmt.Errorf("failed to aggregate into %s: %w", dest.Name, err)
	}
	if err := a.store.RegisterAccessCountTable(ctx, dest); err != nil {
		return fmt.Errorf("failed to register table %s: %w", dest.Name, err)
	}
	return nil
}

// dropTable removes a table left behind by a failed write. It still runs when
// ctx is cancelled; failures are only logged.
func dropTable(ctx context.Context, store TableStore, log *slog.Logger, name string) {
	if err := store.Execute(context.WithoutCancel(ctx), DropTableSQL(name)); err != nil {
		log.Debug("failed to drop table", "table", name, "error", err)
	}
}
