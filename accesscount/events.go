package accesscount

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
)

// FileAccessEvent is one read of a file. An event without a path only
// advances time.
type FileAccessEvent struct {
	Path      string
	Timestamp int64 // unix millis
}

type window struct {
	start, end int64
}

func (w window) contains(t int64) bool {
	return t >= w.start && t < w.end
}

// EventAggregator groups raw events into windows of the aggregation interval
// and turns every closed window into a raw access count table.
type EventAggregator struct {
	manager *Manager
	store   TableStore
	unit    int64
	log     *slog.Logger

	mu       sync.Mutex
	current  *window
	buffer   map[string]int64
	unmerged map[string]int64
}

// NewEventAggregator creates an aggregator feeding manager
func NewEventAggregator(manager *Manager, store TableStore) *EventAggregator {
	return &EventAggregator{
		manager:  manager,
		store:    store,
		unit:     manager.Config().AggregationInterval.Milliseconds(),
		log:      logger.Named("accesscount.events"),
		buffer:   make(map[string]int64),
		unmerged: make(map[string]int64),
	}
}

func (a *EventAggregator) assignWindow(t int64) *window {
	start := t - t%a.unit
	return &window{start: start, end: start + a.unit}
}

// Aggregate consumes events in timestamp order
func (a *EventAggregator) Aggregate(ctx context.Context, events []FileAccessEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil && len(events) > 0 {
		a.current = a.assignWindow(events[0].Timestamp)
	}
	for _, e := range events {
		if !a.current.contains(e.Timestamp) {
			if e.Timestamp < a.current.start {
				a.log.Debug("dropping late access event", "path", e.Path, "timestamp", e.Timestamp)
				continue
			}
			a.closeWindow(ctx)
			a.current = a.assignWindow(e.Timestamp)
			a.buffer = make(map[string]int64)
		}
		if e.Path != "" {
			a.buffer[e.Path]++
		}
	}
}

func (a *EventAggregator) closeWindow(ctx context.Context) {
	counts := a.resolveCounts(ctx)

	table, err := NewAccessCountTable(a.current.start, a.current.end)
	if err != nil {
		a.log.Error("invalid window", "error", err)
		return
	}
	if err := a.writeTable(ctx, table, counts); err != nil {
		a.log.Error("failed to write access count table", "table", table.Name, "error", err)
		return
	}
	if _, err := a.manager.AddTable(table); err != nil {
		a.log.Error("failed to add access count table", "table", table.Name, "error", err)
	}
}

// resolveCounts maps buffered paths to fids. Paths of this window that are not
// known yet are carried over once; older unresolved paths are dropped.
func (a *EventAggregator) resolveCounts(ctx context.Context) map[int64]int64 {
	if len(a.buffer) == 0 && len(a.unmerged) == 0 {
		return nil
	}

	all := make(map[string]int64, len(a.buffer)+len(a.unmerged))
	for p, c := range a.buffer {
		all[p] += c
	}
	for p, c := range a.unmerged {
		all[p] += c
	}

	paths := make([]string, 0, len(all))
	for p := range all {
		paths = append(paths, p)
	}
	fids, err := a.store.FileIDs(ctx, paths)
	if err != nil {
		a.log.Error("failed to resolve file ids", "paths", len(paths), "error", err)
		fids = nil
	}

	a.unmerged = make(map[string]int64)
	counts := make(map[int64]int64, len(fids))
	for p, c := range all {
		if fid, ok := fids[p]; ok {
			counts[fid] += c
			continue
		}
		if _, fresh := a.buffer[p]; fresh {
			a.unmerged[p] = c
		}
	}
	return counts
}

func (a *EventAggregator) writeTable(ctx context.Context, table AccessCountTable, counts map[int64]int64) (err error) {
	if err := a.store.CreateAccessCountTable(ctx, table); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			dropTable(ctx, a.store, a.log, table.Name)
		}
	}()
	if len(counts) > 0 {
		if err := a.store.InsertAccessCounts(ctx, table, counts); err != nil {
			return err
		}
	}
	return a.store.RegisterAccessCountTable(ctx, table)
}

// EventFetcher polls a collector and feeds the aggregator
type EventFetcher struct {
	collector  EventCollector
	aggregator *EventAggregator
	interval   time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventFetcher creates a fetcher polling every interval
func NewEventFetcher(collector EventCollector, aggregator *EventAggregator, interval time.Duration, m *metrics.Metrics) *EventFetcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &EventFetcher{
		collector:  collector,
		aggregator: aggregator,
		interval:   interval,
		metrics:    m,
		log:        logger.Named("accesscount.fetcher"),
	}
}

// Start launches the polling goroutine
func (f *EventFetcher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return fmt.Errorf("event fetcher already started")
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.loop(ctx)
	return nil
}

func (f *EventFetcher) loop(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.FetchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FetchOnce collects pending events and aggregates them
func (f *EventFetcher) FetchOnce(ctx context.Context) int {
	events, err := f.collector.Collect(ctx)
	if err != nil {
		f.log.Error("failed to collect access events", "error", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}
	f.metrics.EventsIngested(len(events))
	f.aggregator.Aggregate(ctx, events)
	return len(events)
}

// Stop cancels polling and waits for the goroutine to exit
func (f *EventFetcher) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
