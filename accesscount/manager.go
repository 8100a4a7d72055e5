package accesscount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
)

// Config controls aggregation and retention
type Config struct {
	// AggregationInterval is the length of one raw (second tier) table
	AggregationInterval time.Duration
	SecondTablesToKeep  int
	MinuteTablesToKeep  int
	HourTablesToKeep    int
	DayTablesToKeep     int
}

// Minimum retention so that a full window of the next tier is always available
const (
	MinMinuteTablesToKeep = 60
	MinHourTablesToKeep   = 24
	MinDayTablesToKeep    = 1
)

// DefaultConfig returns the retention used when nothing is configured
func DefaultConfig() Config {
	return Config{
		AggregationInterval: 5 * time.Second,
		SecondTablesToKeep:  30,
		MinuteTablesToKeep:  120,
		HourTablesToKeep:    48,
		DayTablesToKeep:     30,
	}
}

// MinSecondTablesToKeep is the number of raw tables one minute consists of
func (c Config) MinSecondTablesToKeep() int {
	if c.AggregationInterval <= 0 {
		return 0
	}
	return int(time.Minute / c.AggregationInterval)
}

// Validate checks the interval and per-tier minimums
func (c Config) Validate() error {
	if c.AggregationInterval <= 0 || c.AggregationInterval > time.Minute {
		return fmt.Errorf("aggregation interval must be in (0, 1m], got %s", c.AggregationInterval)
	}
	if time.Minute%c.AggregationInterval != 0 {
		return fmt.Errorf("aggregation interval %s must divide one minute", c.AggregationInterval)
	}
	if c.SecondTablesToKeep < c.MinSecondTablesToKeep() {
		return fmt.Errorf("second tables to keep should be at least %d, got %d", c.MinSecondTablesToKeep(), c.SecondTablesToKeep)
	}
	if c.MinuteTablesToKeep < MinMinuteTablesToKeep {
		return fmt.Errorf("minute tables to keep should be at least %d, got %d", MinMinuteTablesToKeep, c.MinuteTablesToKeep)
	}
	if c.HourTablesToKeep < MinHourTablesToKeep {
		return fmt.Errorf("hour tables to keep should be at least %d, got %d", MinHourTablesToKeep, c.HourTablesToKeep)
	}
	if c.DayTablesToKeep < MinDayTablesToKeep {
		return fmt.Errorf("day tables to keep should be at least %d, got %d", MinDayTablesToKeep, c.DayTablesToKeep)
	}
	return nil
}

// Manager owns the deque of every tier and answers which tables cover a trailing interval
type Manager struct {
	store   TableStore
	config  Config
	deques  map[Granularity]*TableDeque
	metrics *metrics.Metrics
	log     *slog.Logger
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithMetrics records evictions and aggregations
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mg *Manager) {
		mg.metrics = m
	}
}

// NewManager wires the second -> minute -> hour -> day cascade
func NewManager(store TableStore, pool *WorkerPool, config Config, opts ...ManagerOption) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		store:  store,
		config: config,
		deques: make(map[Granularity]*TableDeque, 4),
		log:    logger.Named("accesscount.manager"),
	}
	for _, opt := range opts {
		opt(m)
	}

	aggregator := NewAggregator(store, m.metrics)

	day := NewTableDeque(Day, NewCountEvictor(store, config.DayTablesToKeep, m.metrics), nil)
	hour := NewTableDeque(Hour, NewCountEvictor(store, config.HourTablesToKeep, m.metrics),
		NewDayListener(day, aggregator, pool))
	minute := NewTableDeque(Minute, NewCountEvictor(store, config.MinuteTablesToKeep, m.metrics),
		NewHourListener(hour, aggregator, pool))
	second := NewTableDeque(Second, NewCountEvictor(store, config.SecondTablesToKeep, m.metrics),
		NewMinuteListener(minute, aggregator, pool))

	m.deques[Second] = second
	m.deques[Minute] = minute
	m.deques[Hour] = hour
	m.deques[Day] = day
	return m, nil
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() Config {
	return m.config
}

// Deque returns the deque of one tier
func (m *Manager) Deque(g Granularity) *TableDeque {
	return m.deques[g]
}

// Recover loads registered tables into their deques and resumes any rollup
// that was interrupted.
func (m *Manager) Recover(ctx context.Context) error {
	tables, err := m.store.AccessCountTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to load access count tables: %w", err)
	}
	if len(tables) == 0 {
		m.log.Info("no access count tables to recover")
		return nil
	}

	last := make(map[Granularity]AccessCountTable)
	for _, t := range tables {
		d, ok := m.deques[t.Granularity]
		if !ok {
			continue
		}
		if err := d.Add(t); err != nil {
			m.log.Warn("skipping access count table", "table", t.Name, "error", err)
			continue
		}
		last[t.Granularity] = t
	}

	for _, g := range []Granularity{Second, Minute, Hour, Day} {
		if t, ok := last[g]; ok {
			m.deques[g].NotifyListener(t)
		}
	}

	m.log.Info("recovered access count tables", "count", len(tables))
	return nil
}

// AddTable hands a populated raw table to the cascade
func (m *Manager) AddTable(table AccessCountTable) (*Future, error) {
	m.log.Debug("adding access count table", "table", table.Name)
	return m.deques[Second].AddAndNotify(table)
}

// Now returns the end of the newest raw table, the pipeline's notion of the current time
func (m *Manager) Now() (int64, bool) {
	last, ok := m.deques[Second].Last()
	if !ok {
		return 0, false
	}
	return last.End, true
}

// TablesForLast returns tables covering the trailing interval ending at Now.
// A coarse table only partly inside the interval is replaced by an ephemeral
// table holding its proportional share; callers must drop ephemeral tables.
func (m *Manager) TablesForLast(ctx context.Context, interval time.Duration) ([]AccessCountTable, error) {
	now, ok := m.Now()
	if !ok {
		return nil, nil
	}
	length := interval.Milliseconds()
	if length <= 0 {
		return nil, nil
	}
	return m.tablesDuring(ctx, length, now, GranularityOf(interval))
}

func (m *Manager) tablesDuring(ctx context.Context, length, end int64, g Granularity) ([]AccessCountTable, error) {
	start := end - length
	var results []AccessCountTable

	for _, t := range m.deques[g].Snapshot() {
		if t.End <= start {
			continue
		}
		if t.Start >= start {
			results = append(results, t)
			start = t.End
			continue
		}
		// t straddles start; an exact finer table may already exist
		if m.TableExists(start, t.End) {
			continue
		}
		split, err := m.createProportionTable(ctx, start, t)
		if err != nil {
			return results, err
		}
		results = append(results, split)
		start = t.End
	}

	if start < end && g != Second {
		finer, err := m.tablesDuring(ctx, end-start, end, g.Finer())
		results = append(results, finer...)
		if err != nil {
			return results, err
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Start < results[j].Start })
	return results, nil
}

func (m *Manager) createProportionTable(ctx context.Context, start int64, src AccessCountTable) (AccessCountTable, error) {
	split, err := NewEphemeralTable(start, src.End)
	if err != nil {
		return AccessCountTable{}, err
	}
	if err := m.store.CreateAccessCountTable(ctx, split); err != nil {
		return AccessCountTable{}, fmt.Errorf("failed to create proportion table: %w", err)
	}
	ratio := src.IntervalRatio(split.Start, split.End)
	if err := m.store.Execute(ctx, ProportionSQL(split.Name, src.Name, ratio)); err != nil {
		dropTable(ctx, m.store, m.log, split.Name)
		return AccessCountTable{}, fmt.Errorf("failed to fill proportion table: %w", err)
	}
	return split, nil
}

// TableExists reports whether the tier matching [start, end) holds that exact table
func (m *Manager) TableExists(start, end int64) bool {
	if start >= end {
		return false
	}
	g := GranularityOf(time.Duration(end-start) * time.Millisecond)
	d, ok := m.deques[g]
	if !ok {
		return false
	}
	return d.Contains(AccessCountTable{Start: start, End: end})
}

// UpdateFileIDs rewrites fid src to dst in every retained table. Tables that
// vanished in the meantime are tolerated; an error is returned only when no
// table could be updated.
func (m *Manager) UpdateFileIDs(ctx context.Context, src, dst int64) error {
	var (
		attempted int
		errs      []error
	)
	for _, g := range []Granularity{Second, Minute, Hour, Day} {
		for _, t := range m.deques[g].Snapshot() {
			attempted++
			if err := m.store.Execute(ctx, UpdateFileIDSQL(t.Name, src, dst)); err != nil {
				errs = append(errs, fmt.Errorf("table %s: %w", t.Name, err))
			}
		}
	}

	if attempted > 0 && len(errs) == attempted {
		return fmt.Errorf("failed to update fid %d in all %d tables: %w", src, attempted, errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.log.Warn("fid update skipped some tables", "src", src, "dst", dst, "failed", len(errs), "total", attempted)
	}
	return nil
}
