// Package accesscount keeps per-file access counts in time-bucketed tables and
// rolls them up from seconds to minutes, hours and days.
package accesscount

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Granularity is the time unit an access count table is bucketed by
type Granularity int

const (
	Second Granularity = iota
	Minute
	Hour
	Day
)

// Duration returns the length of one unit
func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Second
	}
}

// Millis returns the length of one unit in milliseconds
func (g Granularity) Millis() int64 {
	return g.Duration().Milliseconds()
}

// Coarser returns the next larger unit, Day stays Day
func (g Granularity) Coarser() Granularity {
	if g >= Day {
		return Day
	}
	return g + 1
}

// Finer returns the next smaller unit, Second stays Second
func (g Granularity) Finer() Granularity {
	if g <= Second {
		return Second
	}
	return g - 1
}

func (g Granularity) String() string {
	switch g {
	case Second:
		return "SECOND"
	case Minute:
		return "MINUTE"
	case Hour:
		return "HOUR"
	case Day:
		return "DAY"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// GranularityOf returns the largest unit that fits into length
func GranularityOf(length time.Duration) Granularity {
	switch {
	case length >= Day.Duration():
		return Day
	case length >= Hour.Duration():
		return Hour
	case length >= Minute.Duration():
		return Minute
	default:
		return Second
	}
}

const (
	tablePrefix   = "accessCount_"
	ephemeralPart = "_view_"
)

// AccessCountTable identifies a bucket of per-file access counts covering [Start, End).
// Start and End are unix milliseconds.
type AccessCountTable struct {
	Name        string
	Start       int64
	End         int64
	Granularity Granularity
	Ephemeral   bool
}

// NewAccessCountTable creates a persistent table for [start, end)
func NewAccessCountTable(start, end int64) (AccessCountTable, error) {
	return newTable(start, end, false)
}

// NewEphemeralTable creates a scratch table for [start, end) with a unique name
func NewEphemeralTable(start, end int64) (AccessCountTable, error) {
	return newTable(start, end, true)
}

func newTable(start, end int64, ephemeral bool) (AccessCountTable, error) {
	if start >= end {
		return AccessCountTable{}, fmt.Errorf("invalid access count table range [%d, %d)", start, end)
	}
	t := AccessCountTable{
		Name:        TableName(start, end),
		Start:       start,
		End:         end,
		Granularity: GranularityOf(time.Duration(end-start) * time.Millisecond),
		Ephemeral:   ephemeral,
	}
	if ephemeral {
		t.Name += ephemeralPart + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return t, nil
}

// mustTable is used where the range is known to be valid
func mustTable(start, end int64) AccessCountTable {
	t, err := NewAccessCountTable(start, end)
	if err != nil {
		panic(err)
	}
	return t
}

// TableName returns the persistent table name for [start, end)
func TableName(start, end int64) string {
	return fmt.Sprintf("%s%d_%d", tablePrefix, start, end)
}

// ParseTableName recovers the range of a persistent table name
func ParseTableName(name string) (start, end int64, err error) {
	if !strings.HasPrefix(name, tablePrefix) || strings.Contains(name, ephemeralPart) {
		return 0, 0, fmt.Errorf("not an access count table name: %q", name)
	}
	if _, err := fmt.Sscanf(strings.TrimPrefix(name, tablePrefix), "%d_%d", &start, &end); err != nil {
		return 0, 0, fmt.Errorf("malformed access count table name %q: %w", name, err)
	}
	if start >= end {
		return 0, 0, fmt.Errorf("invalid range in table name %q", name)
	}
	return start, end, nil
}

// Equal reports whether both tables cover the same range
func (t AccessCountTable) Equal(other AccessCountTable) bool {
	return t.Start == other.Start && t.End == other.End
}

// Interval returns the length of the covered range
func (t AccessCountTable) Interval() time.Duration {
	return time.Duration(t.End-t.Start) * time.Millisecond
}

// IntervalRatio returns the share of the table covered by [start, end)
func (t AccessCountTable) IntervalRatio(start, end int64) float64 {
	lo := max(start, t.Start)
	hi := min(end, t.End)
	if hi <= lo {
		return 0
	}
	return float64(hi-lo) / float64(t.End-t.Start)
}

func (t AccessCountTable) String() string {
	return fmt.Sprintf("AccessCountTable{name=%s, start=%d, end=%d, ephemeral=%t}",
		t.Name, t.Start, t.End, t.Ephemeral)
}
