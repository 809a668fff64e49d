package history

import (
	"context"
	"time"
)

// Aggregate names the reduction applied by a history query.
type Aggregate string

// Aggregates. The first three return raw points; the rest are bucketed.
const (
	AggregateNone     Aggregate = "none"
	AggregateOnChange Aggregate = "onchange"
	AggregateMinMax   Aggregate = "minmax"
	AggregateAverage  Aggregate = "average"
	AggregateMax      Aggregate = "max"
	AggregateMin      Aggregate = "min"
	AggregateTotal    Aggregate = "total"
	AggregateCount    Aggregate = "count"
)

// Bucketed reports whether the aggregate groups points into time buckets.
func (a Aggregate) Bucketed() bool {
	switch a {
	case AggregateAverage, AggregateMax, AggregateMin, AggregateTotal, AggregateCount:
		return true
	default:
		return false
	}
}

// Valid reports whether a is a known aggregate.
func (a Aggregate) Valid() bool {
	return a.Bucketed() || a == AggregateNone || a == AggregateOnChange || a == AggregateMinMax
}

// RangeQuery selects points of one series.
//
// Raw queries (Step == 0) select the open interval (Start, End). Bucketed
// queries select the closed interval [Start, End] grouped into Step-wide
// buckets, each row stamped with its bucket start; empty buckets are
// omitted. Start == 0 means unbounded below. Times are epoch milliseconds.
type RangeQuery struct {
	Series     string
	Start      int64
	End        int64
	Step       int64
	Aggregate  Aggregate
	Limit      int
	Descending bool
}

// BoundaryQuery selects the single point nearest to At: the newest point
// at or before At, or with After set the oldest point at or after At.
type BoundaryQuery struct {
	Series string
	At     int64
	After  bool
}

// Capabilities advertises optional backend features.
type Capabilities struct {
	// ServerSideMinMax means a bucketed RangeQuery with AggregateMinMax
	// returns the min and max rows of every bucket.
	ServerSideMinMax bool
}

// Backend is the time-series store the pipeline writes to and queries.
//
// Write errors must be classified: transient failures wrap ErrUnavailable,
// type conflicts are returned as *ConflictError, batches stored only in
// part wrap ErrPartialWrite. Anything else is treated as opaque.
type Backend interface {
	Connect(ctx context.Context) error
	DatabaseNames(ctx context.Context) ([]string, error)
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	CreateOrUpdateRetentionPolicy(ctx context.Context, name string, retention time.Duration) error

	WriteBulk(ctx context.Context, batch map[string][]Point) error
	WriteSeries(ctx context.Context, series string, points []Point) error
	WritePoint(ctx context.Context, series string, point Point) error

	Query(ctx context.Context, q string) ([]ResultSet, error)
	QueryRange(ctx context.Context, q RangeQuery) ([]Row, error)
	QueryBoundary(ctx context.Context, q BoundaryQuery) (*Row, error)

	// AvailableHosts returns the number of reachable hosts; 0 means unreachable.
	AvailableHosts() int
	Capabilities() Capabilities
	Close() error
}

// EnsureDatabase creates the database when missing and applies retention.
//
// A zero retention keeps data forever.
func EnsureDatabase(ctx context.Context, b Backend, name string, retention time.Duration) error {
	names, err := b.DatabaseNames(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		if err := b.CreateDatabase(ctx, name); err != nil {
			return err
		}
	}
	return b.CreateOrUpdateRetentionPolicy(ctx, name, retention)
}
