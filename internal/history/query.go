package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Query defaults.
const (
	// epochSecondsThreshold separates epoch seconds from epoch milliseconds.
	// Inputs below it are taken as seconds.
	epochSecondsThreshold int64 = 946681200000

	defaultWindow     = 24 * time.Hour
	defaultCount      = 500
	defaultQueryLimit = 2000
)

// HistoryOptions are the getHistory request options. Times are epoch
// milliseconds or seconds.
type HistoryOptions struct {
	Start     int64     `json:"start,omitempty"`
	End       int64     `json:"end,omitempty"`
	Step      int64     `json:"step,omitempty"`
	Count     int       `json:"count,omitempty"`
	Aggregate Aggregate `json:"aggregate,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	AddID     bool      `json:"addId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

// HistoryResult is the getHistory response. Result is never nil.
type HistoryResult struct {
	Result    []Row  `json:"result"`
	Step      int64  `json:"step,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// QueryResult is the response to a raw backend query.
type QueryResult struct {
	Result []ResultSet `json:"result"`
	Ts     int64       `json:"ts"`
	Error  string      `json:"error,omitempty"`
}

// SeriesResolver maps a datapoint id to the series it is stored in.
type SeriesResolver interface {
	SeriesName(ctx context.Context, id string) string
}

// QueryObserver is told the outcome of every backend query.
type QueryObserver interface {
	ObserveQuery(err error)
}

// QueryEngineConfig holds the QueryEngine collaborators.
type QueryEngineConfig struct {
	Backend  Backend
	Resolver SeriesResolver
	Observer QueryObserver
	Logger   Logger

	// Limit is the default maximum number of rows returned.
	Limit int

	// Round is the number of decimals numeric values are rounded to.
	// Negative disables rounding.
	Round int

	// Now overrides the wall clock used for the default end time.
	Now func() time.Time
}

// QueryEngine serves history queries.
type QueryEngine struct {
	backend  Backend
	resolver SeriesResolver
	observer QueryObserver
	logger   Logger
	limit    int
	round    int
	now      func() time.Time
}

// NewQueryEngine creates a query engine.
func NewQueryEngine(cfg QueryEngineConfig) *QueryEngine {
	e := &QueryEngine{
		backend:  cfg.Backend,
		resolver: cfg.Resolver,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		limit:    cfg.Limit,
		round:    cfg.Round,
		now:      cfg.Now,
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	if e.limit <= 0 {
		e.limit = defaultQueryLimit
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Query runs a backend-native query string.
func (e *QueryEngine) Query(ctx context.Context, q string) QueryResult {
	res := QueryResult{Result: []ResultSet{}, Ts: e.now().UnixMilli()}
	if q == "" {
		res.Error = fmt.Sprintf("%v: empty query", ErrInvalidQuery)
		return res
	}
	sets, err := e.backend.Query(ctx, q)
	e.observe(err)
	if err != nil {
		e.logger.Warn("query failed", "error", err)
		res.Error = err.Error()
		return res
	}
	if sets != nil {
		res.Result = sets
	}
	return res
}

// GetHistory returns the history of one datapoint. Failures are reported
// in HistoryResult.Error.
func (e *QueryEngine) GetHistory(ctx context.Context, id string, opts HistoryOptions) HistoryResult {
	started := time.Now()
	res := HistoryResult{Result: []Row{}, SessionID: opts.SessionID}

	rows, step, err := e.history(ctx, id, opts)
	if !errors.Is(err, ErrInvalidQuery) {
		e.observe(err)
	}
	metricQueryDuration.WithLabelValues(string(opts.Aggregate)).Observe(time.Since(started).Seconds())
	if err != nil {
		e.logger.Warn("history query failed", "id", id, "aggregate", opts.Aggregate, "error", err)
		res.Error = err.Error()
		return res
	}
	if rows != nil {
		res.Result = rows
	}
	res.Step = step
	return res
}

// window is a normalized history request.
type window struct {
	series    string
	start     int64
	end       int64
	count     int
	limit     int
	step      int64
	aggregate Aggregate

	// latest selects the newest count points before end.
	latest bool
}

func (e *QueryEngine) history(ctx context.Context, id string, opts HistoryOptions) ([]Row, int64, error) {
	if id == "" {
		return nil, 0, fmt.Errorf("%w: id is required", ErrInvalidQuery)
	}
	w, err := e.normalize(id, opts)
	if err != nil {
		return nil, 0, err
	}
	if e.resolver != nil {
		w.series = e.resolver.SeriesName(ctx, id)
	}

	var rows []Row
	switch {
	case w.aggregate.Bucketed(),
		w.aggregate == AggregateMinMax && e.backend.Capabilities().ServerSideMinMax:
		rows, err = e.bucketed(ctx, w)
	default:
		rows, err = e.raw(ctx, w)
	}
	if err != nil {
		return nil, 0, err
	}

	e.postProcess(rows, id, opts.AddID)
	return rows, w.step, nil
}

// normalize applies defaults and time scaling to opts.
func (e *QueryEngine) normalize(id string, opts HistoryOptions) (window, error) {
	w := window{
		series:    id,
		start:     scaleEpoch(opts.Start),
		end:       scaleEpoch(opts.End),
		count:     opts.Count,
		limit:     opts.Limit,
		aggregate: opts.Aggregate,
	}
	if w.aggregate == "" {
		w.aggregate = AggregateAverage
	}
	if !w.aggregate.Valid() {
		return w, fmt.Errorf("%w: unknown aggregate %q", ErrInvalidQuery, opts.Aggregate)
	}
	if opts.Step < 0 || opts.Count < 0 || opts.Limit < 0 {
		return w, fmt.Errorf("%w: step, count and limit must not be negative", ErrInvalidQuery)
	}

	if w.end <= 0 {
		w.end = e.now().UnixMilli()
	}
	if w.start > w.end {
		w.start, w.end = w.end, w.start
	}

	bucketed := w.aggregate.Bucketed() || w.aggregate == AggregateMinMax
	switch {
	case w.start > 0:
	case w.count > 0 && !bucketed:
		w.latest = true
	default:
		w.start = w.end - defaultWindow.Milliseconds()
	}

	if w.count == 0 {
		w.count = defaultCount
	}
	if w.limit == 0 {
		w.limit = e.limit
	}

	if bucketed {
		w.step = opts.Step
		if w.step == 0 {
			w.step = (w.end - w.start) / int64(w.count)
		}
		if w.step < 1 {
			w.step = 1
		}
	}
	return w, nil
}

// scaleEpoch converts epoch seconds to milliseconds.
func scaleEpoch(t int64) int64 {
	if t > 0 && t < epochSecondsThreshold {
		return t * 1000
	}
	return t
}

// bucketed runs a server-side aggregation over a window padded by one
// step on each side, then trims back to the requested window.
func (e *QueryEngine) bucketed(ctx context.Context, w window) ([]Row, error) {
	rows, err := e.backend.QueryRange(ctx, RangeQuery{
		Series:    w.series,
		Start:     w.start - w.step,
		End:       w.end + w.step,
		Step:      w.step,
		Aggregate: w.aggregate,
		Limit:     e.bucketLimit(w),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.Val == nil || r.Ts+w.step <= w.start || r.Ts > w.end {
			continue
		}
		out = append(out, r)
	}
	e.normalizeValues(out)
	if w.aggregate != AggregateMinMax && len(out) > w.limit {
		out = out[:w.limit]
	}
	return out, nil
}

// raw fetches unaggregated points plus the points in effect at the window
// boundaries.
func (e *QueryEngine) raw(ctx context.Context, w window) ([]Row, error) {
	if w.latest {
		rows, err := e.backend.QueryRange(ctx, RangeQuery{
			Series:     w.series,
			End:        w.end + 1,
			Limit:      w.count,
			Descending: true,
		})
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
		e.normalizeValues(rows)
		return e.reduce(rows, w), nil
	}

	before, err := e.backend.QueryBoundary(ctx, BoundaryQuery{Series: w.series, At: w.start})
	if err != nil {
		return nil, err
	}
	interior, err := e.backend.QueryRange(ctx, RangeQuery{
		Series: w.series,
		Start:  w.start,
		End:    w.end,
		Limit:  w.limit,
	})
	if err != nil {
		return nil, err
	}
	after, err := e.backend.QueryBoundary(ctx, BoundaryQuery{Series: w.series, At: w.end, After: true})
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(interior)+2)
	if before != nil {
		rows = append(rows, *before)
	}
	rows = append(rows, interior...)
	if after != nil {
		rows = append(rows, *after)
	}
	e.normalizeValues(rows)
	return e.reduce(rows, w), nil
}

// reduce applies the client-side part of raw aggregates.
func (e *QueryEngine) reduce(rows []Row, w window) []Row {
	switch w.aggregate {
	case AggregateOnChange:
		return dedupeConsecutive(rows)
	case AggregateMinMax:
		return DownsampleMinMax(rows, w.start, w.end, w.count)
	default:
		return rows
	}
}

// bucketLimit is the row limit for a bucketed query. Server-side minmax
// yields two rows per bucket.
func (e *QueryEngine) bucketLimit(w window) int {
	if w.aggregate == AggregateMinMax {
		return 2 * (w.limit + 2)
	}
	return w.limit + 2
}

// normalizeValues parses numeric strings and rounds floats in place. It runs
// before any client-side reduction so minmax and onchange see numbers.
func (e *QueryEngine) normalizeValues(rows []Row) {
	for i := range rows {
		if s, ok := rows[i].Val.(string); ok {
			if f, ok := parseNumeric(s); ok {
				rows[i].Val = f
			}
		}
		if f, ok := rows[i].Val.(float64); ok && e.round >= 0 {
			rows[i].Val = roundTo(f, e.round)
		}
	}
}

// postProcess tags rows and sorts them by time.
func (e *QueryEngine) postProcess(rows []Row, id string, addID bool) {
	if addID {
		for i := range rows {
			rows[i].ID = id
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Ts < rows[j].Ts })
}

func (e *QueryEngine) observe(err error) {
	if e.observer != nil {
		e.observer.ObserveQuery(err)
	}
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
