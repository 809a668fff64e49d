package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline defaults.
const (
	// bulkSplitThreshold is the point count above which a flush writes
	// series by series, and above which a single series write is halved.
	bulkSplitThreshold = 15000

	defaultQueueSize      = 4096
	defaultFlushInterval  = 10 * time.Minute
	defaultBackendTimeout = 10 * time.Second
	defaultRelogFrom      = "system.historian"
)

// Settings configures a Pipeline.
type Settings struct {
	// SeriesBufferMax is the buffered point count that triggers an early
	// flush. Zero disables buffering: points are written directly.
	SeriesBufferMax int

	// FlushInterval is the periodic flush interval.
	FlushInterval time.Duration

	// BackendTimeout bounds each backend call.
	BackendTimeout time.Duration

	// RelogFrom is stamped as "from" on relogged states.
	RelogFrom string

	// SnapshotPath is where unflushed points are persisted at shutdown.
	// Empty disables persistence.
	SnapshotPath string

	// QueueSize is the capacity of the pipeline's inbound queue.
	QueueSize int
}

func (s *Settings) applyDefaults() {
	if s.FlushInterval <= 0 {
		s.FlushInterval = defaultFlushInterval
	}
	if s.BackendTimeout <= 0 {
		s.BackendTimeout = defaultBackendTimeout
	}
	if s.RelogFrom == "" {
		s.RelogFrom = defaultRelogFrom
	}
	if s.QueueSize <= 0 {
		s.QueueSize = defaultQueueSize
	}
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Connected                bool     `json:"connected"`
	Connection               string   `json:"connection"`
	SeriesBufferCounter      int      `json:"seriesBufferCounter"`
	SeriesBufferFlushPlanned bool     `json:"seriesBufferFlushPlanned"`
	ConflictingPoints        []string `json:"conflictingPoints"`
	TrackedPoints            int      `json:"trackedPoints"`
}

// StateEntry is one state submitted through storeState.
type StateEntry struct {
	ID    string
	State State
}

// StoreResult is the outcome of StoreStates.
type StoreResult struct {
	Success                  bool   `json:"success"`
	Connected                bool   `json:"connected"`
	SeriesBufferCounter      int    `json:"seriesBufferCounter"`
	SeriesBufferFlushPlanned bool   `json:"seriesBufferFlushPlanned"`
	Error                    string `json:"error,omitempty"`
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithLiveStates sets the cache relog timers read from.
func WithLiveStates(ls LiveStates) Option {
	return func(p *Pipeline) { p.live = ls }
}

// WithStatusHandler registers a callback run on every connection or
// conflict set change. It runs on the pipeline goroutine and must not block.
func WithStatusHandler(fn func(Status)) Option {
	return func(p *Pipeline) { p.onStatus = fn }
}

// WithClock overrides the wall clock used for relog timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline owns all write-side state: tracked points, the buffer, the
// conflict set, error counts and the connection state. Everything is
// mutated by the goroutine running Run; public methods post work to it.
type Pipeline struct {
	backend  Backend
	repo     PolicyRepository
	live     LiveStates
	logger   Logger
	settings Settings
	now      func() time.Time
	onStatus func(Status)

	ops      chan func()
	done     chan struct{}
	doneOnce sync.Once

	// Owned by the Run goroutine.
	points       map[string]*TrackedPoint
	aliases      map[string]string
	buffer       *Buffer
	conflicts    ConflictSet
	errCounts    map[string]int
	conn         ConnectionState
	flushPlanned bool
	flushTimer   *time.Timer
	flushGen     uint64
	stopping     bool
}

// NewPipeline creates a pipeline. Call Run to start it.
//
// repo may be nil, in which case policies live only in memory.
func NewPipeline(backend Backend, repo PolicyRepository, settings Settings, opts ...Option) *Pipeline {
	settings.applyDefaults()
	p := &Pipeline{
		backend:   backend,
		repo:      repo,
		logger:    noopLogger{},
		settings:  settings,
		now:       time.Now,
		ops:       make(chan func(), settings.QueueSize),
		done:      make(chan struct{}),
		points:    make(map[string]*TrackedPoint),
		aliases:   make(map[string]string),
		buffer:    NewBuffer(),
		conflicts: make(ConflictSet),
		errCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run restores persisted state, loads policies and processes work until
// ctx is cancelled, then drains pending states and persists the buffer.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		p.closeDone()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case op := <-p.ops:
			op()
		}
		if p.flushPlanned && !p.stopping {
			p.flush() //nolint:errcheck // Outcome is logged and reflected in connection state
		}
	}
}

// Done is closed once the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// start runs on the pipeline goroutine before the loop.
func (p *Pipeline) start(ctx context.Context) error {
	if p.backend.AvailableHosts() > 0 {
		p.conn = ConnectionConnected
	} else {
		p.conn = ConnectionDisconnected
	}
	p.updateConnectionMetric()

	p.restoreSnapshot()

	if p.repo != nil {
		policies, err := p.repo.List(ctx)
		if err != nil {
			return fmt.Errorf("loading policies: %w", err)
		}
		for id, policy := range policies {
			if policy.Enabled {
				p.track(id, policy)
			}
		}
	}

	p.logger.Info("history pipeline started",
		"tracked", len(p.points),
		"buffered", p.buffer.Len(),
		"conflicting", len(p.conflicts),
		"connection", p.conn.String(),
	)

	p.armFlushTimer()
	if p.buffer.Len() > p.settings.SeriesBufferMax && p.reachable() {
		p.flushPlanned = true
	}
	return nil
}

// restoreSnapshot loads and deletes the shutdown snapshot.
func (p *Pipeline) restoreSnapshot() {
	if p.settings.SnapshotPath == "" {
		return
	}
	snap, err := LoadSnapshot(p.settings.SnapshotPath)
	if err != nil {
		p.logger.Error("restoring buffer snapshot failed", "path", p.settings.SnapshotPath, "error", err)
		return
	}
	if snap == nil {
		return
	}

	p.buffer.AddAll(snap.SeriesBuffer)
	for series, v := range snap.ConflictingPoints {
		p.conflicts[series] = v
	}
	if snap.SeriesBufferCounter != p.buffer.Len() {
		p.logger.Warn("snapshot counter mismatch, using actual point count",
			"stored", snap.SeriesBufferCounter, "actual", p.buffer.Len())
	}
	metricBufferedPoints.Set(float64(p.buffer.Len()))
	metricConflictingSeries.Set(float64(len(p.conflicts)))
	p.logger.Info("restored buffer snapshot", "points", p.buffer.Len(), "conflicting", len(p.conflicts))
}

// shutdown commits pending debounce and skipped states, drains queued
// work and persists the buffer. It performs no final flush.
func (p *Pipeline) shutdown() {
	p.stopping = true
	p.stopFlushTimer()

	for drained := false; !drained; {
		select {
		case op := <-p.ops:
			op()
		default:
			drained = true
		}
	}

	ids := make([]string, 0, len(p.points))
	for id := range p.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.commitPending(p.points[id])
	}

	p.persistSnapshot()
	p.closeDone()
	p.logger.Info("history pipeline stopped", "buffered", p.buffer.Len())
}

// commitPending writes out a tracked point's pending debounce state, or
// its last skipped state, and cancels its timers.
func (p *Pipeline) commitPending(tp *TrackedPoint) {
	pending, skipped := tp.debounce, tp.skipped
	tp.cancelTimers()
	switch {
	case pending != nil:
		p.commit(tp, pending.state, "pending debounce")
	case skipped != nil:
		p.commit(tp, *skipped, "pending skipped state")
	}
}

func (p *Pipeline) persistSnapshot() {
	if p.settings.SnapshotPath == "" || p.buffer.Len() == 0 {
		return
	}
	snap := &Snapshot{
		SeriesBufferCounter: p.buffer.Len(),
		SeriesBuffer:        p.buffer.Snapshot(),
		ConflictingPoints:   p.conflicts.Clone(),
	}
	if err := SaveSnapshot(p.settings.SnapshotPath, snap); err != nil {
		p.logger.Error("persisting buffer snapshot failed", "points", snap.SeriesBufferCounter, "error", err)
		return
	}
	p.logger.Info("persisted buffer snapshot", "path", p.settings.SnapshotPath, "points", snap.SeriesBufferCounter)
}

// ============================================================================
// Message passing
// ============================================================================

// post queues fn for the pipeline goroutine.
func (p *Pipeline) post(ctx context.Context, fn func()) error {
	select {
	case p.ops <- fn:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync queues fn from timer goroutines.
func (p *Pipeline) postAsync(fn func()) {
	select {
	case p.ops <- fn:
	case <-p.done:
	}
}

// call runs fn on the pipeline goroutine and waits for it.
func (p *Pipeline) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := p.post(ctx, func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-p.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Public API
// ============================================================================

// HandleState queues a state change event.
func (p *Pipeline) HandleState(ctx context.Context, id string, st State) error {
	return p.post(ctx, func() { p.handleState(id, st) })
}

// Enable stores and activates a logging policy for id.
func (p *Pipeline) Enable(ctx context.Context, id string, policy Policy) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}
	policy.Enabled = true
	if err := policy.Validate(); err != nil {
		return err
	}
	if p.repo != nil {
		if err := p.repo.Save(ctx, id, policy); err != nil {
			return err
		}
	}
	return p.call(ctx, func() { p.track(id, policy) })
}

// Disable deactivates and deletes the logging policy for id.
// A pending debounced value is written before the point is dropped.
func (p *Pipeline) Disable(ctx context.Context, id string) error {
	var err error
	if callErr := p.call(ctx, func() { err = p.untrack(id) }); callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}
	if p.repo != nil {
		if err := p.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotTracked) {
			return err
		}
	}
	return nil
}

// EnabledPoints returns the active policies keyed by datapoint id.
func (p *Pipeline) EnabledPoints(ctx context.Context) (map[string]Policy, error) {
	out := make(map[string]Policy)
	err := p.call(ctx, func() {
		for id, tp := range p.points {
			out[id] = tp.Policy
		}
	})
	return out, err
}

// StoreStates writes states supplied by a caller. With rules set they pass
// through the datapoint's logging policy; otherwise they are stored as-is.
func (p *Pipeline) StoreStates(ctx context.Context, entries []StateEntry, rules bool) (StoreResult, error) {
	var res StoreResult
	err := p.call(ctx, func() {
		var errs []string
		for _, e := range entries {
			if err := p.storeState(e, rules); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", e.ID, err))
			}
		}
		res = StoreResult{
			Success:                  len(errs) == 0,
			Connected:                p.conn == ConnectionConnected,
			SeriesBufferCounter:      p.buffer.Len(),
			SeriesBufferFlushPlanned: p.flushPlanned,
			Error:                    strings.Join(errs, "; "),
		}
	})
	return res, err
}

// Conflicts returns a copy of the conflict set.
func (p *Pipeline) Conflicts(ctx context.Context) (ConflictSet, error) {
	var out ConflictSet
	err := p.call(ctx, func() { out = p.conflicts.Clone() })
	return out, err
}

// ResetConflicts empties the conflict set.
func (p *Pipeline) ResetConflicts(ctx context.Context) (ConflictSet, error) {
	var out ConflictSet
	err := p.call(ctx, func() {
		p.conflicts = make(ConflictSet)
		metricConflictingSeries.Set(0)
		p.publishStatus()
		out = p.conflicts.Clone()
	})
	return out, err
}

// Flush runs a flush cycle now.
func (p *Pipeline) Flush(ctx context.Context) error {
	var err error
	if callErr := p.call(ctx, func() {
		if p.stopping {
			err = ErrStopped
			return
		}
		err = p.flush()
	}); callErr != nil {
		return callErr
	}
	return err
}

// Status returns the current pipeline status.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	var st Status
	err := p.call(ctx, func() { st = p.status() })
	return st, err
}

// SeriesName resolves a datapoint id or alias to its series name.
func (p *Pipeline) SeriesName(ctx context.Context, id string) string {
	name := id
	p.call(ctx, func() { //nolint:errcheck // Falls back to id
		if tp, ok := p.points[id]; ok {
			name = tp.Series()
		}
	})
	return name
}

// ObserveQuery feeds a query outcome into the connection state. It never
// blocks; the observation is dropped when the queue is full.
func (p *Pipeline) ObserveQuery(err error) {
	op := func() {
		switch {
		case err == nil:
			p.setConnection(ConnectionConnected)
		case p.isTransient(err):
			p.setConnection(ConnectionDisconnected)
		}
	}
	select {
	case p.ops <- op:
	default:
	}
}

// ============================================================================
// Evaluation and commit
// ============================================================================

func (p *Pipeline) handleState(id string, st State) {
	metricEventsReceived.Inc()
	if p.live != nil && !st.Undefined {
		p.live.Set(id, st)
	}
	tp, ok := p.points[id]
	if !ok {
		return
	}
	p.apply(tp, Evaluate(tp, st, false))
}

// apply carries out an evaluator decision.
func (p *Pipeline) apply(tp *TrackedPoint, d Decision) {
	switch d.Kind {
	case Suppress:
		if d.Skipped {
			s := d.State
			tp.skipped = &s
		}
		metricEventsSuppressed.WithLabelValues(d.Reason).Inc()
		if d.State.Undefined {
			p.logger.Warn("state ignored", "id", tp.ID, "reason", d.Reason)
		} else {
			p.logger.Debug("state suppressed", "id", tp.ID, "reason", d.Reason)
		}

	case AcceptAfterDelay:
		tp.debounce.cancel()
		h := &scheduledState{state: d.State}
		h.timer = time.AfterFunc(d.Delay, func() {
			p.postAsync(func() {
				if tp.debounce != h || p.points[tp.ID] != tp {
					return
				}
				tp.debounce = nil
				p.commit(tp, h.state, "debounced")
			})
		})
		tp.debounce = h

	case Accept:
		if d.Forced {
			tp.debounce.cancel()
			tp.debounce = nil
		}
		p.commit(tp, d.State, d.Reason)
	}
}

// commit records an accepted state and submits its point.
func (p *Pipeline) commit(tp *TrackedPoint, st State, note string) {
	s := st
	tp.last = &s
	tp.lastLogTime = st.Ts
	tp.skipped = nil
	p.scheduleRelog(tp)

	if note != "" {
		p.logger.Debug("state accepted", "id", tp.ID, "note", note)
	}

	pt, err := toPoint(st, tp.Policy.StorageType)
	if err != nil {
		metricPointsDropped.WithLabelValues(dropInvalid).Inc()
		p.logger.Warn("point dropped", "id", tp.ID, "reason", err)
		return
	}
	p.submit(tp.Series(), pt)
}

// scheduleRelog replaces the relog task of tp.
func (p *Pipeline) scheduleRelog(tp *TrackedPoint) {
	tp.relog.cancel()
	tp.relog = nil
	if tp.Policy.ChangesRelogInterval <= 0 || p.stopping {
		return
	}
	h := &scheduledState{}
	h.timer = time.AfterFunc(time.Duration(tp.Policy.ChangesRelogInterval)*time.Second, func() {
		p.postAsync(func() {
			if tp.relog != h || p.points[tp.ID] != tp {
				return
			}
			tp.relog = nil
			p.relog(tp)
		})
	})
	tp.relog = h
}

// relog re-emits the current value of tp through the accept path. The live
// state wins over the last skipped or accepted one.
func (p *Pipeline) relog(tp *TrackedPoint) {
	var (
		st State
		ok bool
	)
	if p.live != nil {
		st, ok = p.live.Get(tp.ID)
	}
	switch {
	case ok:
	case tp.skipped != nil:
		st, ok = *tp.skipped, true
	case tp.last != nil:
		st, ok = *tp.last, true
	}
	if !ok || st.Val == nil {
		p.scheduleRelog(tp)
		return
	}

	st.Ts = p.now().UnixMilli()
	st.From = p.settings.RelogFrom
	d := Evaluate(tp, st, true)
	if d.Kind == Suppress {
		p.scheduleRelog(tp)
		return
	}
	p.commit(tp, d.State, d.Reason)
}

// storeState handles one storeState entry.
func (p *Pipeline) storeState(e StateEntry, rules bool) error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidValue)
	}
	tp := p.points[e.ID]
	if rules {
		if tp == nil {
			return ErrNotTracked
		}
		d := Evaluate(tp, e.State, false)
		p.apply(tp, d)
		if d.Kind == Suppress && d.State.Undefined {
			return fmt.Errorf("%w: %s", ErrInvalidValue, d.Reason)
		}
		return nil
	}

	series, storage := e.ID, StorageNone
	if tp != nil {
		series, storage = tp.Series(), tp.Policy.StorageType
	}
	pt, err := toPoint(e.State, storage)
	if err != nil {
		metricPointsDropped.WithLabelValues(dropInvalid).Inc()
		return err
	}
	p.submit(series, pt)
	return nil
}

// track creates or updates the tracked point for id.
func (p *Pipeline) track(id string, policy Policy) {
	tp, exists := p.points[id]
	if !exists {
		tp = &TrackedPoint{ID: id}
		p.points[id] = tp
	} else if tp.Policy.AliasID != "" {
		delete(p.aliases, tp.Policy.AliasID)
	}
	tp.Policy = policy
	if policy.AliasID != "" {
		p.aliases[policy.AliasID] = id
	}
	p.scheduleRelog(tp)
	p.logger.Info("history enabled", "id", id, "series", tp.Series())
}

// untrack removes id after committing its pending debounce state.
func (p *Pipeline) untrack(id string) error {
	tp, ok := p.points[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	pending := tp.debounce
	tp.cancelTimers()
	if pending != nil {
		p.commit(tp, pending.state, "pending debounce")
		tp.relog.cancel()
		tp.relog = nil
	}
	delete(p.points, id)
	if tp.Policy.AliasID != "" {
		delete(p.aliases, tp.Policy.AliasID)
	}
	p.logger.Info("history disabled", "id", id)
	return nil
}

// trackedBySeries finds the tracked point writing to series.
func (p *Pipeline) trackedBySeries(series string) *TrackedPoint {
	if id, ok := p.aliases[series]; ok {
		return p.points[id]
	}
	if tp, ok := p.points[series]; ok && tp.Series() == series {
		return tp
	}
	return nil
}

// ============================================================================
// Buffering and flushing
// ============================================================================

// reachable reports whether direct writes should be attempted.
func (p *Pipeline) reachable() bool {
	return p.conn == ConnectionConnected && p.backend.AvailableHosts() > 0
}

// submit writes a point directly for conflicting series or when buffering
// is disabled, and queues it otherwise.
func (p *Pipeline) submit(series string, pt Point) {
	if !p.stopping && (p.conflicts.Has(series) || p.settings.SeriesBufferMax == 0) && p.reachable() {
		ctx, cancel := p.backendContext()
		defer cancel()
		p.writePoint(ctx, series, pt) //nolint:errcheck // Failures are handled inside writePoint
		metricBufferedPoints.Set(float64(p.buffer.Len()))
		return
	}

	p.buffer.Add(series, pt)
	metricBufferedPoints.Set(float64(p.buffer.Len()))
	if !p.stopping && !p.flushPlanned && p.buffer.Len() > p.settings.SeriesBufferMax && p.reachable() {
		p.flushPlanned = true
	}
}

// flush writes the whole buffer. The periodic timer is stopped for the
// duration of the cycle and re-armed afterwards.
func (p *Pipeline) flush() error {
	p.stopFlushTimer()
	defer func() {
		p.flushPlanned = false
		metricBufferedPoints.Set(float64(p.buffer.Len()))
		p.armFlushTimer()
	}()

	if p.buffer.Len() == 0 {
		if p.conn == ConnectionDisconnected && p.backend.AvailableHosts() > 0 {
			p.setConnection(ConnectionConnected)
		}
		return nil
	}
	if p.backend.AvailableHosts() == 0 {
		p.setConnection(ConnectionDisconnected)
		p.logger.Warn("flush skipped, no backend host available", "buffered", p.buffer.Len())
		return ErrUnavailable
	}

	started := time.Now()
	defer func() { metricFlushDuration.Observe(time.Since(started).Seconds()) }()

	batch, n := p.buffer.Drain()
	n -= p.writeConflicting(batch)
	if len(batch) == 0 {
		return nil
	}
	if n > bulkSplitThreshold {
		p.logger.Debug("flushing per series", "points", n, "series", len(batch))
		p.writeEachSeries(batch)
		return nil
	}

	ctx, cancel := p.backendContext()
	err := p.backend.WriteBulk(ctx, batch)
	cancel()

	switch {
	case err == nil:
		p.setConnection(ConnectionConnected)
		metricPointsWritten.Add(float64(n))
		p.logger.Debug("buffer flushed", "points", n, "series", len(batch))
		return nil

	case p.isTransient(err):
		p.buffer.AddAll(batch)
		p.setConnection(ConnectionDisconnected)
		p.logger.Warn("flush failed, points re-queued", "points", n, "error", err)
		return err

	case isConflict(err):
		p.logger.Warn("type conflict in bulk write, isolating series", "series", len(batch), "error", err)
		p.writeEachSeries(batch)
		return nil

	case errors.Is(err, ErrPartialWrite):
		p.setConnection(ConnectionConnected)
		metricPointsDropped.WithLabelValues(dropPartialWrite).Inc()
		p.logger.Warn("partial write, rejected points are not retried", "points", n, "error", err)
		return err

	default:
		p.logger.Warn("bulk write failed, writing per series", "points", n, "error", err)
		p.writeEachSeries(batch)
		return nil
	}
}

func isConflict(err error) bool {
	_, ok := AsConflict(err)
	return ok
}

// writeConflicting removes the conflicting series from batch and writes
// their points one by one. It returns the number of points taken.
func (p *Pipeline) writeConflicting(batch map[string][]Point) int {
	taken := 0
	for _, series := range sortedSeries(batch) {
		if !p.conflicts.Has(series) {
			continue
		}
		points := batch[series]
		delete(batch, series)
		taken += len(points)
		p.writePoints(series, points)
	}
	return taken
}

// writeEachSeries writes a drained batch one series at a time.
func (p *Pipeline) writeEachSeries(batch map[string][]Point) {
	for _, series := range sortedSeries(batch) {
		p.writeSeries(series, batch[series])
	}
}

// writeSeries writes one series, halving oversized slices and falling back
// to per-point writes on failure.
func (p *Pipeline) writeSeries(series string, points []Point) {
	if len(points) > bulkSplitThreshold {
		half := len(points) / 2
		p.writeSeries(series, points[:half])
		p.writeSeries(series, points[half:])
		return
	}
	if p.backend.AvailableHosts() == 0 {
		p.buffer.Add(series, points...)
		p.setConnection(ConnectionDisconnected)
		return
	}

	ctx, cancel := p.backendContext()
	err := p.backend.WriteSeries(ctx, series, points)
	cancel()
	if err == nil {
		p.setConnection(ConnectionConnected)
		metricPointsWritten.Add(float64(len(points)))
		return
	}
	if p.isTransient(err) {
		p.buffer.Add(series, points...)
		p.setConnection(ConnectionDisconnected)
		p.logger.Warn("series write failed, points re-queued", "series", series, "points", len(points), "error", err)
		return
	}

	p.logger.Debug("series write failed, writing point by point", "series", series, "error", err)
	p.writePoints(series, points)
}

// writePoints writes points individually and re-queues the remainder once
// the backend becomes unavailable.
func (p *Pipeline) writePoints(series string, points []Point) {
	for i, pt := range points {
		if p.backend.AvailableHosts() == 0 {
			p.buffer.Add(series, points[i:]...)
			p.setConnection(ConnectionDisconnected)
			return
		}
		ctx, cancel := p.backendContext()
		err := p.writePoint(ctx, series, pt)
		cancel()
		if err != nil && p.isTransient(err) {
			// writePoint already re-queued pt.
			p.buffer.Add(series, points[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) backendWritePoint(ctx context.Context, series string, pt Point) error {
	return p.backend.WritePoint(ctx, series, pt)
}

func (p *Pipeline) backendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.settings.BackendTimeout)
}

func (p *Pipeline) armFlushTimer() {
	if p.stopping {
		return
	}
	p.flushGen++
	gen := p.flushGen
	p.flushTimer = time.AfterFunc(p.settings.FlushInterval, func() {
		p.postAsync(func() {
			if gen != p.flushGen || p.stopping {
				return
			}
			p.flush() //nolint:errcheck // Outcome is logged and reflected in connection state
		})
	})
}

func (p *Pipeline) stopFlushTimer() {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	p.flushGen++
}

// ============================================================================
// Connection state
// ============================================================================

func (p *Pipeline) setConnection(s ConnectionState) {
	if p.conn == s {
		return
	}
	prev := p.conn
	p.conn = s
	p.updateConnectionMetric()
	p.logger.Info("backend connection state changed", "from", prev.String(), "to", s.String())
	p.publishStatus()
}

func (p *Pipeline) updateConnectionMetric() {
	if p.conn == ConnectionConnected {
		metricBackendConnected.Set(1)
	} else {
		metricBackendConnected.Set(0)
	}
}

func (p *Pipeline) status() Status {
	return Status{
		Connected:                p.conn == ConnectionConnected,
		Connection:               p.conn.String(),
		SeriesBufferCounter:      p.buffer.Len(),
		SeriesBufferFlushPlanned: p.flushPlanned,
		ConflictingPoints:        p.conflicts.IDs(),
		TrackedPoints:            len(p.points),
	}
}

func (p *Pipeline) publishStatus() {
	if p.onStatus != nil {
		p.onStatus(p.status())
	}
}
