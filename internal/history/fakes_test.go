package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeBackend is an in-memory Backend that enforces one field type per
// series the way InfluxDB does.
type fakeBackend struct {
	mu sync.Mutex

	hosts  int
	caps   Capabilities
	types  map[string]FieldType
	stored map[string][]Point

	// writeErr, when set, is consulted before every write.
	writeErr func(op, series string) error
	queryErr error

	bulkCalls   int
	seriesCalls int
	pointCalls  int
	ranges      []RangeQuery
	boundaries  []BoundaryQuery
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		hosts:  1,
		types:  make(map[string]FieldType),
		stored: make(map[string][]Point),
	}
}

func fieldTypeOf(v any) FieldType {
	switch v.(type) {
	case bool:
		return FieldBoolean
	case string:
		return FieldString
	default:
		return FieldFloat
	}
}

func (f *fakeBackend) setHosts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = n
}

func (f *fakeBackend) points(series string) []Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Point(nil), f.stored[series]...)
}

func (f *fakeBackend) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pts := range f.stored {
		n += len(pts)
	}
	return n
}

func (f *fakeBackend) calls() (bulk, series, point int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bulkCalls, f.seriesCalls, f.pointCalls
}

// check validates points against the series types; callers hold mu.
func (f *fakeBackend) check(op, series string, points []Point) error {
	if f.hosts == 0 {
		return fmt.Errorf("%w: no hosts", ErrUnavailable)
	}
	if f.writeErr != nil {
		if err := f.writeErr(op, series); err != nil {
			return err
		}
	}
	existing, known := f.types[series]
	for _, pt := range points {
		submitted := fieldTypeOf(pt.Value)
		if !known {
			existing, known = submitted, true
			continue
		}
		if submitted != existing {
			return &ConflictError{Series: series, Existing: existing, Submitted: submitted}
		}
	}
	return nil
}

func (f *fakeBackend) store(series string, points []Point) {
	if len(points) == 0 {
		return
	}
	if _, ok := f.types[series]; !ok {
		f.types[series] = fieldTypeOf(points[0].Value)
	}
	f.stored[series] = append(f.stored[series], points...)
}

func (f *fakeBackend) Connect(context.Context) error { return nil }

func (f *fakeBackend) DatabaseNames(context.Context) ([]string, error) { return nil, nil }

func (f *fakeBackend) CreateDatabase(context.Context, string) error { return nil }

func (f *fakeBackend) DropDatabase(context.Context, string) error { return nil }

func (f *fakeBackend) CreateOrUpdateRetentionPolicy(context.Context, string, time.Duration) error {
	return nil
}

func (f *fakeBackend) WriteBulk(_ context.Context, batch map[string][]Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	for _, series := range sortedSeries(batch) {
		if err := f.check("bulk", series, batch[series]); err != nil {
			return err
		}
	}
	for series, points := range batch {
		f.store(series, points)
	}
	return nil
}

func (f *fakeBackend) WriteSeries(_ context.Context, series string, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seriesCalls++
	if err := f.check("series", series, points); err != nil {
		return err
	}
	f.store(series, points)
	return nil
}

func (f *fakeBackend) WritePoint(_ context.Context, series string, pt Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pointCalls++
	if err := f.check("point", series, []Point{pt}); err != nil {
		return err
	}
	f.store(series, []Point{pt})
	return nil
}

func (f *fakeBackend) Query(_ context.Context, q string) ([]ResultSet, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return []ResultSet{{{"query": q}}}, nil
}

func (f *fakeBackend) rowsOf(series string) []Row {
	pts := append([]Point(nil), f.stored[series]...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Time < pts[j].Time })
	rows := make([]Row, len(pts))
	for i, pt := range pts {
		rows[i] = Row{Ts: pt.Time, Val: pt.Value}
	}
	return rows
}

func (f *fakeBackend) QueryRange(_ context.Context, q RangeQuery) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, q)
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	all := f.rowsOf(q.Series)
	if q.Step > 0 {
		return bucketRows(all, q), nil
	}

	var out []Row
	for _, r := range all {
		if (q.Start == 0 || r.Ts > q.Start) && r.Ts < q.End {
			out = append(out, r)
		}
	}
	if q.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// bucketRows aggregates rows into epoch-aligned buckets.
func bucketRows(all []Row, q RangeQuery) []Row {
	type acc struct {
		sum, min, max float64
		n             int
	}
	var keys []int64
	buckets := make(map[int64]*acc)
	for _, r := range all {
		v, ok := r.Val.(float64)
		if !ok || r.Ts < q.Start || r.Ts > q.End {
			continue
		}
		k := r.Ts - r.Ts%q.Step
		a, ok := buckets[k]
		if !ok {
			a = &acc{min: v, max: v}
			buckets[k] = a
			keys = append(keys, k)
		}
		a.sum += v
		a.n++
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}

	var out []Row
	for _, k := range keys {
		a := buckets[k]
		switch q.Aggregate {
		case AggregateMax:
			out = append(out, Row{Ts: k, Val: a.max})
		case AggregateMin:
			out = append(out, Row{Ts: k, Val: a.min})
		case AggregateTotal:
			out = append(out, Row{Ts: k, Val: a.sum})
		case AggregateCount:
			out = append(out, Row{Ts: k, Val: float64(a.n)})
		case AggregateMinMax:
			out = append(out, Row{Ts: k, Val: a.min}, Row{Ts: k, Val: a.max})
		default:
			out = append(out, Row{Ts: k, Val: a.sum / float64(a.n)})
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (f *fakeBackend) QueryBoundary(_ context.Context, q BoundaryQuery) (*Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundaries = append(f.boundaries, q)
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	all := f.rowsOf(q.Series)
	if q.After {
		for _, r := range all {
			if r.Ts >= q.At {
				return &r, nil
			}
		}
		return nil, nil
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Ts <= q.At {
			r := all[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) AvailableHosts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts
}

func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func (f *fakeBackend) Close() error { return nil }

// memRepo is an in-memory PolicyRepository.
type memRepo struct {
	mu       sync.Mutex
	policies map[string]Policy
}

func newMemRepo() *memRepo {
	return &memRepo{policies: make(map[string]Policy)}
}

func (r *memRepo) List(context.Context) (map[string]Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Policy, len(r.policies))
	for id, p := range r.policies {
		out[id] = p
	}
	return out, nil
}

func (r *memRepo) Save(_ context.Context, id string, p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[id] = p
	return nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[id]; !ok {
		return ErrNotTracked
	}
	delete(r.policies, id)
	return nil
}

func (r *memRepo) UpdateStorageType(_ context.Context, id string, st StorageType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok {
		return ErrNotTracked
	}
	p.StorageType = st
	r.policies[id] = p
	return nil
}

func (r *memRepo) get(id string) (Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	return p, ok
}

// harness runs a pipeline for the duration of a test.
type harness struct {
	t       *testing.T
	p       *Pipeline
	backend *fakeBackend
	repo    *memRepo
	ctx     context.Context
	cancel  context.CancelFunc
}

func startPipeline(t *testing.T, backend *fakeBackend, repo *memRepo, settings Settings, opts ...Option) *harness {
	t.Helper()
	p := NewPipeline(backend, repo, settings, opts...)
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	h := &harness{t: t, p: p, backend: backend, repo: repo, ctx: context.Background(), cancel: cancel}
	t.Cleanup(func() { h.stop() })
	return h
}

// stop cancels the pipeline and waits for shutdown to finish.
func (h *harness) stop() {
	h.t.Helper()
	h.cancel()
	select {
	case <-h.p.Done():
	case <-time.After(5 * time.Second):
		h.t.Fatal("pipeline did not stop")
	}
}

func (h *harness) enable(id string, policy Policy) {
	h.t.Helper()
	if err := h.p.Enable(h.ctx, id, policy); err != nil {
		h.t.Fatalf("Enable(%q) error = %v", id, err)
	}
}

func (h *harness) send(id string, st State) {
	h.t.Helper()
	if err := h.p.HandleState(h.ctx, id, st); err != nil {
		h.t.Fatalf("HandleState(%q) error = %v", id, err)
	}
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.p.Status(h.ctx)
	if err != nil {
		h.t.Fatalf("Status() error = %v", err)
	}
	return st
}

// inLoop runs fn on the pipeline goroutine.
func (h *harness) inLoop(fn func()) {
	h.t.Helper()
	if err := h.p.call(h.ctx, fn); err != nil {
		h.t.Fatalf("call() error = %v", err)
	}
}

// assertCounter checks the buffer counter against the queued points.
func (h *harness) assertCounter() {
	h.t.Helper()
	h.inLoop(func() {
		if got, want := h.p.buffer.Len(), countPoints(h.p.buffer.Snapshot()); got != want {
			h.t.Errorf("buffer counter = %d, queued points = %d", got, want)
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// changed returns a state flagged as a change (ts differs from lc).
func changed(val any, ts int64) State {
	return State{Val: val, Ts: ts, Lc: ts - 1, Ack: true}
}

// unchanged returns a state flagged as a repeat (ts equals lc).
func unchanged(val any, ts int64) State {
	return State{Val: val, Ts: ts, Lc: ts, Ack: true}
}

var errOpaque = errors.New("opaque failure")

// seriesCount returns the number of series with queued points.
func (b *Buffer) seriesCount() int {
	return len(b.series)
}

// countPoints sums the points of a batch.
func countPoints(batch map[string][]Point) int {
	n := 0
	for _, points := range batch {
		n += len(points)
	}
	return n
}

// lastAccepted returns a copy of the last accepted state, if any.
func (tp *TrackedPoint) lastAccepted() (State, bool) {
	if tp.last == nil {
		return State{}, false
	}
	return *tp.last, true
}
