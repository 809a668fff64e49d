package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Buffering and flushing
// ============================================================================

func TestPipeline_BufferCounterMatchesQueuedPoints(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})

	ids := []string{"sensor.temp", "sensor.humidity", "switch.pump"}
	for _, id := range ids {
		h.enable(id, Policy{})
	}
	for i := 0; i < 10; i++ {
		for j, id := range ids {
			h.send(id, changed(float64(i+j), int64(1000+i)))
		}
	}
	h.assertCounter()
	if got := h.status().SeriesBufferCounter; got != 30 {
		t.Fatalf("SeriesBufferCounter = %d, want 30", got)
	}

	backend.setHosts(0)
	if err := h.p.Flush(h.ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Flush() error = %v, want ErrUnavailable", err)
	}
	h.assertCounter()

	backend.setHosts(1)
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	h.assertCounter()
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter after flush = %d, want 0", got)
	}
	if got := backend.total(); got != 30 {
		t.Errorf("stored points = %d, want 30", got)
	}
}

func TestPipeline_FlushWithoutHostsKeepsPoints(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.temp", Policy{})

	for i := 0; i < 5; i++ {
		h.send("sensor.temp", changed(float64(i), int64(1000*(i+1))))
	}
	var before []Point
	h.inLoop(func() { before = h.p.buffer.Snapshot()["sensor.temp"] })

	backend.setHosts(0)
	if err := h.p.Flush(h.ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Flush() error = %v, want ErrUnavailable", err)
	}

	var after []Point
	h.inLoop(func() { after = h.p.buffer.Snapshot()["sensor.temp"] })
	if len(after) != len(before) {
		t.Fatalf("buffered after failed flush = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Errorf("point %d = %+v, want %+v", i, after[i], before[i])
		}
	}
	if st := h.status(); st.Connected {
		t.Error("status connected after flush without hosts")
	}
}

func TestPipeline_TransientBulkFailureRequeues(t *testing.T) {
	backend := newFakeBackend()
	backend.writeErr = func(op, _ string) error {
		if op == "bulk" {
			return fmt.Errorf("%w: timeout", ErrUnavailable)
		}
		return nil
	}
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.temp", Policy{})
	h.send("sensor.temp", changed(1.0, 1000))
	h.send("sensor.temp", changed(2.0, 2000))

	if err := h.p.Flush(h.ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Flush() error = %v, want ErrUnavailable", err)
	}
	st := h.status()
	if st.SeriesBufferCounter != 2 {
		t.Errorf("SeriesBufferCounter = %d, want 2", st.SeriesBufferCounter)
	}
	if st.Connection != "disconnected" {
		t.Errorf("Connection = %q, want disconnected", st.Connection)
	}
	h.assertCounter()
}

func TestPipeline_DirectWriteWhenBufferingDisabled(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 0})
	h.enable("sensor.temp", Policy{})

	h.send("sensor.temp", changed(21.5, 1000))
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
	pts := backend.points("sensor.temp")
	if len(pts) != 1 || pts[0].Value != 21.5 {
		t.Fatalf("stored = %+v, want one point 21.5", pts)
	}
	if _, _, point := backend.calls(); point != 1 {
		t.Errorf("WritePoint calls = %d, want 1", point)
	}
}

func TestPipeline_DirectWriteBuffersWhileDisconnected(t *testing.T) {
	backend := newFakeBackend()
	backend.setHosts(0)
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 0})
	h.enable("sensor.temp", Policy{})

	h.send("sensor.temp", changed(21.5, 1000))
	if got := h.status().SeriesBufferCounter; got != 1 {
		t.Fatalf("SeriesBufferCounter = %d, want 1", got)
	}

	backend.setHosts(1)
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := len(backend.points("sensor.temp")); got != 1 {
		t.Errorf("stored points = %d, want 1", got)
	}
	if !h.status().Connected {
		t.Error("status not connected after successful flush")
	}
}

func TestPipeline_ThresholdTriggersFlush(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 2})
	h.enable("sensor.temp", Policy{})

	h.send("sensor.temp", changed(1.0, 1000))
	h.send("sensor.temp", changed(2.0, 2000))
	if got := h.status().SeriesBufferCounter; got != 2 {
		t.Fatalf("SeriesBufferCounter = %d, want 2 before threshold", got)
	}

	h.send("sensor.temp", changed(3.0, 3000))
	st := h.status()
	if st.SeriesBufferCounter != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0 after threshold flush", st.SeriesBufferCounter)
	}
	if st.SeriesBufferFlushPlanned {
		t.Error("flush still planned after flush ran")
	}
	if got := len(backend.points("sensor.temp")); got != 3 {
		t.Errorf("stored points = %d, want 3", got)
	}
}

func TestPipeline_LargeFlushWritesPerSeries(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100_000})

	entries := make([]StateEntry, 0, 20_000)
	for i := 0; i < 20_000; i++ {
		entries = append(entries, StateEntry{ID: "meter.power", State: changed(float64(i), int64(i+1))})
	}
	if _, err := h.p.StoreStates(h.ctx, entries, false); err != nil {
		t.Fatalf("StoreStates() error = %v", err)
	}
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	bulk, series, _ := backend.calls()
	if bulk != 0 {
		t.Errorf("WriteBulk calls = %d, want 0", bulk)
	}
	// One oversized series is halved once.
	if series != 2 {
		t.Errorf("WriteSeries calls = %d, want 2", series)
	}
	if got := len(backend.points("meter.power")); got != 20_000 {
		t.Errorf("stored points = %d, want 20000", got)
	}
	h.assertCounter()
}

func TestPipeline_OpaqueErrorRetryCeiling(t *testing.T) {
	backend := newFakeBackend()
	backend.writeErr = func(string, string) error { return errOpaque }
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})

	pt := Point{Value: 1.0, Time: 1000}
	h.inLoop(func() {
		ctx := context.Background()
		for i := 1; i < maxPointRetries; i++ {
			h.p.writePoint(ctx, "sensor.temp", pt) //nolint:errcheck
			if got := h.p.buffer.Len(); got != i {
				t.Errorf("after attempt %d buffered = %d, want %d", i, got, i)
				return
			}
		}
		h.p.writePoint(ctx, "sensor.temp", pt) //nolint:errcheck
		if got := h.p.buffer.Len(); got != maxPointRetries-1 {
			t.Errorf("after final attempt buffered = %d, want %d", got, maxPointRetries-1)
		}
		if got := h.p.errCounts["sensor.temp"]; got != 0 {
			t.Errorf("error count after drop = %d, want 0", got)
		}
	})
	h.assertCounter()
}

func TestPipeline_PartialWriteAcceptsLoss(t *testing.T) {
	backend := newFakeBackend()
	backend.writeErr = func(op, _ string) error {
		if op == "bulk" {
			return fmt.Errorf("%w: 1 point rejected", ErrPartialWrite)
		}
		return nil
	}
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.temp", Policy{})
	h.send("sensor.temp", changed(1.0, 1000))

	if err := h.p.Flush(h.ctx); !errors.Is(err, ErrPartialWrite) {
		t.Fatalf("Flush() error = %v, want ErrPartialWrite", err)
	}
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
}

// ============================================================================
// Policy application
// ============================================================================

func TestPipeline_ChangesOnlySuppressesRepeats(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.temp", Policy{ChangesOnly: true, ChangesMinDelta: 0.5})

	h.send("sensor.temp", changed(20.0, 1000))
	h.send("sensor.temp", unchanged(20.0, 2000))
	h.send("sensor.temp", unchanged(20.0, 3000))
	if got := h.status().SeriesBufferCounter; got != 1 {
		t.Fatalf("SeriesBufferCounter = %d, want 1 after repeats", got)
	}

	h.send("sensor.temp", changed(21.0, 4000))
	if got := h.status().SeriesBufferCounter; got != 2 {
		t.Errorf("SeriesBufferCounter = %d, want 2 after change", got)
	}
}

func TestPipeline_DebounceKeepsLastValue(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 0})
	h.enable("dimmer.level", Policy{DebounceMs: 30})

	h.send("dimmer.level", changed(10.0, 1000))
	h.send("dimmer.level", changed(20.0, 1010))
	h.send("dimmer.level", changed(30.0, 1020))

	waitFor(t, 2*time.Second, func() bool { return len(backend.points("dimmer.level")) > 0 })
	time.Sleep(60 * time.Millisecond)

	pts := backend.points("dimmer.level")
	if len(pts) != 1 {
		t.Fatalf("stored points = %d, want 1", len(pts))
	}
	if pts[0].Value != 30.0 {
		t.Errorf("stored value = %v, want 30", pts[0].Value)
	}
}

func TestPipeline_NullTransitionCancelsDebounce(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("dimmer.level", Policy{DebounceMs: 50})

	h.send("dimmer.level", changed(10.0, 1000))
	h.send("dimmer.level", changed(nil, 1010))
	time.Sleep(120 * time.Millisecond)

	h.inLoop(func() {
		tp := h.p.points["dimmer.level"]
		if tp.debounce != nil {
			t.Error("debounce still pending after null transition")
		}
		last, ok := tp.lastAccepted()
		if !ok || last.Val != nil {
			t.Errorf("last = %+v, want null state", last)
		}
	})
	// The null value itself is never stored.
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
}

func TestPipeline_RelogReemitsLastValue(t *testing.T) {
	backend := newFakeBackend()
	fixed := time.UnixMilli(500_000)
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100, RelogFrom: "system.test"},
		WithClock(func() time.Time { return fixed }))
	h.enable("sensor.temp", Policy{ChangesOnly: true, ChangesRelogInterval: 3600})

	h.send("sensor.temp", changed(20.0, 1000))
	h.send("sensor.temp", unchanged(20.0, 2000))

	h.inLoop(func() {
		tp := h.p.points["sensor.temp"]
		if tp.skipped == nil {
			t.Error("repeat was not remembered for relog")
			return
		}
		h.p.relog(tp)
		if tp.relog == nil {
			t.Error("relog not rescheduled")
		}
	})

	var pts []Point
	h.inLoop(func() { pts = h.p.buffer.Snapshot()["sensor.temp"] })
	if len(pts) != 2 {
		t.Fatalf("buffered = %d, want 2", len(pts))
	}
	if pts[1].Time != fixed.UnixMilli() || pts[1].From != "system.test" || pts[1].Value != 20.0 {
		t.Errorf("relogged point = %+v", pts[1])
	}
}

func TestPipeline_RelogUsesLiveStates(t *testing.T) {
	backend := newFakeBackend()
	cache := NewStateCache(time.Minute)
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100},
		WithLiveStates(cache))

	// Seen before logging was enabled.
	h.send("sensor.temp", changed(18.0, 1000))
	h.enable("sensor.temp", Policy{ChangesRelogInterval: 3600})

	h.inLoop(func() { h.p.relog(h.p.points["sensor.temp"]) })
	if got := h.status().SeriesBufferCounter; got != 1 {
		t.Errorf("SeriesBufferCounter = %d, want 1", got)
	}
}

func TestPipeline_RelogPrefersLiveState(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100},
		WithLiveStates(NewStateCache(time.Minute)))
	h.enable("sensor.temp", Policy{BlockTimeMs: 10_000, ChangesRelogInterval: 3600})

	h.send("sensor.temp", changed(20.0, 1000))
	h.send("sensor.temp", changed(25.0, 2000)) // within block time

	h.inLoop(func() { h.p.relog(h.p.points["sensor.temp"]) })

	var pts []Point
	h.inLoop(func() { pts = h.p.buffer.Snapshot()["sensor.temp"] })
	if len(pts) != 2 {
		t.Fatalf("buffered = %d, want 2", len(pts))
	}
	if pts[1].Value != 25.0 {
		t.Errorf("relogged value = %v, want the live 25", pts[1].Value)
	}
}

func TestPipeline_UntrackedStatesIgnored(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.send("sensor.unknown", changed(1.0, 1000))
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
}

func TestPipeline_InvalidValueDropped(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.temp", Policy{})
	h.send("sensor.temp", State{Ts: 1000, Undefined: true})
	h.send("sensor.temp", changed(nil, 2000))
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
}

func TestPipeline_AliasSeries(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 0})
	h.enable("knx.1.2.3", Policy{AliasID: "livingroom.temperature"})
	h.send("knx.1.2.3", changed(21.0, 1000))

	if got := len(backend.points("livingroom.temperature")); got != 1 {
		t.Errorf("points in alias series = %d, want 1", got)
	}
	if got := h.p.SeriesName(h.ctx, "knx.1.2.3"); got != "livingroom.temperature" {
		t.Errorf("SeriesName() = %q, want alias", got)
	}
	if got := h.p.SeriesName(h.ctx, "other"); got != "other" {
		t.Errorf("SeriesName(untracked) = %q, want id", got)
	}
}

// ============================================================================
// Conflicts
// ============================================================================

func TestPipeline_BooleanCoercedIntoNumberSeries(t *testing.T) {
	backend := newFakeBackend()
	repo := newMemRepo()
	h := startPipeline(t, backend, repo, Settings{SeriesBufferMax: 0})
	h.enable("switch.pump", Policy{})

	h.send("switch.pump", changed(1.0, 1000))
	h.send("switch.pump", changed(true, 2000))

	pts := backend.points("switch.pump")
	if len(pts) != 2 {
		t.Fatalf("stored points = %d, want 2", len(pts))
	}
	if pts[1].Value != 1.0 {
		t.Errorf("retried value = %#v, want 1", pts[1].Value)
	}
	_, _, point := backend.calls()
	if point != 3 {
		t.Errorf("WritePoint calls = %d, want 3 (two writes and one retry)", point)
	}

	policy, _ := repo.get("switch.pump")
	if policy.StorageType != StorageNumber {
		t.Errorf("persisted storage type = %q, want %q", policy.StorageType, StorageNumber)
	}
	enabled, err := h.p.EnabledPoints(h.ctx)
	if err != nil {
		t.Fatalf("EnabledPoints() error = %v", err)
	}
	if enabled["switch.pump"].StorageType != StorageNumber {
		t.Errorf("tracked storage type = %q, want %q", enabled["switch.pump"].StorageType, StorageNumber)
	}

	// Later values are pre-coerced, no further retry.
	h.send("switch.pump", changed(false, 3000))
	_, _, point = backend.calls()
	if point != 4 {
		t.Errorf("WritePoint calls = %d, want 4", point)
	}
	if pts := backend.points("switch.pump"); pts[2].Value != 0.0 {
		t.Errorf("pre-coerced value = %#v, want 0", pts[2].Value)
	}
	if conflicts, _ := h.p.Conflicts(h.ctx); len(conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", conflicts)
	}
}

func TestPipeline_UncoercibleConflictIsolatesSeries(t *testing.T) {
	backend := newFakeBackend()
	var statuses []Status
	var mu sync.Mutex
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100},
		WithStatusHandler(func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		}))
	h.enable("sensor.mode", Policy{})
	h.enable("sensor.temp", Policy{})

	h.send("sensor.mode", changed(1.0, 1000))
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	h.send("sensor.mode", changed("auto", 2000))
	h.send("sensor.temp", changed(20.0, 2000))
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	conflicts, err := h.p.Conflicts(h.ctx)
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if !conflicts.Has("sensor.mode") || len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want only sensor.mode", conflicts)
	}
	if got := len(backend.points("sensor.temp")); got != 1 {
		t.Errorf("healthy series points = %d, want 1", got)
	}

	// Conflicting series now bypass the buffer.
	_, _, before := backend.calls()
	h.send("sensor.mode", changed(2.0, 3000))
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
	_, _, after := backend.calls()
	if after != before+1 {
		t.Errorf("WritePoint calls = %d, want %d", after, before+1)
	}

	mu.Lock()
	published := len(statuses)
	mu.Unlock()
	if published == 0 {
		t.Error("no status published for new conflict")
	}

	reset, err := h.p.ResetConflicts(h.ctx)
	if err != nil {
		t.Fatalf("ResetConflicts() error = %v", err)
	}
	if len(reset) != 0 {
		t.Errorf("conflicts after reset = %v", reset)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestPipeline_FlushWritesConflictingSeriesPointByPoint(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.c", Policy{})
	h.enable("sensor.ok", Policy{})
	h.inLoop(func() { h.p.conflicts["sensor.c"] = 1 })

	backend.setHosts(0)
	h.send("sensor.c", changed(1.0, 1000))
	h.send("sensor.c", changed(2.0, 2000))
	h.send("sensor.ok", changed(3.0, 1000))
	if got := h.status().SeriesBufferCounter; got != 3 {
		t.Fatalf("SeriesBufferCounter = %d, want 3", got)
	}

	backend.setHosts(1)
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	bulk, series, point := backend.calls()
	if bulk != 1 || series != 0 || point != 2 {
		t.Errorf("calls bulk=%d series=%d point=%d, want 1 0 2", bulk, series, point)
	}
	if got := len(backend.points("sensor.c")); got != 2 {
		t.Errorf("conflicting series points = %d, want 2", got)
	}
	if got := len(backend.points("sensor.ok")); got != 1 {
		t.Errorf("healthy series points = %d, want 1", got)
	}
	h.assertCounter()
	if got := h.status().SeriesBufferCounter; got != 0 {
		t.Errorf("SeriesBufferCounter = %d, want 0", got)
	}
}

func TestPipeline_FlushOnlyConflictingSeriesSkipsBulk(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.c", Policy{})
	h.inLoop(func() { h.p.conflicts["sensor.c"] = 1 })

	backend.setHosts(0)
	h.send("sensor.c", changed(1.0, 1000))
	backend.setHosts(1)
	if err := h.p.Flush(h.ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if bulk, _, point := backend.calls(); bulk != 0 || point != 1 {
		t.Errorf("calls bulk=%d point=%d, want 0 1", bulk, point)
	}
}

func TestPipeline_RestartRestoresSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.json")
	backend := newFakeBackend()
	backend.setHosts(0)
	repo := newMemRepo()

	h := startPipeline(t, backend, repo, Settings{SeriesBufferMax: 100, SnapshotPath: path})
	h.enable("sensor.temp", Policy{})
	h.enable("sensor.humidity", Policy{})
	for i := 0; i < 4; i++ {
		h.send("sensor.temp", changed(float64(i), int64(1000*(i+1))))
	}
	h.send("sensor.humidity", changed(55.0, 1000))
	h.inLoop(func() {
		h.p.markConflicting("sensor.temp")
		h.p.markConflicting("legacy.series")
	})
	h.stop()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	h2 := startPipeline(t, backend, repo, Settings{SeriesBufferMax: 100, SnapshotPath: path})
	st := h2.status()
	if st.SeriesBufferCounter != 5 {
		t.Errorf("restored SeriesBufferCounter = %d, want 5", st.SeriesBufferCounter)
	}
	if len(st.ConflictingPoints) != 2 {
		t.Errorf("restored conflicts = %v, want 2", st.ConflictingPoints)
	}
	if st.TrackedPoints != 2 {
		t.Errorf("TrackedPoints = %d, want 2 from repository", st.TrackedPoints)
	}
	h2.assertCounter()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("snapshot still present after restore: %v", err)
	}
}

func TestPipeline_NoSnapshotWhenBufferEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.json")
	h := startPipeline(t, newFakeBackend(), newMemRepo(), Settings{SeriesBufferMax: 100, SnapshotPath: path})
	h.stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("snapshot written for empty buffer: %v", err)
	}
}

func TestPipeline_ShutdownCommitsPendingDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.json")
	h := startPipeline(t, newFakeBackend(), newMemRepo(), Settings{SeriesBufferMax: 100, SnapshotPath: path})
	h.enable("dimmer.level", Policy{DebounceMs: 60_000})
	h.send("dimmer.level", changed(42.0, 1000))
	h.status()
	h.stop()

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if snap == nil || snap.SeriesBufferCounter != 1 {
		t.Fatalf("snapshot = %+v, want one pending point", snap)
	}
	if got := snap.SeriesBuffer["dimmer.level"][0].Value; got != 42.0 {
		t.Errorf("snapshot value = %v, want 42", got)
	}
}

func TestPipeline_CallsAfterStopFail(t *testing.T) {
	h := startPipeline(t, newFakeBackend(), newMemRepo(), Settings{})
	h.stop()
	if _, err := h.p.Status(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Status() after stop error = %v, want ErrStopped", err)
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestPipeline_EnableDisable(t *testing.T) {
	backend := newFakeBackend()
	repo := newMemRepo()
	h := startPipeline(t, backend, repo, Settings{SeriesBufferMax: 100})

	if err := h.p.Enable(h.ctx, "sensor.temp", Policy{DebounceMs: -1}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("Enable(invalid) error = %v, want ErrInvalidPolicy", err)
	}

	h.enable("sensor.temp", Policy{DebounceMs: 60_000})
	if p, ok := repo.get("sensor.temp"); !ok || !p.Enabled {
		t.Fatalf("policy not persisted as enabled: %+v", p)
	}
	h.send("sensor.temp", changed(21.0, 1000))

	if err := h.p.Disable(h.ctx, "sensor.temp"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if got := h.status().SeriesBufferCounter; got != 1 {
		t.Errorf("pending debounce not committed on disable: buffered = %d", got)
	}
	if _, ok := repo.get("sensor.temp"); ok {
		t.Error("policy still persisted after disable")
	}
	if err := h.p.Disable(h.ctx, "sensor.temp"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Disable(again) error = %v, want ErrNotTracked", err)
	}

	enabled, err := h.p.EnabledPoints(h.ctx)
	if err != nil {
		t.Fatalf("EnabledPoints() error = %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("EnabledPoints() = %v, want empty", enabled)
	}
}

func TestPipeline_StoreStates(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{SeriesBufferMax: 100})
	h.enable("sensor.temp", Policy{ChangesOnly: true})

	res, err := h.p.StoreStates(h.ctx, []StateEntry{
		{ID: "sensor.import", State: changed(1.0, 1000)},
		{ID: "sensor.import", State: unchanged(1.0, 2000)},
		{ID: "sensor.temp", State: unchanged(20.0, 3000)},
	}, false)
	if err != nil {
		t.Fatalf("StoreStates() error = %v", err)
	}
	if !res.Success || res.SeriesBufferCounter != 3 || !res.Connected {
		t.Errorf("raw StoreStates() = %+v, want success with 3 buffered", res)
	}

	res, err = h.p.StoreStates(h.ctx, []StateEntry{
		{ID: "sensor.temp", State: unchanged(20.0, 4000)},
		{ID: "sensor.untracked", State: changed(1.0, 4000)},
	}, true)
	if err != nil {
		t.Fatalf("StoreStates(rules) error = %v", err)
	}
	if res.Success {
		t.Error("StoreStates(rules) succeeded for untracked id")
	}
	if res.SeriesBufferCounter != 4 {
		t.Errorf("SeriesBufferCounter = %d, want 4 (first tracked value accepted)", res.SeriesBufferCounter)
	}

	res, _ = h.p.StoreStates(h.ctx, []StateEntry{{ID: "sensor.x", State: changed(nil, 1000)}}, false)
	if res.Success || res.Error == "" {
		t.Errorf("StoreStates(null) = %+v, want error", res)
	}
}

func TestPipeline_ObserveQueryUpdatesConnection(t *testing.T) {
	backend := newFakeBackend()
	h := startPipeline(t, backend, newMemRepo(), Settings{})

	backend.setHosts(0)
	h.p.ObserveQuery(fmt.Errorf("%w: refused", ErrUnavailable))
	waitFor(t, time.Second, func() bool { return !h.status().Connected })

	backend.setHosts(1)
	h.p.ObserveQuery(nil)
	waitFor(t, time.Second, func() bool { return h.status().Connected })
}
