package history

import (
	"math"
	"time"
)

// DecisionKind is the outcome of evaluating a state against a policy.
type DecisionKind int

// Decision kinds.
const (
	Suppress DecisionKind = iota
	Accept
	AcceptAfterDelay
)

func (k DecisionKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case AcceptAfterDelay:
		return "accept-after-delay"
	default:
		return "suppress"
	}
}

// Decision tells the pipeline what to do with a state.
type Decision struct {
	Kind DecisionKind

	// Delay is the debounce window for AcceptAfterDelay.
	Delay time.Duration

	// State is the incoming state with its value normalized.
	State State

	// Forced is set for null transitions, which bypass all filtering.
	Forced bool

	// Skipped asks the pipeline to remember the state for a later relog.
	Skipped bool

	// Reason explains a suppression, or notes a relog on accept.
	Reason string
}

// scheduledState is a pending debounce or relog task. The pipeline
// compares handles by identity so a superseded task can never commit.
type scheduledState struct {
	timer *time.Timer
	state State
}

func (s *scheduledState) cancel() {
	if s != nil && s.timer != nil {
		s.timer.Stop()
	}
}

// TrackedPoint is the runtime state of one logged datapoint.
type TrackedPoint struct {
	ID     string
	Policy Policy

	// last is the last accepted state.
	last *State

	// skipped is the most recent state suppressed by change filtering.
	skipped *State

	// lastLogTime is the ts of the last accepted state.
	lastLogTime int64

	debounce *scheduledState
	relog    *scheduledState
}

// Series returns the series name this datapoint is written to.
func (tp *TrackedPoint) Series() string {
	return tp.Policy.SeriesName(tp.ID)
}

// cancelTimers stops pending debounce and relog tasks.
func (tp *TrackedPoint) cancelTimers() {
	tp.debounce.cancel()
	tp.debounce = nil
	tp.relog.cancel()
	tp.relog = nil
}

// Evaluate applies tp's logging policy to an incoming state.
//
// relog marks a state produced by the relog timer; it skips change
// filtering and debounce so a timer expiry behaves like a real accept.
// Evaluate does not mutate tp.
func Evaluate(tp *TrackedPoint, in State, relog bool) Decision {
	if in.Undefined {
		return Decision{Kind: Suppress, State: in, Reason: "undefined value"}
	}

	st := in
	st.Val = normalizeValue(in.Val, tp.Policy.StorageType)
	d := Decision{Kind: Accept, State: st}

	prev := tp.last
	if prev == nil {
		d.Forced = st.Val == nil
	} else {
		d.Forced = (prev.Val == nil) != (st.Val == nil)
	}
	if d.Forced || relog {
		if relog {
			d.Reason = "relog"
		}
		return d
	}

	p := tp.Policy
	if p.BlockTimeMs > 0 && prev != nil && st.Ts-tp.lastLogTime < p.BlockTimeMs {
		return Decision{Kind: Suppress, State: st, Reason: "within block time"}
	}

	if p.ChangesOnly && prev != nil {
		unchanged := st.Ts == st.Lc
		if p.ChangesRelogInterval == 0 {
			if unchanged {
				return Decision{Kind: Suppress, State: st, Skipped: true, Reason: "value unchanged"}
			}
		} else {
			interval := p.ChangesRelogInterval * int64(time.Second/time.Millisecond)
			if unchanged && abs64(tp.lastLogTime-st.Ts) < interval {
				return Decision{Kind: Suppress, State: st, Skipped: true, Reason: "value unchanged within relog interval"}
			}
			if unchanged {
				d.Reason = "relog interval elapsed"
			}
		}
	}

	if p.ChangesMinDelta > 0 && prev != nil {
		oldV, okOld := prev.Val.(float64)
		newV, okNew := st.Val.(float64)
		if okOld && okNew && math.Abs(oldV-newV) < p.ChangesMinDelta {
			return Decision{Kind: Suppress, State: st, Skipped: true, Reason: "change below minimum delta"}
		}
	}

	if p.DebounceMs > 0 {
		d.Kind = AcceptAfterDelay
		d.Delay = time.Duration(p.DebounceMs) * time.Millisecond
	}
	return d
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
