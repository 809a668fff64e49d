package history

import (
	"errors"
	"math"
	"testing"

	"github.com/goccy/go-json"
)

func TestState_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name          string
		data          string
		wantVal       any
		wantUndefined bool
	}{
		{"number", `{"val": 21.5, "ts": 1000, "lc": 900, "ack": true, "q": 0}`, 21.5, false},
		{"explicit null", `{"val": null, "ts": 1000}`, nil, false},
		{"missing val", `{"ts": 1000, "ack": true}`, nil, true},
		{"string", `{"val": "on", "ts": 1000}`, "on", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var st State
			if err := json.Unmarshal([]byte(tt.data), &st); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if st.Val != tt.wantVal {
				t.Errorf("Val = %#v, want %#v", st.Val, tt.wantVal)
			}
			if st.Undefined != tt.wantUndefined {
				t.Errorf("Undefined = %v, want %v", st.Undefined, tt.wantUndefined)
			}
			if st.Ts != 1000 {
				t.Errorf("Ts = %d, want 1000", st.Ts)
			}
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"zero policy", Policy{}, false},
		{"full policy", Policy{DebounceMs: 100, ChangesOnly: true, ChangesRelogInterval: 60, ChangesMinDelta: 0.5, StorageType: StorageNumber}, false},
		{"negative debounce", Policy{DebounceMs: -1}, true},
		{"negative block time", Policy{BlockTimeMs: -1}, true},
		{"negative delta", Policy{ChangesMinDelta: -0.1}, true},
		{"NaN delta", Policy{ChangesMinDelta: math.NaN()}, true},
		{"unknown storage type", Policy{StorageType: "Blob"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("Validate() error = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestToPoint(t *testing.T) {
	tests := []struct {
		name    string
		val     any
		storage StorageType
		want    any
		wantErr bool
	}{
		{"float", 21.5, StorageNone, 21.5, false},
		{"numeric string", "42", StorageNone, 42.0, false},
		{"bool to number", true, StorageNumber, 1.0, false},
		{"number to bool", 0.0, StorageBoolean, false, false},
		{"number to string", 3.25, StorageString, "3.25", false},
		{"text to number", "on", StorageNumber, nil, true},
		{"null", nil, StorageNone, nil, true},
		{"NaN", math.NaN(), StorageNone, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := toPoint(State{Val: tt.val, Ts: 1000, From: "knx", Q: 0, Ack: true}, tt.storage)
			if (err != nil) != tt.wantErr {
				t.Fatalf("toPoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidValue) {
					t.Errorf("toPoint() error = %v, want ErrInvalidValue", err)
				}
				return
			}
			if pt.Value != tt.want {
				t.Errorf("Value = %#v, want %#v", pt.Value, tt.want)
			}
			if pt.Time != 1000 || pt.From != "knx" || !pt.Ack {
				t.Errorf("metadata not carried: %+v", pt)
			}
		})
	}
}

func TestPolicy_SeriesName(t *testing.T) {
	if got := (Policy{}).SeriesName("a"); got != "a" {
		t.Errorf("SeriesName() = %q, want a", got)
	}
	if got := (Policy{AliasID: "b"}).SeriesName("a"); got != "b" {
		t.Errorf("SeriesName() with alias = %q, want b", got)
	}
}

func TestAggregate(t *testing.T) {
	for _, a := range []Aggregate{AggregateAverage, AggregateMax, AggregateMin, AggregateTotal, AggregateCount} {
		if !a.Bucketed() || !a.Valid() {
			t.Errorf("%s should be bucketed and valid", a)
		}
	}
	for _, a := range []Aggregate{AggregateNone, AggregateOnChange, AggregateMinMax} {
		if a.Bucketed() || !a.Valid() {
			t.Errorf("%s should be raw and valid", a)
		}
	}
	if Aggregate("median").Valid() {
		t.Error("median should be invalid")
	}
}
