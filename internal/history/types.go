package history

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// StorageType pins the value type written for a series.
type StorageType string

// Storage types. StorageNone stores values as they arrive.
const (
	StorageNone    StorageType = ""
	StorageString  StorageType = "String"
	StorageNumber  StorageType = "Number"
	StorageBoolean StorageType = "Boolean"
)

// ParseStorageType validates a storage type name.
func ParseStorageType(s string) (StorageType, error) {
	switch st := StorageType(s); st {
	case StorageNone, StorageString, StorageNumber, StorageBoolean:
		return st, nil
	default:
		return StorageNone, fmt.Errorf("%w: unknown storage type %q", ErrInvalidPolicy, s)
	}
}

// State is a datapoint state as published by the automation platform.
//
// Ts and Lc are epoch milliseconds. Undefined is set when a decoded JSON
// object carried no "val" key at all, which is distinct from "val": null.
type State struct {
	Val       any    `json:"val"`
	Ts        int64  `json:"ts"`
	Lc        int64  `json:"lc"`
	Ack       bool   `json:"ack"`
	From      string `json:"from,omitempty"`
	Q         int    `json:"q"`
	Undefined bool   `json:"-"`
}

// UnmarshalJSON decodes a state and records whether "val" was present.
func (s *State) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	type plain State
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = State(p)
	_, hasVal := fields["val"]
	s.Undefined = !hasVal
	return nil
}

// Point is a single value queued for storage.
type Point struct {
	Value any    `json:"value"`
	Time  int64  `json:"time"`
	From  string `json:"from,omitempty"`
	Q     int    `json:"q"`
	Ack   bool   `json:"ack"`
}

// Policy is the persisted per-datapoint logging configuration.
type Policy struct {
	Enabled bool `json:"enabled"`

	// DebounceMs collapses bursts: only the last value inside the window is logged.
	DebounceMs int64 `json:"debounce"`

	// BlockTimeMs ignores values arriving sooner than this after the last logged one.
	BlockTimeMs int64 `json:"blockTime"`

	// ChangesOnly suppresses states that carry no real change.
	ChangesOnly bool `json:"changesOnly"`

	// ChangesRelogInterval re-logs the current value every N seconds (0 disables).
	ChangesRelogInterval int64 `json:"changesRelogInterval"`

	// ChangesMinDelta suppresses numeric changes smaller than this.
	ChangesMinDelta float64 `json:"changesMinDelta"`

	StorageType StorageType `json:"storageType"`

	// AliasID stores the datapoint under another series name.
	AliasID string `json:"aliasId,omitempty"`

	// Retention in seconds; informational per datapoint, the store-wide
	// retention comes from configuration.
	Retention int64 `json:"retention"`
}

// Validate checks the policy for out-of-range values.
func (p Policy) Validate() error {
	var errs []string
	if p.DebounceMs < 0 {
		errs = append(errs, "debounce must not be negative")
	}
	if p.BlockTimeMs < 0 {
		errs = append(errs, "blockTime must not be negative")
	}
	if p.ChangesRelogInterval < 0 {
		errs = append(errs, "changesRelogInterval must not be negative")
	}
	if p.ChangesMinDelta < 0 || math.IsNaN(p.ChangesMinDelta) {
		errs = append(errs, "changesMinDelta must not be negative")
	}
	if p.Retention < 0 {
		errs = append(errs, "retention must not be negative")
	}
	if _, err := ParseStorageType(string(p.StorageType)); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(errs, "; "))
	}
	return nil
}

// SeriesName returns the series the datapoint id is stored under.
func (p Policy) SeriesName(id string) string {
	if p.AliasID != "" {
		return p.AliasID
	}
	return id
}

// Row is one result row of a history query.
type Row struct {
	Ts  int64  `json:"ts"`
	Val any    `json:"val"`
	ID  string `json:"id,omitempty"`
}

// ResultSet is the generic row set returned by raw backend queries.
type ResultSet []map[string]any

// ConnectionState is the pipeline's view of backend reachability.
type ConnectionState int

// Connection states.
const (
	ConnectionUnknown ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// normalizeValue converts incoming values into storable scalars.
//
// Objects and arrays become JSON strings. Numeric strings become float64
// unless the series is pinned to String. Integer types become float64.
func normalizeValue(v any, st StorageType) any {
	switch val := v.(type) {
	case nil, bool, float64:
		return val
	case string:
		if st == StorageString {
			return val
		}
		if f, ok := parseNumeric(val); ok {
			return f
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// parseNumeric parses a string that is entirely a finite number.
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// isInvalid reports values that are never written: null and NaN.
func isInvalid(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return true
	}
	return false
}

// coerceToStorage converts a normalized value to the pinned storage type.
func coerceToStorage(v any, st StorageType) (any, error) {
	switch st {
	case StorageString:
		switch val := v.(type) {
		case string:
			return val, nil
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), nil
		default:
			return fmt.Sprint(val), nil
		}
	case StorageNumber:
		switch val := v.(type) {
		case float64:
			return val, nil
		case bool:
			if val {
				return float64(1), nil
			}
			return float64(0), nil
		case string:
			if f, ok := parseNumeric(val); ok {
				return f, nil
			}
		}
		return nil, fmt.Errorf("%w: %v is not a number", ErrInvalidValue, v)
	case StorageBoolean:
		switch val := v.(type) {
		case bool:
			return val, nil
		case float64:
			return val != 0, nil
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: %v is not a boolean", ErrInvalidValue, v)
	default:
		return v, nil
	}
}

// toPoint builds the storable point for an accepted state.
func toPoint(st State, storage StorageType) (Point, error) {
	if st.Undefined {
		return Point{}, fmt.Errorf("%w: undefined", ErrInvalidValue)
	}
	v := normalizeValue(st.Val, storage)
	if isInvalid(v) {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidValue, st.Val)
	}
	v, err := coerceToStorage(v, storage)
	if err != nil {
		return Point{}, err
	}
	return Point{Value: v, Time: st.Ts, From: st.From, Q: st.Q, Ack: st.Ack}, nil
}
