package command

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/nerrad567/gray-logic-historian/internal/history"
)

// Command names.
const (
	CmdQuery                  = "query"
	CmdGetHistory             = "getHistory"
	CmdEnableHistory          = "enableHistory"
	CmdDisableHistory         = "disableHistory"
	CmdGetEnabledDPs          = "getEnabledDPs"
	CmdStoreState             = "storeState"
	CmdGetConflictingPoints   = "getConflictingPoints"
	CmdResetConflictingPoints = "resetConflictingPoints"
	CmdFlushBuffer            = "flushBuffer"
)

// Pipeline is the part of history.Pipeline the commands drive.
type Pipeline interface {
	Enable(ctx context.Context, id string, policy history.Policy) error
	Disable(ctx context.Context, id string) error
	EnabledPoints(ctx context.Context) (map[string]history.Policy, error)
	StoreStates(ctx context.Context, entries []history.StateEntry, rules bool) (history.StoreResult, error)
	Conflicts(ctx context.Context) (history.ConflictSet, error)
	ResetConflicts(ctx context.Context) (history.ConflictSet, error)
	Flush(ctx context.Context) error
}

// Querier is the part of history.QueryEngine the commands drive.
type Querier interface {
	Query(ctx context.Context, q string) history.QueryResult
	GetHistory(ctx context.Context, id string, opts history.HistoryOptions) history.HistoryResult
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Recorder keeps an audit trail of state-changing commands.
type Recorder interface {
	Record(ctx context.Context, action, datapointID, source string, details map[string]any) error
}

// Command sources passed to the Recorder.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

type sourceKey struct{}

// WithSource tags ctx with the transport a command arrived on.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok {
		return s
	}
	return "unknown"
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Response shapes.
type (
	// SuccessResponse answers enableHistory and disableHistory.
	SuccessResponse struct {
		Success bool `json:"success"`
	}

	// ConflictsResponse answers getConflictingPoints and resetConflictingPoints.
	ConflictsResponse struct {
		Success           bool     `json:"success,omitempty"`
		ConflictingPoints []string `json:"conflictingPoints"`
	}

	// FlushResponse answers flushBuffer.
	FlushResponse struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}

	// ErrorResponse is what transports send for a failed command.
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

type handlerFunc func(ctx context.Context, payload []byte) (any, error)

// Dispatcher routes named commands to the pipeline and query engine.
//
// Thread Safety: Dispatch is safe for concurrent use.
type Dispatcher struct {
	pipeline Pipeline
	queries  Querier
	logger   Logger
	recorder Recorder
	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher. A nil logger discards output.
func NewDispatcher(pipeline Pipeline, queries Querier, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	d := &Dispatcher{pipeline: pipeline, queries: queries, logger: logger}
	d.handlers = map[string]handlerFunc{
		CmdQuery:                  d.query,
		CmdGetHistory:             d.getHistory,
		CmdEnableHistory:          d.enableHistory,
		CmdDisableHistory:         d.disableHistory,
		CmdGetEnabledDPs:          d.getEnabledDPs,
		CmdStoreState:             d.storeState,
		CmdGetConflictingPoints:   d.getConflictingPoints,
		CmdResetConflictingPoints: d.resetConflictingPoints,
		CmdFlushBuffer:            d.flushBuffer,
	}
	return d
}

// SetRecorder enables the audit trail. Call before the first Dispatch.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// audit records a successful state-changing command. Failures are logged
// and never fail the command.
func (d *Dispatcher) audit(ctx context.Context, action, id string, details map[string]any) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(ctx, action, id, sourceFrom(ctx), details); err != nil {
		d.logger.Warn("recording audit entry failed", "command", action, "error", err)
	}
}

// Commands returns the supported command names, sorted.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one command. The returned value is ready for JSON encoding.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload []byte) (any, error) {
	h, ok := d.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	resp, err := h(ctx, payload)
	if err != nil {
		d.logger.Debug("command failed", "command", name, "error", err)
		return nil, err
	}
	return resp, nil
}

// decode unmarshals a payload; an empty payload decodes as {}.
func decode(payload []byte, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return nil
}

func (d *Dispatcher) query(ctx context.Context, payload []byte) (any, error) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return d.queries.Query(ctx, req.Message), nil
}

func (d *Dispatcher) getHistory(ctx context.Context, payload []byte) (any, error) {
	var req struct {
		ID      string                 `json:"id"`
		Options history.HistoryOptions `json:"options"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return d.queries.GetHistory(ctx, req.ID, req.Options), nil
}

func (d *Dispatcher) enableHistory(ctx context.Context, payload []byte) (any, error) {
	var req struct {
		ID      string         `json:"id"`
		Options history.Policy `json:"options"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidCommand)
	}
	if err := d.pipeline.Enable(ctx, req.ID, req.Options); err != nil {
		return nil, err
	}
	d.logger.Info("history enabled", "id", req.ID)
	d.audit(ctx, CmdEnableHistory, req.ID, policyDetails(req.Options))
	return SuccessResponse{Success: true}, nil
}

func (d *Dispatcher) disableHistory(ctx context.Context, payload []byte) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidCommand)
	}
	if err := d.pipeline.Disable(ctx, req.ID); err != nil {
		return nil, err
	}
	d.logger.Info("history disabled", "id", req.ID)
	d.audit(ctx, CmdDisableHistory, req.ID, nil)
	return SuccessResponse{Success: true}, nil
}

func (d *Dispatcher) getEnabledDPs(ctx context.Context, _ []byte) (any, error) {
	return d.pipeline.EnabledPoints(ctx)
}

func (d *Dispatcher) storeState(ctx context.Context, payload []byte) (any, error) {
	entries, rules, err := parseStoreState(payload)
	if err != nil {
		return nil, err
	}
	return d.pipeline.StoreStates(ctx, entries, rules)
}

// parseStoreState accepts the three storeState forms:
//
//	{"id": "a", "state": {...}}
//	{"id": "a", "state": [{...}, {...}]}
//	{"state": [{"id": "a", "state": {...}}, ...]}
func parseStoreState(payload []byte) ([]history.StateEntry, bool, error) {
	var req struct {
		ID    string          `json:"id"`
		State json.RawMessage `json:"state"`
		Rules bool            `json:"rules"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, false, err
	}
	raw := bytes.TrimSpace(req.State)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, fmt.Errorf("%w: state is required", ErrInvalidCommand)
	}

	var entries []history.StateEntry
	switch {
	case req.ID != "" && raw[0] == '[':
		var states []history.State
		if err := json.Unmarshal(raw, &states); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		for _, st := range states {
			entries = append(entries, history.StateEntry{ID: req.ID, State: st})
		}
	case req.ID != "":
		var st history.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		entries = append(entries, history.StateEntry{ID: req.ID, State: st})
	case raw[0] == '[':
		var items []struct {
			ID    string        `json:"id"`
			State history.State `json:"state"`
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		for _, it := range items {
			if it.ID == "" {
				return nil, false, fmt.Errorf("%w: every state entry needs an id", ErrInvalidCommand)
			}
			entries = append(entries, history.StateEntry{ID: it.ID, State: it.State})
		}
	default:
		return nil, false, fmt.Errorf("%w: id is required", ErrInvalidCommand)
	}

	if len(entries) == 0 {
		return nil, false, fmt.Errorf("%w: no states given", ErrInvalidCommand)
	}
	return entries, req.Rules, nil
}

func (d *Dispatcher) getConflictingPoints(ctx context.Context, _ []byte) (any, error) {
	set, err := d.pipeline.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	return ConflictsResponse{ConflictingPoints: set.IDs()}, nil
}

func (d *Dispatcher) resetConflictingPoints(ctx context.Context, _ []byte) (any, error) {
	set, err := d.pipeline.ResetConflicts(ctx)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, CmdResetConflictingPoints, "", nil)
	return ConflictsResponse{Success: true, ConflictingPoints: set.IDs()}, nil
}

func (d *Dispatcher) flushBuffer(ctx context.Context, _ []byte) (any, error) {
	if err := d.pipeline.Flush(ctx); err != nil {
		return FlushResponse{Success: false, Error: err.Error()}, nil
	}
	d.audit(ctx, CmdFlushBuffer, "", nil)
	return FlushResponse{Success: true}, nil
}

// policyDetails is the audit view of a policy: only the non-default fields.
func policyDetails(p history.Policy) map[string]any {
	details := make(map[string]any)
	if p.DebounceMs > 0 {
		details["debounce"] = p.DebounceMs
	}
	if p.BlockTimeMs > 0 {
		details["blockTime"] = p.BlockTimeMs
	}
	if p.ChangesOnly {
		details["changesOnly"] = true
	}
	if p.ChangesRelogInterval > 0 {
		details["changesRelogInterval"] = p.ChangesRelogInterval
	}
	if p.ChangesMinDelta > 0 {
		details["changesMinDelta"] = p.ChangesMinDelta
	}
	if p.StorageType != history.StorageNone {
		details["storageType"] = string(p.StorageType)
	}
	if p.AliasID != "" {
		details["aliasId"] = p.AliasID
	}
	if p.Retention > 0 {
		details["retention"] = p.Retention
	}
	return details
}
