package history

import (
	"context"
	"errors"
	"strconv"
)

// maxPointRetries is the per-series ceiling for opaque write errors.
const maxPointRetries = 10

// coercion is the retry plan for a point rejected by a type conflict.
type coercion struct {
	// value is the converted value to retry with.
	value any

	// pin is the storage type to persist for the series.
	pin StorageType

	// retry is false when the direction is known but this value has no
	// lossless conversion (e.g. 0.5 into a boolean series).
	retry bool
}

// planCoercion picks the conversion for a conflict, or ok=false when the
// type pair has no automatic conversion.
func planCoercion(v any, c *ConflictError) (coercion, bool) {
	switch {
	case c.Existing == FieldString:
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case float64:
			s = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(val)
		default:
			return coercion{}, false
		}
		return coercion{value: s, pin: StorageString, retry: true}, true

	case c.Submitted == FieldBoolean && (c.Existing == FieldFloat || c.Existing == FieldInteger):
		b, ok := v.(bool)
		if !ok {
			return coercion{pin: StorageNumber}, true
		}
		f := 0.0
		if b {
			f = 1
		}
		return coercion{value: f, pin: StorageNumber, retry: true}, true

	case (c.Submitted == FieldFloat || c.Submitted == FieldInteger) && c.Existing == FieldBoolean:
		f, ok := v.(float64)
		switch {
		case ok && f == 1:
			return coercion{value: true, pin: StorageBoolean, retry: true}, true
		case ok && f == 0:
			return coercion{value: false, pin: StorageBoolean, retry: true}, true
		default:
			return coercion{pin: StorageBoolean}, true
		}
	}
	return coercion{}, false
}

// isTransient reports failures that should re-queue points rather than
// count against a series.
func (p *Pipeline) isTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		p.backend.AvailableHosts() == 0
}

// writePoint writes one point and handles its failure.
//
// Transient failures re-queue the point. A type conflict gets one
// coercion retry when the series has no pinned storage type; otherwise the
// series joins the conflict set. Other errors re-queue the point until the
// series has failed maxPointRetries times in a row, then the point is dropped.
func (p *Pipeline) writePoint(ctx context.Context, series string, pt Point) error {
	err := p.backendWritePoint(ctx, series, pt)
	if err == nil {
		p.setConnection(ConnectionConnected)
		delete(p.errCounts, series)
		metricPointsWritten.Inc()
		return nil
	}

	if p.isTransient(err) {
		p.setConnection(ConnectionDisconnected)
		p.buffer.Add(series, pt)
		p.logger.Warn("backend unavailable, point re-queued", "series", series, "error", err)
		return err
	}

	if conflict, ok := AsConflict(err); ok {
		return p.recoverConflict(ctx, series, pt, conflict)
	}

	p.errCounts[series]++
	if p.errCounts[series] < maxPointRetries {
		p.buffer.Add(series, pt)
		p.logger.Warn("point write failed, will retry",
			"series", series, "attempt", p.errCounts[series], "error", err)
		return err
	}
	p.errCounts[series] = 0
	metricPointsDropped.WithLabelValues(dropRetriesExhausted).Inc()
	p.logger.Error("point dropped after repeated write failures",
		"series", series, "attempts", maxPointRetries, "error", err)
	return err
}

// recoverConflict runs the single coercion retry for a conflicting point.
func (p *Pipeline) recoverConflict(ctx context.Context, series string, pt Point, conflict *ConflictError) error {
	tp := p.trackedBySeries(series)
	if tp == nil || tp.Policy.StorageType == StorageNone {
		if plan, ok := planCoercion(pt.Value, conflict); ok {
			if tp != nil {
				p.pinStorageType(ctx, tp, plan.pin)
			}
			if plan.retry {
				retried := pt
				retried.Value = plan.value
				err := p.backendWritePoint(ctx, series, retried)
				if err == nil {
					p.setConnection(ConnectionConnected)
					metricPointsWritten.Inc()
					metricCoercions.WithLabelValues(string(plan.pin)).Inc()
					p.logger.Info("type conflict resolved by coercion",
						"series", series, "storage_type", plan.pin,
						"submitted", conflict.Submitted, "stored", conflict.Existing)
					return nil
				}
				p.logger.Warn("coerced write failed", "series", series, "error", err)
			}
		}
	}

	p.markConflicting(series)
	metricPointsDropped.WithLabelValues(dropConflict).Inc()
	p.logger.Warn("series has conflicting value types, writing point by point",
		"series", series, "submitted", conflict.Submitted, "stored", conflict.Existing)
	return conflict
}

// pinStorageType records a storage type inferred from a conflict.
func (p *Pipeline) pinStorageType(ctx context.Context, tp *TrackedPoint, st StorageType) {
	tp.Policy.StorageType = st
	if p.repo == nil {
		return
	}
	if err := p.repo.UpdateStorageType(ctx, tp.ID, st); err != nil {
		p.logger.Error("persisting storage type failed", "id", tp.ID, "storage_type", st, "error", err)
	}
}

// markConflicting adds series to the conflict set.
func (p *Pipeline) markConflicting(series string) {
	if p.conflicts.Has(series) {
		return
	}
	p.conflicts[series] = 1
	metricConflictingSeries.Set(float64(len(p.conflicts)))
	p.publishStatus()
}
