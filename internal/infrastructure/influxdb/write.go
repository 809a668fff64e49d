package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	http2 "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-historian/internal/history"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/lineprotocol"
)

// WriteBulk writes points of many series in one request.
func (c *Client) WriteBulk(ctx context.Context, batch map[string][]history.Point) error {
	if len(batch) == 0 {
		return nil
	}
	series := make([]string, 0, len(batch))
	total := 0
	for s, pts := range batch {
		series = append(series, s)
		total += len(pts)
	}
	sort.Strings(series)

	points := make([]*write.Point, 0, total)
	for _, s := range series {
		for _, pt := range batch[s] {
			points = append(points, newPoint(s, pt))
		}
	}
	return c.write(ctx, points)
}

// WriteSeries writes the points of one series in one request.
func (c *Client) WriteSeries(ctx context.Context, series string, points []history.Point) error {
	if len(points) == 0 {
		return nil
	}
	out := make([]*write.Point, 0, len(points))
	for _, pt := range points {
		out = append(out, newPoint(series, pt))
	}
	return c.write(ctx, out)
}

// WritePoint writes a single point.
func (c *Client) WritePoint(ctx context.Context, series string, point history.Point) error {
	return c.write(ctx, []*write.Point{newPoint(series, point)})
}

// newPoint maps a history point onto the series measurement with fields
// value, ack, q and from.
func newPoint(series string, pt history.Point) *write.Point {
	fields := map[string]interface{}{
		"value": pt.Value,
		"ack":   pt.Ack,
		"q":     int64(pt.Q),
	}
	if pt.From != "" {
		fields["from"] = pt.From
	}
	return write.NewPoint(series, nil, fields, time.UnixMilli(pt.Time))
}

func (c *Client) write(ctx context.Context, points []*write.Point) error {
	if !c.available.Load() {
		return fmt.Errorf("%w: %w", history.ErrUnavailable, ErrNotConnected)
	}
	if err := c.writeAPI.WritePoint(ctx, points...); err != nil {
		return c.classify(err)
	}
	return nil
}

// classify maps a client error to the history error taxonomy.
func (c *Client) classify(err error) error {
	var herr *http2.Error
	if !errors.As(err, &herr) || herr.StatusCode == 0 {
		c.available.Store(false)
		return fmt.Errorf("%w: %w", history.ErrUnavailable, err)
	}
	msg := herr.Message
	if msg == "" {
		msg = herr.Error()
	}
	return lineprotocol.ClassifyWriteError(herr.StatusCode, msg)
}
