package influxdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	http2 "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/nerrad567/gray-logic-historian/internal/history"
)

// Query runs a raw Flux script. All records land in one ResultSet, each
// row holding the record's columns.
func (c *Client) Query(ctx context.Context, q string) ([]history.ResultSet, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("%w: empty query", history.ErrInvalidQuery)
	}
	result, err := c.queryAPI.Query(ctx, q)
	if err != nil {
		return nil, c.queryError(err)
	}
	defer result.Close()

	set := history.ResultSet{}
	for result.Next() {
		rec := result.Record()
		row := make(map[string]any, len(rec.Values()))
		for k, v := range rec.Values() {
			row[k] = v
		}
		set = append(set, row)
	}
	if err := result.Err(); err != nil {
		return nil, c.queryError(err)
	}
	return []history.ResultSet{set}, nil
}

// QueryRange selects points of one series.
func (c *Client) QueryRange(ctx context.Context, q history.RangeQuery) ([]history.Row, error) {
	script, err := rangeScript(c.cfg.Bucket, q)
	if err != nil {
		return nil, err
	}
	return c.rows(ctx, script)
}

// QueryBoundary selects the single point nearest to q.At.
func (c *Client) QueryBoundary(ctx context.Context, q history.BoundaryQuery) (*history.Row, error) {
	found, err := c.rows(ctx, boundaryScript(c.cfg.Bucket, q))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (c *Client) rows(ctx context.Context, script string) ([]history.Row, error) {
	result, err := c.queryAPI.Query(ctx, script)
	if err != nil {
		return nil, c.queryError(err)
	}
	defer result.Close()

	var out []history.Row
	for result.Next() {
		rec := result.Record()
		out = append(out, history.Row{Ts: rec.Time().UnixMilli(), Val: rec.Value()})
	}
	if err := result.Err(); err != nil {
		return nil, c.queryError(err)
	}
	return out, nil
}

func (c *Client) queryError(err error) error {
	var herr *http2.Error
	if !errors.As(err, &herr) || herr.StatusCode == 0 {
		c.available.Store(false)
		return fmt.Errorf("%w: influxdb query: %w", history.ErrUnavailable, err)
	}
	if herr.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: influxdb query: %w", history.ErrUnavailable, err)
	}
	return fmt.Errorf("influxdb query: %w", err)
}

var aggregateFunctions = map[history.Aggregate]string{
	history.AggregateAverage: "mean",
	history.AggregateMax:     "max",
	history.AggregateMin:     "min",
	history.AggregateTotal:   "sum",
	history.AggregateCount:   "count",
}

// rangeScript builds the Flux for a range query.
//
// Flux ranges are [start, stop), so the raw open interval (Start, End)
// becomes [Start+1ms, End) and the bucketed closed interval [Start, End]
// becomes [Start, End+1ms).
func rangeScript(bucket string, q history.RangeQuery) (string, error) {
	var b strings.Builder
	if q.Step <= 0 {
		start := q.Start
		if start > 0 {
			start++
		}
		b.WriteString(source(bucket, q.Series, start, q.End))
		if q.Descending {
			b.WriteString("\n  |> sort(columns: [\"_time\"], desc: true)")
		}
		writeLimit(&b, q.Limit)
		return b.String(), nil
	}

	every := strconv.FormatInt(q.Step, 10) + "ms"
	data := source(bucket, q.Series, q.Start, q.End+1)
	if q.Aggregate == history.AggregateMinMax {
		b.WriteString("data = ")
		b.WriteString(data)
		b.WriteString("\nunion(tables: [\n")
		fmt.Fprintf(&b, "  data |> aggregateWindow(every: %s, fn: min, createEmpty: false, timeSrc: \"_start\"),\n", every)
		fmt.Fprintf(&b, "  data |> aggregateWindow(every: %s, fn: max, createEmpty: false, timeSrc: \"_start\"),\n", every)
		b.WriteString("])\n  |> group()\n  |> sort(columns: [\"_time\"])")
		writeLimit(&b, q.Limit)
		return b.String(), nil
	}

	fn, ok := aggregateFunctions[q.Aggregate]
	if !ok {
		return "", fmt.Errorf("%w: aggregate %q", history.ErrUnsupported, q.Aggregate)
	}
	b.WriteString(data)
	fmt.Fprintf(&b, "\n  |> aggregateWindow(every: %s, fn: %s, createEmpty: false, timeSrc: \"_start\")", every, fn)
	writeLimit(&b, q.Limit)
	return b.String(), nil
}

func boundaryScript(bucket string, q history.BoundaryQuery) string {
	if q.After {
		return fmt.Sprintf("from(bucket: %s)\n  |> range(start: %s)\n  |> filter(fn: (r) => r._measurement == %s and r._field == \"value\")\n  |> first()",
			quote(bucket), fluxTime(q.At), quote(q.Series))
	}
	return source(bucket, q.Series, 0, q.At+1) + "\n  |> last()"
}

func source(bucket, series string, start, stop int64) string {
	return fmt.Sprintf("from(bucket: %s)\n  |> range(start: %s, stop: %s)\n  |> filter(fn: (r) => r._measurement == %s and r._field == \"value\")",
		quote(bucket), fluxTime(start), fluxTime(stop), quote(series))
}

func writeLimit(b *strings.Builder, n int) {
	if n > 0 {
		fmt.Fprintf(b, "\n  |> limit(n: %d)", n)
	}
}

func fluxTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// quote renders a Flux string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}

// DatabaseNames lists the buckets visible to the token.
func (c *Client) DatabaseNames(ctx context.Context) ([]string, error) {
	buckets, err := c.client.BucketsAPI().GetBuckets(ctx)
	if err != nil {
		return nil, c.queryError(err)
	}
	if buckets == nil {
		return nil, nil
	}
	names := make([]string, 0, len(*buckets))
	for _, b := range *buckets {
		names = append(names, b.Name)
	}
	return names, nil
}

// CreateDatabase creates a bucket in the configured organization.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	org, err := c.client.OrganizationsAPI().FindOrganizationByName(ctx, c.cfg.Org)
	if err != nil {
		return fmt.Errorf("finding organization %q: %w", c.cfg.Org, err)
	}
	if _, err := c.client.BucketsAPI().CreateBucketWithName(ctx, org, name); err != nil {
		return fmt.Errorf("creating bucket %q: %w", name, err)
	}
	return nil
}

// DropDatabase deletes a bucket and all its data.
func (c *Client) DropDatabase(ctx context.Context, name string) error {
	bucket, err := c.client.BucketsAPI().FindBucketByName(ctx, name)
	if err != nil {
		return fmt.Errorf("finding bucket %q: %w", name, err)
	}
	if err := c.client.BucketsAPI().DeleteBucket(ctx, bucket); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

// CreateOrUpdateRetentionPolicy sets the bucket's expiry. Zero keeps data
// forever.
func (c *Client) CreateOrUpdateRetentionPolicy(ctx context.Context, name string, retention time.Duration) error {
	bucket, err := c.client.BucketsAPI().FindBucketByName(ctx, name)
	if err != nil {
		return fmt.Errorf("finding bucket %q: %w", name, err)
	}
	bucket.RetentionRules = domain.RetentionRules{retentionRule(retention)}
	if _, err := c.client.BucketsAPI().UpdateBucket(ctx, bucket); err != nil {
		return fmt.Errorf("updating retention of %q: %w", name, err)
	}
	return nil
}

func retentionRule(retention time.Duration) domain.RetentionRule {
	seconds := int64(0)
	if retention > 0 {
		seconds = int64(retention / time.Second)
	}
	return domain.RetentionRule{EverySeconds: seconds}
}
