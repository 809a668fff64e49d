package tsdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/gray-logic-historian/internal/history"
)

// queryResponse is the InfluxQL /query response envelope.
type queryResponse struct {
	Results []struct {
		Series []struct {
			Name    string   `json:"name"`
			Columns []string `json:"columns"`
			Values  [][]any  `json:"values"`
		} `json:"series"`
		Error string `json:"error"`
	} `json:"results"`
	Error string `json:"error"`
}

// Query runs a raw InfluxQL statement and returns one ResultSet per
// statement, each row a column-name map.
func (c *Client) Query(ctx context.Context, q string) ([]history.ResultSet, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("%w: empty query", history.ErrInvalidQuery)
	}
	resp, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}

	sets := make([]history.ResultSet, 0, len(resp.Results))
	for _, res := range resp.Results {
		set := history.ResultSet{}
		for _, s := range res.Series {
			for _, values := range s.Values {
				row := make(map[string]any, len(s.Columns))
				for i, col := range s.Columns {
					if i < len(values) {
						row[col] = values[i]
					}
				}
				set = append(set, row)
			}
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// QueryRange selects points of one series.
func (c *Client) QueryRange(ctx context.Context, q history.RangeQuery) ([]history.Row, error) {
	stmt, err := rangeStatement(q)
	if err != nil {
		return nil, err
	}
	resp, err := c.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return rows(resp), nil
}

// QueryBoundary selects the single point nearest to q.At.
func (c *Client) QueryBoundary(ctx context.Context, q history.BoundaryQuery) (*history.Row, error) {
	resp, err := c.query(ctx, boundaryStatement(q))
	if err != nil {
		return nil, err
	}
	found := rows(resp)
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// rangeStatement builds the InfluxQL SELECT for a range query.
func rangeStatement(q history.RangeQuery) (string, error) {
	var b strings.Builder
	if q.Step <= 0 {
		b.WriteString(`SELECT "value" FROM `)
		b.WriteString(quoteIdent(q.Series))
		b.WriteString(" WHERE ")
		if q.Start > 0 {
			fmt.Fprintf(&b, "time > %dms AND ", q.Start)
		}
		fmt.Fprintf(&b, "time < %dms ORDER BY time ", q.End)
		if q.Descending {
			b.WriteString("DESC")
		} else {
			b.WriteString("ASC")
		}
	} else {
		fn, ok := aggregateFunctions[q.Aggregate]
		if !ok {
			return "", fmt.Errorf("%w: aggregate %q", history.ErrUnsupported, q.Aggregate)
		}
		fmt.Fprintf(&b, `SELECT %s("value") AS "value" FROM %s WHERE time >= %dms AND time <= %dms GROUP BY time(%dms) fill(none)`,
			fn, quoteIdent(q.Series), q.Start, q.End, q.Step)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), nil
}

var aggregateFunctions = map[history.Aggregate]string{
	history.AggregateAverage: "mean",
	history.AggregateMax:     "max",
	history.AggregateMin:     "min",
	history.AggregateTotal:   "sum",
	history.AggregateCount:   "count",
}

func boundaryStatement(q history.BoundaryQuery) string {
	if q.After {
		return fmt.Sprintf(`SELECT "value" FROM %s WHERE time >= %dms ORDER BY time ASC LIMIT 1`, quoteIdent(q.Series), q.At)
	}
	return fmt.Sprintf(`SELECT "value" FROM %s WHERE time <= %dms ORDER BY time DESC LIMIT 1`, quoteIdent(q.Series), q.At)
}

// rows flattens a response into time/value rows. The time column is in
// epoch milliseconds because every query is sent with epoch=ms.
func rows(resp *queryResponse) []history.Row {
	var out []history.Row
	for _, res := range resp.Results {
		for _, s := range res.Series {
			timeCol, valueCol := -1, -1
			for i, col := range s.Columns {
				switch col {
				case "time":
					timeCol = i
				case "value":
					valueCol = i
				}
			}
			if timeCol < 0 || valueCol < 0 {
				continue
			}
			for _, values := range s.Values {
				if len(values) <= timeCol || len(values) <= valueCol {
					continue
				}
				ts, ok := toMillis(values[timeCol])
				if !ok {
					continue
				}
				out = append(out, history.Row{Ts: ts, Val: values[valueCol]})
			}
		}
	}
	return out
}

func toMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	default:
		return 0, false
	}
}

// query sends one InfluxQL statement. Statements that modify the server
// go as POST, everything else as GET.
func (c *Client) query(ctx context.Context, stmt string) (*queryResponse, error) {
	params := url.Values{}
	params.Set("q", stmt)
	params.Set("epoch", "ms")
	if c.database != "" {
		params.Set("db", c.database)
	}
	method := http.MethodGet
	if isWriteStatement(stmt) {
		method = http.MethodPost
	}

	resp, err := c.do(ctx, method, "/query", params, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: HTTP %d: %s", history.ErrUnavailable, resp.StatusCode, errorMessage(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, writeFailure(resp.StatusCode, body)
	}

	var out queryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrQueryFailed, out.Error)
	}
	for _, res := range out.Results {
		if res.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrQueryFailed, res.Error)
		}
	}
	return &out, nil
}

func isWriteStatement(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	for _, prefix := range []string{"CREATE", "DROP", "ALTER", "DELETE", "GRANT", "REVOKE"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// DatabaseNames lists the databases on the server.
func (c *Client) DatabaseNames(ctx context.Context) ([]string, error) {
	resp, err := c.query(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, res := range resp.Results {
		for _, s := range res.Series {
			for _, values := range s.Values {
				if len(values) > 0 {
					if name, ok := values[0].(string); ok {
						names = append(names, name)
					}
				}
			}
		}
	}
	return names, nil
}

// CreateDatabase creates a database.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	_, err := c.query(ctx, "CREATE DATABASE "+quoteIdent(name))
	return err
}

// DropDatabase removes a database and all its data.
func (c *Client) DropDatabase(ctx context.Context, name string) error {
	_, err := c.query(ctx, "DROP DATABASE "+quoteIdent(name))
	return err
}

// retentionPolicyName is the policy managed on the history database.
const retentionPolicyName = "global"

// CreateOrUpdateRetentionPolicy makes the "global" policy the database
// default with the given duration. Zero keeps data forever.
func (c *Client) CreateOrUpdateRetentionPolicy(ctx context.Context, name string, retention time.Duration) error {
	resp, err := c.query(ctx, "SHOW RETENTION POLICIES ON "+quoteIdent(name))
	if err != nil {
		return err
	}
	exists := false
	for _, res := range resp.Results {
		for _, s := range res.Series {
			for _, values := range s.Values {
				if len(values) > 0 && values[0] == retentionPolicyName {
					exists = true
				}
			}
		}
	}

	verb := "CREATE"
	suffix := " REPLICATION 1 DEFAULT"
	if exists {
		verb = "ALTER"
		suffix = " DEFAULT"
	}
	stmt := fmt.Sprintf("%s RETENTION POLICY %s ON %s DURATION %s%s",
		verb, quoteIdent(retentionPolicyName), quoteIdent(name), formatDuration(retention), suffix)
	_, err = c.query(ctx, stmt)
	return err
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "INF"
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}

// quoteIdent quotes an InfluxQL identifier.
func quoteIdent(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", "")
	return `"` + s + `"`
}
