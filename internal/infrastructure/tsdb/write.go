package tsdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nerrad567/gray-logic-historian/internal/history"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/lineprotocol"
)

// maxErrorBody caps how much of a failed write response is read.
const maxErrorBody = 64 << 10

// WriteBulk writes points of many series in one request.
func (c *Client) WriteBulk(ctx context.Context, batch map[string][]history.Point) error {
	if len(batch) == 0 {
		return nil
	}
	return c.write(ctx, lineprotocol.EncodeBatch(batch))
}

// WriteSeries writes the points of one series in one request.
func (c *Client) WriteSeries(ctx context.Context, series string, points []history.Point) error {
	if len(points) == 0 {
		return nil
	}
	return c.write(ctx, lineprotocol.EncodeSeries(series, points))
}

// WritePoint writes a single point.
func (c *Client) WritePoint(ctx context.Context, series string, point history.Point) error {
	return c.write(ctx, lineprotocol.Encode(series, point))
}

// write POSTs line protocol to /write.
//
// A 204 response means every line was stored. Anything else is decoded
// and classified by lineprotocol.ClassifyWriteError.
func (c *Client) write(ctx context.Context, body string) error {
	params := url.Values{}
	params.Set("db", c.database)
	params.Set("precision", "ms")
	if c.rp != "" {
		params.Set("rp", c.rp)
	}

	resp, err := c.do(ctx, http.MethodPost, "/write", params, strings.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return lineprotocol.ClassifyWriteError(resp.StatusCode, errorMessage(raw))
}

// errorMessage extracts {"error": "..."} from a response body, falling
// back to the raw text.
func errorMessage(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "empty response"
	}
	return msg
}

// writeFailure formats a non-write HTTP failure.
func writeFailure(status int, raw []byte) error {
	return fmt.Errorf("%w: HTTP %d: %s", ErrQueryFailed, status, errorMessage(raw))
}
