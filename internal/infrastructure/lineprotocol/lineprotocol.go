// Package lineprotocol encodes history points as InfluxDB line protocol and
// classifies the write errors InfluxDB returns for them.
//
// Every point becomes one line on a measurement named after its series:
//
//	sensor.temp value=21.5,ack=true,q=0i,from="knx" 1700000000000
//
// Timestamps are epoch milliseconds; writers must send precision=ms.
package lineprotocol

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-historian/internal/history"
)

// Encode formats one point.
func Encode(series string, pt history.Point) string {
	var b strings.Builder
	writeLine(&b, series, pt)
	return b.String()
}

// EncodeSeries formats the points of one series, newline separated.
func EncodeSeries(series string, points []history.Point) string {
	var b strings.Builder
	for i, pt := range points {
		if i > 0 {
			b.WriteByte('\n')
		}
		writeLine(&b, series, pt)
	}
	return b.String()
}

// EncodeBatch formats a whole batch with series in sorted order.
func EncodeBatch(batch map[string][]history.Point) string {
	var b strings.Builder
	first := true
	for _, series := range sortedKeys(batch) {
		for _, pt := range batch[series] {
			if !first {
				b.WriteByte('\n')
			}
			first = false
			writeLine(&b, series, pt)
		}
	}
	return b.String()
}

func writeLine(b *strings.Builder, series string, pt history.Point) {
	b.WriteString(EscapeMeasurement(series))
	b.WriteString(" value=")
	b.WriteString(FormatValue(pt.Value))
	b.WriteString(",ack=")
	b.WriteString(strconv.FormatBool(pt.Ack))
	b.WriteString(",q=")
	b.WriteString(strconv.Itoa(pt.Q))
	b.WriteByte('i')
	if pt.From != "" {
		b.WriteString(",from=")
		b.WriteString(quoteString(pt.From))
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(pt.Time, 10))
}

// FormatValue renders a field value. Floats are written without an integer
// suffix so numeric series always store floats.
func FormatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case string:
		return quoteString(val)
	default:
		return quoteString(fmt.Sprint(val))
	}
}

// quoteString quotes a string field value.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}

// EscapeMeasurement escapes special characters in measurement names.
// Newlines are stripped to prevent line protocol injection.
func EscapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, " ", "\\ ")
	s = strings.ReplaceAll(s, ",", "\\,")
	return s
}

func sortedKeys(batch map[string][]history.Point) []string {
	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// conflictPattern matches InfluxDB 1.x and 2.x field type conflict messages.
var conflictPattern = regexp.MustCompile(
	`input field "[^"]*" on measurement "((?:[^"\\]|\\.)*)" is type (\w+), already exists as type (\w+)`)

// ClassifyWriteError maps a failed write response to the history error
// taxonomy: a *history.ConflictError for field type conflicts, a wrapped
// history.ErrPartialWrite for other partial writes and a wrapped
// history.ErrUnavailable for server-side transient failures.
func ClassifyWriteError(status int, message string) error {
	if m := conflictPattern.FindStringSubmatch(message); m != nil {
		return &history.ConflictError{
			Series:    strings.ReplaceAll(m[1], `\"`, `"`),
			Submitted: normalizeFieldType(m[2]),
			Existing:  normalizeFieldType(m[3]),
		}
	}
	if strings.Contains(message, "partial write") {
		return fmt.Errorf("%w: %s", history.ErrPartialWrite, message)
	}
	switch {
	case status >= http.StatusInternalServerError,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", history.ErrUnavailable, status, message)
	}
	return fmt.Errorf("write rejected: HTTP %d: %s", status, message)
}

func normalizeFieldType(s string) history.FieldType {
	switch strings.ToLower(s) {
	case "bool", "boolean":
		return history.FieldBoolean
	case "float":
		return history.FieldFloat
	case "integer", "int", "unsigned":
		return history.FieldInteger
	default:
		return history.FieldString
	}
}
