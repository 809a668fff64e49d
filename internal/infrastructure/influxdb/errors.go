package influxdb

import "errors"

// Sentinel errors for InfluxDB operations.
//
// Write failures are classified into the history error taxonomy instead
// (history.ErrUnavailable, *history.ConflictError, history.ErrPartialWrite).
var (
	// ErrNotConnected indicates the server did not answer the last ping.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)
