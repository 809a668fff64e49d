package tsdb

import "errors"

// Sentinel errors for time-series database operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, tsdb.ErrNotConnected) {
//	    // Handle disconnected state
//	}
//
// Write failures are classified into the history error taxonomy instead
// (history.ErrUnavailable, *history.ConflictError, history.ErrPartialWrite).
var (
	// ErrNotConnected indicates no configured host is reachable.
	ErrNotConnected = errors.New("tsdb: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("tsdb: connection failed")

	// ErrNoHosts indicates the configuration lists no hosts.
	ErrNoHosts = errors.New("tsdb: no hosts configured")

	// ErrQueryFailed indicates the server rejected a query.
	ErrQueryFailed = errors.New("tsdb: query failed")
)
