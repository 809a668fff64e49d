// Package api implements the HTTP API of the historian.
//
// This package provides:
//   - POST /api/v1/history/{command} running any history command with the
//     request body as its message
//   - GET /api/v1/history listing the supported commands
//   - GET /api/v1/health aggregating component health checks
//   - Prometheus metrics on the configured metrics path
//   - Middleware stack (request ID, logging, recovery, metrics, CORS, body limit)
//
// # Architecture
//
// The API is a second transport next to the MQTT request topics. Both hand
// the command name and raw message to the same command.Dispatcher, so a
// command behaves identically whichever way it arrives.
//
// # Errors
//
// Command errors map onto HTTP statuses: unknown commands and untracked
// datapoints are 404, malformed payloads and invalid policies or queries are
// 400, and an unavailable backend or stopped pipeline is 503.
package api
