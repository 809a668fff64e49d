// Package command implements the historian's command surface.
//
// A Dispatcher decodes a named command with a JSON payload, runs it against
// the pipeline or the query engine and returns a JSON-encodable response.
// It has no transport of its own: the MQTT request/response transport in
// this package and the HTTP API both feed it.
//
// Commands:
//
//	query                  {message}
//	getHistory             {id, options}
//	enableHistory          {id, options}
//	disableHistory         {id}
//	getEnabledDPs          {}
//	storeState             {id, state} | {id, state: [...]} | {state: [{id, state}]}, optional rules
//	getConflictingPoints   {}
//	resetConflictingPoints {}
//	flushBuffer            {}
//
// Failures are returned as errors; transports render them as {"error": "..."}.
package command
