// Package logging builds the historian's slog logger.
//
// Every entry carries service=historian and the build version. Each
// subsystem logs through a child from Component, so pipeline, transport,
// backend and API output can be filtered by the "component" attribute.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json or text
//	  output: "stdout"   # stdout or stderr
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("history").Info("buffer flushed", "points", n)
//
// Tokens and passwords must never be passed as attributes.
package logging
