// Package influxdb is the history backend for InfluxDB 2.x.
//
// It wraps the official influxdb-client-go v2 library: points go through
// the blocking write API, queries are Flux and databases map onto buckets
// of the configured organization.
//
// # Usage
//
//	client := influxdb.New(cfg.InfluxDB)
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Warn("influxdb not reachable yet", "error", err)
//	}
//
// # Storage Layout
//
// Every series is a measurement with fields value, ack, q and from.
// Min/max downsampling runs server side as a union of two aggregateWindow
// passes.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
