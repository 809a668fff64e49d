// Package tsdb is the history backend for InfluxDB 1.x compatible servers.
//
// It writes InfluxDB line protocol to /write and reads with InfluxQL over
// /query. Only net/http is used on the wire; encoding and write error
// classification live in the lineprotocol package.
//
// # Hosts
//
// Several hosts may be configured. Each is probed with GET /ping at
// startup and every health_check_interval seconds afterwards. Requests go
// to the first reachable host; a transport failure marks that host down
// until the next successful probe.
//
// # Usage
//
//	client, err := tsdb.New(cfg.TSDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Warn("tsdb not reachable yet", "error", err)
//	}
//
// # Storage Layout
//
// Every series is a measurement with fields value, ack, q and from.
// Timestamps use millisecond precision.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package tsdb
