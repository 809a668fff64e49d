// Package config loads the historian configuration.
//
// Load starts from built-in defaults, applies the YAML file, then
// HISTORIAN_* environment variables, and finally validates the result. All
// validation problems are reported together in one error.
//
// The history section selects the time-series backend ("influxdb" for the
// 2.x API, "tsdb" for 1.x-compatible hosts) and tunes buffering, flushing
// and query defaults. Only the section matching the chosen backend is
// validated.
//
// Secrets such as HISTORIAN_INFLUXDB_TOKEN belong in the environment rather
// than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
