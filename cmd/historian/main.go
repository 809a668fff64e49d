// Gray Logic Historian
//
// This is the main entry point of the historian service. It subscribes to
// datapoint state changes on MQTT, applies the per-datapoint logging
// policies and stores the accepted values in a time-series database.
// History queries and policy management are served over MQTT request
// topics and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-historian/internal/api"
	"github.com/nerrad567/gray-logic-historian/internal/audit"
	"github.com/nerrad567/gray-logic-historian/internal/command"
	"github.com/nerrad567/gray-logic-historian/internal/history"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/tsdb"
	"github.com/nerrad567/gray-logic-historian/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// ensureRetryInterval is how often database setup is retried while the
// backend is unreachable.
const ensureRetryInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// managedBackend is a history backend with a health probe.
type managedBackend interface {
	history.Backend
	HealthCheck(ctx context.Context) error
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Historian",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Policy store
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Time-series backend
	backend, dbName, err := newBackend(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing history backend")
		if closeErr := backend.Close(); closeErr != nil {
			log.Error("error closing history backend", "error", closeErr)
		}
	}()
	if connErr := backend.Connect(ctx); connErr != nil {
		log.Warn("history backend not reachable, points will be buffered", "error", connErr)
	}

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"topic_prefix", cfg.MQTT.TopicPrefix,
	)

	// History pipeline and query engine
	var transport *command.MQTTTransport
	pipeline := history.NewPipeline(backend, history.NewSQLitePolicyRepository(db.DB), history.Settings{
		SeriesBufferMax: cfg.History.SeriesBufferMax,
		FlushInterval:   cfg.GetFlushInterval(),
		BackendTimeout:  cfg.GetBackendTimeout(),
		RelogFrom:       cfg.History.RelogFrom,
		SnapshotPath:    cfg.History.BufferFile,
	},
		history.WithLogger(log.Component("history")),
		history.WithLiveStates(history.NewStateCache(time.Duration(cfg.History.StateCacheTTL)*time.Second)),
		history.WithStatusHandler(func(st history.Status) {
			transport.PublishStatus(st)
		}),
	)
	queries := history.NewQueryEngine(history.QueryEngineConfig{
		Backend:  backend,
		Resolver: pipeline,
		Observer: pipeline,
		Logger:   log.Component("query"),
		Limit:    cfg.History.Limit,
		Round:    cfg.History.Round,
	})

	auditRepo := audit.NewSQLiteRepository(db.DB)
	dispatcher := command.NewDispatcher(pipeline, queries, log.Component("command"))
	dispatcher.SetRecorder(auditRepo)
	transport = command.NewMQTTTransport(mqttClient, dispatcher, pipeline, byte(cfg.MQTT.QoS), log.Component("transport"))

	// HTTP API
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log,
			Dispatcher: dispatcher,
			Checks: []api.HealthCheck{
				{Name: "database", Check: db.HealthCheck},
				{Name: "mqtt", Check: mqttClient.HealthCheck},
				{Name: "backend", Check: backend.HealthCheck},
			},
			Audit:   auditRepo,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(gctx)
	})
	g.Go(func() error {
		return transport.Run(gctx)
	})
	g.Go(func() error {
		ensureDatabase(gctx, backend, dbName, cfg.GetRetention(), log)
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("historian stopped: %w", err)
	}

	// Deferred Close() calls run in reverse order:
	// API server, MQTT, history backend, database.
	log.Info("Gray Logic Historian stopped")
	return nil
}

// newBackend builds the configured time-series adapter and returns it with
// the name of the database (or bucket) it writes to.
func newBackend(cfg *config.Config, log *logging.Logger) (managedBackend, string, error) {
	switch cfg.History.Backend {
	case config.BackendInfluxDB:
		client := influxdb.New(cfg.InfluxDB)
		client.SetOnError(func(err error) {
			log.Warn("InfluxDB health probe failed", "error", err)
		})
		log.Info("using InfluxDB backend",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		return client, cfg.InfluxDB.Bucket, nil
	case config.BackendTSDB:
		client, err := tsdb.New(cfg.TSDB)
		if err != nil {
			return nil, "", fmt.Errorf("creating tsdb client: %w", err)
		}
		client.SetOnHostChange(func(url string, available bool) {
			log.Info("tsdb host availability changed", "host", url, "available", available)
		})
		log.Info("using tsdb backend",
			"hosts", cfg.TSDB.Hosts,
			"database", cfg.TSDB.Database,
		)
		return client, cfg.TSDB.Database, nil
	default:
		return nil, "", fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}

// ensureDatabase creates the target database and applies retention, retrying
// until it succeeds or ctx is cancelled.
func ensureDatabase(ctx context.Context, backend history.Backend, name string, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(ensureRetryInterval)
	defer ticker.Stop()

	for {
		err := history.EnsureDatabase(ctx, backend, name, retention)
		if err == nil {
			log.Info("history database ready", "database", name, "retention", retention)
			return
		}
		log.Warn("preparing history database failed, will retry",
			"database", name,
			"error", err,
			"retry_in", ensureRetryInterval,
		)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses HISTORIAN_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HISTORIAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
