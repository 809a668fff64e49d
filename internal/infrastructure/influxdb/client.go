package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-historian/internal/history"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/config"
)

// Default timeouts for InfluxDB operations.
const (
	defaultRequestTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultHealthInterval = 15 * time.Second
)

// Client is the history backend for InfluxDB 2.x.
//
// Writes go through the blocking write API so every failure can be
// classified by the caller. Queries are Flux.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	cfg      config.InfluxDBConfig

	available atomic.Bool
	interval  time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// onError is called when a health probe fails.
	onError func(err error)
	mu      sync.RWMutex
}

var _ history.Backend = (*Client)(nil)

// New creates a client. No request is made until Connect is called.
func New(cfg config.InfluxDBConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	// #nosec G115 -- timeout validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(timeout/time.Second)),
	)

	return &Client{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		cfg:      cfg,
		interval: defaultHealthInterval,
		done:     make(chan struct{}),
	}
}

// Connect pings the server and starts the background health loop.
//
// It returns ErrConnectionFailed when the server is not reachable; the
// health loop keeps running so a later recovery is picked up.
func (c *Client) Connect(ctx context.Context) error {
	err := c.ping(ctx)
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.healthLoop()
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (c *Client) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
			if err := c.ping(ctx); err != nil {
				c.reportError(err)
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

// ping checks the server and records the outcome.
func (c *Client) ping(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		c.available.Store(false)
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		c.available.Store(false)
		return fmt.Errorf("server not healthy")
	}
	c.available.Store(true)
	return nil
}

func (c *Client) reportError(err error) {
	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// SetOnError sets a callback invoked when a background health probe fails.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// HealthCheck verifies the server is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.ping(ctx); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// AvailableHosts returns 1 when the last probe succeeded, otherwise 0.
func (c *Client) AvailableHosts() int {
	if c.available.Load() {
		return 1
	}
	return 0
}

// Capabilities reports that min/max buckets are computed by Flux.
func (c *Client) Capabilities() history.Capabilities {
	return history.Capabilities{ServerSideMinMax: true}
}

// Close stops the health loop and closes the underlying client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.available.Store(false)
		c.client.Close()
	})
	return nil
}
