package tsdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-historian/internal/history"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/config"
)

// Default timeouts for TSDB operations.
const (
	defaultRequestTimeout = 10 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	defaultHealthInterval = 15 * time.Second

	// maxResponseSize caps query response bodies.
	maxResponseSize = 10 << 20 // 10 MB
)

// host is one configured server.
type host struct {
	url       string
	available atomic.Bool
}

// Client talks to InfluxDB 1.x compatible servers over the HTTP API.
//
// Several hosts may be configured. A background loop pings every host and
// requests go to the first one that answered; AvailableHosts reports how
// many did.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	hosts      []*host
	database   string
	rp         string
	username   string
	password   string
	httpClient *http.Client
	interval   time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// onHostChange is called when a host becomes reachable or unreachable.
	onHostChange func(url string, available bool)
	mu           sync.RWMutex
}

var _ history.Backend = (*Client)(nil)

// New creates a client for the configured hosts. No request is made until
// Connect is called.
func New(cfg config.TSDBConfig) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	interval := time.Duration(cfg.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	c := &Client{
		database:   cfg.Database,
		rp:         cfg.RetentionPolicy,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		interval:   interval,
		done:       make(chan struct{}),
	}
	for _, raw := range cfg.Hosts {
		u := strings.TrimRight(strings.TrimSpace(raw), "/")
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("tsdb: invalid host %q: %w", raw, err)
		}
		c.hosts = append(c.hosts, &host{url: u})
	}
	return c, nil
}

// SetOnHostChange sets a callback invoked when a host's availability changes.
func (c *Client) SetOnHostChange(callback func(url string, available bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHostChange = callback
}

// Connect probes every host once and starts the background health loop.
//
// It returns ErrConnectionFailed when no host answered; the health loop
// keeps running so a later recovery is picked up.
func (c *Client) Connect(ctx context.Context) error {
	c.probeAll(ctx)
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.healthLoop()
	})
	if c.AvailableHosts() == 0 {
		return fmt.Errorf("%w: no host answered /ping", ErrConnectionFailed)
	}
	return nil
}

// healthLoop re-probes all hosts until Close.
func (c *Client) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultHealthTimeout)
			c.probeAll(ctx)
			cancel()
		case <-c.done:
			return
		}
	}
}

func (c *Client) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range c.hosts {
		wg.Add(1)
		go func(h *host) {
			defer wg.Done()
			c.setAvailable(h, c.ping(ctx, h) == nil)
		}(h)
	}
	wg.Wait()
}

// ping checks one host via GET /ping.
func (c *Client) ping(ctx context.Context, h *host) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url+"/ping", nil)
	if err != nil {
		return fmt.Errorf("tsdb ping: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tsdb ping: %w", err)
	}
	defer resp.Body.Close()
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tsdb ping: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setAvailable(h *host, up bool) {
	if h.available.Swap(up) == up {
		return
	}
	c.mu.RLock()
	callback := c.onHostChange
	c.mu.RUnlock()
	if callback != nil {
		callback(h.url, up)
	}
}

// HealthCheck pings all hosts and fails when none is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.probeAll(ctx)
	if c.AvailableHosts() == 0 {
		return ErrNotConnected
	}
	return nil
}

// AvailableHosts returns the number of hosts that answered the last probe.
func (c *Client) AvailableHosts() int {
	n := 0
	for _, h := range c.hosts {
		if h.available.Load() {
			n++
		}
	}
	return n
}

// Capabilities reports that InfluxQL has no combined min/max aggregate.
func (c *Client) Capabilities() history.Capabilities {
	return history.Capabilities{ServerSideMinMax: false}
}

// Close stops the health loop.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		for _, h := range c.hosts {
			h.available.Store(false)
		}
	})
	return nil
}

// pick returns the first available host.
func (c *Client) pick() (*host, error) {
	for _, h := range c.hosts {
		if h.available.Load() {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", history.ErrUnavailable, ErrNotConnected)
}

// do sends a request to the first available host. Transport failures mark
// the host unavailable and are reported as history.ErrUnavailable.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Response, error) {
	h, err := c.pick()
	if err != nil {
		return nil, err
	}

	endpoint := h.url + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setAvailable(h, false)
		return nil, fmt.Errorf("%w: %s: %w", history.ErrUnavailable, h.url, err)
	}
	return resp, nil
}
