// Package broker implements BrokerStats: a client for the AMQP broker's
// HTTP management API, used only to read queue depth. The controller never
// speaks the AMQP wire protocol itself.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrTransient wraps network and non-2xx failures talking to the broker
// admin API; callers treat it as retryable on the next tick.
var ErrTransient = errors.New("broker: transient failure")

// ErrIncompatibleBackend is returned by ValidateURL when BROKER_URL does
// not carry the amqp scheme. The controller only ever reads queue depth
// over the admin HTTP API, but the broker itself must still be an AMQP
// broker; anything else is a fatal startup condition, not a degraded mode.
var ErrIncompatibleBackend = errors.New("broker: incompatible backend, amqp scheme required")

// ValidateURL checks that rawURL carries the amqp scheme. Callers treat a
// non-nil error as fatal at startup.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleBackend, err)
	}
	if u.Scheme != "amqp" {
		return fmt.Errorf("%w: scheme %q", ErrIncompatibleBackend, u.Scheme)
	}
	return nil
}

// Stats reports pending-message depth for named queues.
type Stats interface {
	// Depth returns the count of unacknowledged, ready-to-deliver messages
	// on queueName at the time of the call.
	Depth(ctx context.Context, queueName string) (int, error)
}

// Config holds the admin HTTP endpoint and credentials used to reach the
// broker's management API.
type Config struct {
	Host    string
	Port    int
	User    string
	Pass    string
	VHost   string
	Timeout time.Duration
}

// HTTPStats talks to the broker's admin API:
// GET /queues/{vhost}/{queue} -> {"messages": N, ...}.
type HTTPStats struct {
	cfg    Config
	client *http.Client
}

// NewHTTPStats builds an HTTPStats client from cfg, defaulting Timeout to
// 5s when unset.
func NewHTTPStats(cfg Config) *HTTPStats {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStats{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type queueResponse struct {
	Messages int `json:"messages"`
}

// Depth implements Stats by calling GET /queues/{vhost}/{queue}.
func (h *HTTPStats) Depth(ctx context.Context, queueName string) (int, error) {
	vhost := h.cfg.VHost
	if vhost == "" {
		vhost = "/"
	}

	endpoint := fmt.Sprintf("http://%s:%d/queues/%s/%s",
		h.cfg.Host, h.cfg.Port, url.PathEscape(vhost), url.PathEscape(queueName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build queue depth request: %w", err)
	}
	if h.cfg.User != "" {
		req.SetBasicAuth(h.cfg.User, h.cfg.Pass)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: queue depth request returned %s", ErrTransient, resp.Status)
	}

	var body queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode queue depth response: %v", ErrTransient, err)
	}
	if body.Messages < 0 {
		return 0, fmt.Errorf("%w: negative message count %d", ErrTransient, body.Messages)
	}
	return body.Messages, nil
}
