// Package discovery locates a running relay by probing candidate ports.
// Clients never assume a fixed port: the relay may have reserved any entry
// in the candidate list at startup.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatrelay/chatrelay/internal/logging"
)

// ErrNoServerFound is returned when every candidate port fails its probe.
var ErrNoServerFound = errors.New("no relay server found")

const (
	// DefaultProbeTimeout bounds a single health probe. Probes hit
	// localhost; anything slower than this is not our server.
	DefaultProbeTimeout = 500 * time.Millisecond

	healthPath = "/api/health"
)

// DefaultCandidatePorts is the probe order. The list is intentionally not
// sorted: the first entry is where a relay that lost its preferred port
// most likely landed.
func DefaultCandidatePorts() []int {
	return []int{60886, 60885, 60887, 60888}
}

// Resolver finds and remembers the relay's base URL.
type Resolver struct {
	candidatePorts []int
	probeTimeout   time.Duration
	httpClient     *http.Client
	host           string

	mu     sync.Mutex
	cached string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCandidatePorts overrides the probe order.
func WithCandidatePorts(ports []int) Option {
	return func(r *Resolver) {
		if len(ports) > 0 {
			r.candidatePorts = append([]int(nil), ports...)
		}
	}
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithHost overrides the probe host (default 127.0.0.1).
func WithHost(host string) Option {
	return func(r *Resolver) {
		if host != "" {
			r.host = host
		}
	}
}

// NewResolver creates a resolver with the default candidate list.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		candidatePorts: DefaultCandidatePorts(),
		probeTimeout:   DefaultProbeTimeout,
		host:           "127.0.0.1",
	}
	for _, opt := range opts {
		opt(r)
	}
	r.httpClient = &http.Client{Timeout: r.probeTimeout}
	return r
}

// ResolveBaseURL returns the relay's base URL. A cached result is returned
// without any network traffic; otherwise candidates are probed in order and
// the first healthy one wins.
func (r *Resolver) ResolveBaseURL(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.cached != "" {
		url := r.cached
		r.mu.Unlock()
		return url, nil
	}
	r.mu.Unlock()

	for _, port := range r.candidatePorts {
		baseURL := fmt.Sprintf("http://%s:%d", r.host, port)
		if err := r.CheckHealth(ctx, baseURL); err != nil {
			logging.Debug().Int("port", port).Err(err).Msg("probe failed")
			continue
		}

		logging.Debug().Int("port", port).Msg("relay found")
		r.mu.Lock()
		r.cached = baseURL
		r.mu.Unlock()
		return baseURL, nil
	}

	return "", fmt.Errorf("%w: probed ports %v", ErrNoServerFound, r.candidatePorts)
}

// ResolveWithRetry keeps probing the full candidate list under exponential
// backoff until a relay appears or ctx is done. For callers that start
// before the relay does.
func (r *Resolver) ResolveWithRetry(ctx context.Context) (string, error) {
	var baseURL string
	operation := func() error {
		url, err := r.ResolveBaseURL(ctx)
		if err != nil {
			return err
		}
		baseURL = url
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return baseURL, nil
}

// Invalidate forgets the cached base URL. Callers invoke this on any request
// failure so the next resolve re-probes; the relay may have restarted on a
// different port.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" {
		logging.Debug().Str("baseURL", r.cached).Msg("discovery cache invalidated")
		r.cached = ""
	}
}

// Cached returns the cached base URL, empty when unresolved.
func (r *Resolver) Cached() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

// CheckHealth probes baseURL's health endpoint. Any process can be listening
// on a candidate port, so the body is verified, not just the status code.
func (r *Resolver) CheckHealth(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+healthPath, nil)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("health body: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", body.Status)
	}
	return nil
}
