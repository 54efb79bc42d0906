// Package nodepool maintains live health status for a pool of chain
// node endpoints. A single background loop probes every endpoint in
// pool order, racing each probe against a fixed timeout, and adapts its
// polling interval geometrically between sweeps. Endpoint status cells
// are single-writer (the loop) and multi-reader (snapshots).
package nodepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tezmeta/tezmeta-go/internal/config"
	errordefs "github.com/tezmeta/tezmeta-go/internal/errors"
	"github.com/tezmeta/tezmeta-go/internal/event"
	"github.com/tezmeta/tezmeta-go/internal/metrics"
	"github.com/tezmeta/tezmeta-go/internal/model"
	"github.com/tezmeta/tezmeta-go/internal/rpc"
)

// Polling policy. The interval starts at 10 seconds and grows by a
// factor of 1.4 after each full sweep, capped at 90 seconds. Every
// probe races a 5-second timeout; the loser is abandoned, not
// force-terminated.
const (
	DefaultProbeTimeout = 5 * time.Second
	initialInterval     = 10 * time.Second
	maxInterval         = 90 * time.Second
	intervalGrowth      = 1.4
)

// State is the health state of an endpoint.
type State int

const (
	StateUninitialized State = iota
	StateNonResponsive
	StateReady
)

// String renders the state for display and event payloads.
func (s State) String() string {
	switch s {
	case StateNonResponsive:
		return "non-responsive"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Status is one timestamped health observation. Every probe outcome
// overwrites the previous status whole; there is no retry sub-state.
type Status struct {
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`        // Failure detail for non-responsive
	ChainMetadata string    `json:"chainMetadata,omitempty"` // Raw head-metadata JSON for ready
	CheckedAt     time.Time `json:"checkedAt"`
}

// Endpoint is one chain node known to the pool. Endpoints are created
// at startup and never destroyed; only the polling loop mutates the
// status cell.
type Endpoint struct {
	Name string
	URL  string

	mu     sync.RWMutex
	status Status
}

// Status returns a snapshot of the endpoint's latest health
// observation. Readers never hold a live reference into the cell.
func (e *Endpoint) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// setStatus atomically overwrites status and timestamp. Only the
// polling loop calls this.
func (e *Endpoint) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Pool holds the ordered endpoint set and drives the polling loop.
// Order is display and probe order, not priority.
type Pool struct {
	endpoints []*Endpoint
	rpc       *rpc.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pub       event.Publisher

	probeTimeout time.Duration

	mu      sync.Mutex
	started bool
	wake    chan struct{}
}

// New creates a pool over the configured nodes. The publisher may be
// nil when event streaming is not wired.
func New(nodes []config.Node, client *rpc.Client, logger *slog.Logger, pub event.Publisher, m *metrics.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := make([]*Endpoint, len(nodes))
	for i, n := range nodes {
		endpoints[i] = &Endpoint{Name: n.Name, URL: n.URL}
	}
	return &Pool{
		endpoints:    endpoints,
		rpc:          client,
		logger:       logger,
		metrics:      m,
		pub:          pub,
		probeTimeout: DefaultProbeTimeout,
		wake:         make(chan struct{}, 1),
	}
}

// Endpoints returns the pool's endpoints in pool order.
func (p *Pool) Endpoints() []*Endpoint {
	return p.endpoints
}

// EnsureStarted starts the polling loop if it is not already running.
// It is safe to call any number of times; only the first call starts
// the loop. The loop runs until ctx is cancelled.
func (p *Pool) EnsureStarted(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.run(ctx)
}

// Wake cuts the current inter-sweep sleep short so the next sweep
// starts immediately. It does not reset the interval growth.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run is the polling loop: sweep, sleep min(interval, wake), grow the
// interval, repeat until shutdown.
func (p *Pool) run(ctx context.Context) {
	interval := initialInterval
	for {
		p.sweep(ctx)

		if p.metrics != nil {
			p.metrics.PollInterval.Set(interval.Seconds())
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-p.wake:
			timer.Stop()
		}
		interval = NextInterval(interval)
	}
}

// sweep probes every endpoint in pool order. Probes run sequentially,
// each gated by its own timeout, so a slow endpoint delays the sweep by
// at most the probe timeout.
func (p *Pool) sweep(ctx context.Context) {
	for _, ep := range p.endpoints {
		if ctx.Err() != nil {
			return
		}
		previous := ep.Status()
		status := p.probe(ctx, ep)
		ep.setStatus(status)
		p.observe(ctx, ep, previous, status)
	}
}

// probe performs one liveness check against an endpoint and maps every
// possible outcome onto a new status.
func (p *Pool) probe(ctx context.Context, ep *Endpoint) Status {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	start := time.Now()
	body, err := p.rpc.HeadMetadata(probeCtx, ep.URL)
	checkedAt := time.Now().UTC()

	var status Status
	switch {
	case err == nil:
		status = Status{State: StateReady, ChainMetadata: body, CheckedAt: checkedAt}
	case errors.Is(err, context.DeadlineExceeded):
		status = Status{
			State:     StateNonResponsive,
			Reason:    fmt.Sprintf("Time-out after %s", p.probeTimeout),
			CheckedAt: checkedAt,
		}
	default:
		var statusErr *rpc.StatusError
		if errors.As(err, &statusErr) {
			status = Status{
				State:     StateNonResponsive,
				Reason:    fmt.Sprintf("HTTP status: %s", statusErr.Status),
				CheckedAt: checkedAt,
			}
		} else {
			status = Status{
				State:     StateNonResponsive,
				Reason:    fmt.Sprintf("Error: %v", err),
				CheckedAt: checkedAt,
			}
		}
	}

	if p.metrics != nil {
		p.metrics.NodeProbeTotal.WithLabelValues(ep.Name, status.State.String()).Inc()
		p.metrics.NodeProbeDuration.WithLabelValues(ep.Name, status.State.String()).Observe(time.Since(start).Seconds())
	}
	return status
}

// observe logs and publishes a probe outcome. Probe failures are data,
// never raised errors; a broken publisher must not disrupt polling
// either, so publish errors are only logged.
func (p *Pool) observe(ctx context.Context, ep *Endpoint, previous, status Status) {
	if status.State == previous.State && status.Reason == previous.Reason {
		return
	}
	p.logger.Info("node status changed",
		"node", ep.Name,
		"from", previous.State.String(),
		"to", status.State.String(),
		"reason", status.Reason,
	)
	if p.pub == nil {
		return
	}
	change := model.NodeStatusChange{
		Node:   ep.Name,
		URL:    ep.URL,
		From:   previous.State.String(),
		To:     status.State.String(),
		Reason: status.Reason,
		At:     status.CheckedAt,
	}
	if err := p.pub.PublishNodeStatusChanged(ctx, change); err != nil {
		p.logger.Warn("node status event publish failed", "node", ep.Name, "error", err)
	}
}

// NextInterval grows the polling interval geometrically up to the cap.
func NextInterval(current time.Duration) time.Duration {
	grown := time.Duration(math.Round(float64(current) * intervalGrowth))
	if grown > maxInterval {
		return maxInterval
	}
	return grown
}

// FindNodeWithContract probes nodes in pool order with a direct
// storage read and returns the first endpoint that knows the contract.
// Cached health status is deliberately not consulted, and endpoint
// status is not mutated.
func (p *Pool) FindNodeWithContract(ctx context.Context, address string) (*Endpoint, error) {
	for _, ep := range p.endpoints {
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		_, err := p.rpc.GetStorage(probeCtx, ep.URL, address)
		cancel()
		if err == nil {
			p.logger.Debug("contract located", "node", ep.Name, "address", address)
			return ep, nil
		}
		p.logger.Debug("contract probe failed", "node", ep.Name, "address", address, "error", err)
	}
	return nil, errordefs.Newf(errordefs.TZM_NO_NODE_KNOWS_CONTRACT,
		"no configured node knows contract %s", address)
}
