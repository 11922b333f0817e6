package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/messaging"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds requests issued without an explicit timeout
	DefaultTimeout = 30 * time.Second
	// DefaultMaxPendingRequests bounds the pending request table
	DefaultMaxPendingRequests = 1000
)

// SendFunc publishes a request stamped with the correlation token
type SendFunc func(ctx context.Context, token string) error

// PendingRequest represents a request waiting for its response
type PendingRequest struct {
	Token    string
	Deadline time.Time
	result   chan outcome
}

type outcome struct {
	envelope *contracts.Envelope
	err      error
}

// Correlator turns asynchronous responses into a bounded synchronous call.
// Each pending request is resolved exactly once: by its response, by its
// deadline, by context cancellation or by Close.
type Correlator struct {
	pending        map[string]*PendingRequest
	mu             sync.Mutex
	closed         bool
	defaultTimeout time.Duration
	maxPending     int
	metrics        messaging.MetricsCollector
	logger         *slog.Logger
}

// CorrelatorOption configures the correlator
type CorrelatorOption func(*CorrelatorConfig)

// CorrelatorConfig holds configuration for the correlator
type CorrelatorConfig struct {
	DefaultTimeout     time.Duration
	MaxPendingRequests int
	Metrics            messaging.MetricsCollector
	Logger             *slog.Logger
}

// WithDefaultTimeout sets the timeout used when a request passes none
func WithDefaultTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.MaxPendingRequests = max
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.Metrics = metrics
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.Logger = logger
	}
}

// NewCorrelator creates a new correlator
func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	config := &CorrelatorConfig{
		DefaultTimeout:     DefaultTimeout,
		MaxPendingRequests: DefaultMaxPendingRequests,
		Metrics:            messaging.NoOpMetricsCollector{},
		Logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	if config.Metrics == nil {
		config.Metrics = messaging.NoOpMetricsCollector{}
	}

	return &Correlator{
		pending:        make(map[string]*PendingRequest),
		defaultTimeout: config.DefaultTimeout,
		maxPending:     config.MaxPendingRequests,
		metrics:        config.Metrics,
		logger:         config.Logger,
	}
}

// Execute registers a pending request, sends it and waits for the outcome.
// A timeout <= 0 selects the default timeout.
func (c *Correlator) Execute(ctx context.Context, send SendFunc, timeout time.Duration) (*contracts.Envelope, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	start := time.Now()

	token := uuid.New().String()
	req, err := c.register(token, start.Add(timeout))
	if err != nil {
		c.metrics.RecordRequest(outcomeOf(err), 0)
		return nil, err
	}

	if err := send(ctx, token); err != nil {
		c.remove(token)
		c.metrics.RecordRequest(messaging.OutcomeError, time.Since(start))
		return nil, err
	}

	env, err := c.wait(ctx, req, timeout)
	c.metrics.RecordRequest(outcomeOf(err), time.Since(start))
	return env, err
}

func (c *Correlator) wait(ctx context.Context, req *PendingRequest, timeout time.Duration) (*contracts.Envelope, error) {
	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()

	select {
	case out := <-req.result:
		return out.envelope, out.err

	case <-timer.C:
		if c.remove(req.Token) {
			c.logger.Debug("request timed out", "correlationId", req.Token, "timeout", timeout)
			return nil, &messaging.TimeoutError{Token: req.Token, Timeout: timeout}
		}

	case <-ctx.Done():
		if c.remove(req.Token) {
			return nil, ctx.Err()
		}
	}

	// Resolved concurrently; the value is already in the slot.
	out := <-req.result
	return out.envelope, out.err
}

// Resolve delivers a response to the request waiting on token.
// It reports false for unknown tokens: late and duplicate responses.
func (c *Correlator) Resolve(token string, env *contracts.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[token]
	if !ok {
		return false
	}
	delete(c.pending, token)
	req.result <- outcome{envelope: env}
	c.metrics.SetPendingRequests(len(c.pending))
	return true
}

// IsPending reports whether a request with token is outstanding
func (c *Correlator) IsPending(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[token]
	return ok
}

// Pending returns the number of outstanding requests
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding request with messaging.ErrClosed and
// rejects new ones. It is safe to call more than once.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for token, req := range c.pending {
		delete(c.pending, token)
		req.result <- outcome{err: messaging.ErrClosed}
	}
	c.metrics.SetPendingRequests(0)
}

func (c *Correlator) register(token string, deadline time.Time) (*PendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, messaging.ErrClosed
	}
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		return nil, messaging.ErrTooManyPendingRequests
	}

	req := &PendingRequest{
		Token:    token,
		Deadline: deadline,
		result:   make(chan outcome, 1),
	}
	c.pending[token] = req
	c.metrics.SetPendingRequests(len(c.pending))
	return req, nil
}

// remove reports whether the entry was still pending
func (c *Correlator) remove(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[token]; !ok {
		return false
	}
	delete(c.pending, token)
	c.metrics.SetPendingRequests(len(c.pending))
	return true
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return messaging.OutcomeSuccess
	case messaging.IsTimeout(err):
		return messaging.OutcomeTimeout
	case messaging.IsClosed(err):
		return messaging.OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return messaging.OutcomeCancelled
	default:
		return messaging.OutcomeError
	}
}
