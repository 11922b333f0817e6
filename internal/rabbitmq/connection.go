package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cfx-go/internal/reliability"
	"github.com/glimte/cfx-go/security"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 5 * time.Minute
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	config         amqp.Config
	conn           *amqp.Connection
	mu             sync.RWMutex
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	isConnected    bool
	closed         bool
	ready          chan struct{}
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds a single dial including the TLS handshake
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, <= 0 for unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// BuildConfig derives the AMQP dial configuration for rawURL under sec.
// Explicit credentials in sec win over the URL. An amqps URL without a user,
// presented with a client certificate, authenticates with SASL EXTERNAL.
func BuildConfig(rawURL string, sec *security.Context, timeout time.Duration) (amqp.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return amqp.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if _, err := amqp.ParseURI(rawURL); err != nil {
		return amqp.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	cfg := amqp.Config{
		Properties: amqp.NewConnectionProperties(),
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
	}

	switch {
	case sec.HasCredentials():
		cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: sec.Username, Password: sec.Password}}
	case u.Scheme == "amqps" && u.User == nil && sec.HasClientCertificate():
		cfg.SASL = []amqp.Authentication{&amqp.ExternalAuth{}}
	}

	if u.Scheme == "amqps" {
		tlsConfig, err := sec.TLSConfig()
		if err != nil {
			return amqp.Config{}, err
		}
		cfg.TLSClientConfig = tlsConfig
	}

	return cfg, nil
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, sec *security.Context, options ...ConnectionOption) (*ConnectionManager, error) {
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: defaultConnectTimeout,
		reconnectDelay: defaultReconnectDelay,
		logger:         slog.Default(),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	cfg, err := BuildConfig(url, sec, cm.connectTimeout)
	if err != nil {
		return nil, err
	}
	cfg.Properties.SetClientConnectionName("cfx-go")
	cm.config = cfg

	return cm, nil
}

// Connect establishes the initial connection. It is attempted once; the
// background reconnect loop only starts after a successful dial.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	notifyClose := cm.setConnectionLocked(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(notifyClose)

	return nil
}

// dial runs one dial bounded by ctx and the connect timeout
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, cm.config)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-connCtx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// setConnectionLocked installs conn and wakes everyone in WaitConnected
func (cm *ConnectionManager) setConnectionLocked(conn *amqp.Connection) chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	close(cm.ready)
	return notifyClose
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}

	return cm.conn, nil
}

// WaitConnected blocks until a connection is available, the manager is
// closed or ctx ends
func (cm *ConnectionManager) WaitConnected(ctx context.Context) error {
	for {
		cm.mu.RLock()
		ready, closed, connected := cm.ready, cm.closed, cm.isConnected
		cm.mu.RUnlock()

		if closed {
			return ErrConnectionClosed
		}
		if connected {
			return nil
		}

		select {
		case <-ready:
		case <-cm.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}

	return nil
}

// handleReconnect waits for the connection to drop and brings it back
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	for {
		select {
		case amqpErr, ok := <-notifyClose:
			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				return
			}
			cm.isConnected = false
			cm.conn = nil
			cm.ready = make(chan struct{})
			cm.mu.Unlock()

			var cause error = ErrConnectionClosed
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			cm.logger.Error("connection closed", "url", SanitizeURL(cm.url), "error", cause)
			cm.notifyDisconnected(cause)

			next, err := cm.reconnect()
			if err != nil {
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Debug("connection manager shutting down", "url", SanitizeURL(cm.url))
			return
		}
	}
}

// reconnect dials with exponential backoff until it succeeds, a
// non-retryable error occurs or the manager is closed
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	schedule := reliability.ReconnectBackoff(cm.reconnectDelay, maxReconnectDelay, cm.maxRetries)
	start := time.Now()
	attempts := 0

	var notifyClose chan *amqp.Error
	err := reliability.Do(ctx, schedule, func() error {
		attempts++
		cm.notifyReconnecting(attempts)

		conn, err := cm.dial(ctx)
		if err != nil {
			return &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: attempts}
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			conn.Close()
			return nil
		}
		notifyClose = cm.setConnectionLocked(conn)
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Warn("reconnection failed",
			"url", SanitizeURL(cm.url),
			"attempt", attempt+1,
			"error", err,
			"nextRetryIn", delay)
	})

	if err != nil {
		if ctx.Err() == nil {
			cm.logger.Error("giving up on reconnection",
				"url", SanitizeURL(cm.url),
				"attempts", attempts,
				"duration", time.Since(start),
				"error", err)
			cm.notifyDisconnected(err)
		}
		return nil, err
	}
	if notifyClose == nil {
		return nil, ErrConnectionClosed
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempts,
		"duration", time.Since(start))
	cm.notifyConnected()

	return notifyClose, nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
