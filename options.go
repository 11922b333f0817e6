package cfx

import (
	"log/slog"
	"time"

	"github.com/glimte/cfx-go/bridge"
	"github.com/glimte/cfx-go/messaging"
	"github.com/glimte/cfx-go/security"
	"github.com/glimte/cfx-go/serialization"
)

// PublishPolicy selects the channels a publish is sent down
type PublishPolicy int

const (
	// PublishAll sends to every matching publish channel
	PublishAll PublishPolicy = iota
	// PublishSingle requires exactly one matching publish channel
	PublishSingle
)

func (p PublishPolicy) String() string {
	switch p {
	case PublishAll:
		return "all"
	case PublishSingle:
		return "single"
	default:
		return "unknown"
	}
}

// PublishChannel names one outbound route
type PublishChannel struct {
	URI     string
	Address string
}

// endpointConfig holds endpoint configuration
type endpointConfig struct {
	listenURI          string
	listeners          []string
	publishChannels    []PublishChannel
	security           *security.Context
	transport          messaging.Transport
	logger             *slog.Logger
	metrics            messaging.MetricsCollector
	defaultTimeout     time.Duration
	connectTimeout     time.Duration
	handlerTimeout     time.Duration
	maxPending         int
	policy             PublishPolicy
	codec              serialization.Codec
	types              serialization.TypeRegistry
	requestHandler     messaging.RequestHandler
	notSupportedReply  bool
	shutdownAnnouncing bool
}

func defaultConfig() *endpointConfig {
	return &endpointConfig{
		logger:             slog.Default(),
		metrics:            messaging.NoOpMetricsCollector{},
		defaultTimeout:     bridge.DefaultTimeout,
		connectTimeout:     messaging.DefaultConnectTimeout,
		handlerTimeout:     messaging.DefaultHandlerTimeout,
		maxPending:         bridge.DefaultMaxPendingRequests,
		policy:             PublishAll,
		types:              serialization.GetGlobalRegistry(),
		shutdownAnnouncing: true,
	}
}

// Option configures an Endpoint
type Option func(*endpointConfig)

// WithListenURI sets the broker URI inbound listeners subscribe on
func WithListenURI(uri string) Option {
	return func(cfg *endpointConfig) {
		cfg.listenURI = uri
	}
}

// WithListeners subscribes the given addresses when the endpoint opens
func WithListeners(addresses ...string) Option {
	return func(cfg *endpointConfig) {
		cfg.listeners = append(cfg.listeners, addresses...)
	}
}

// WithPublishChannel registers a publish channel when the endpoint opens
func WithPublishChannel(uri, address string) Option {
	return func(cfg *endpointConfig) {
		cfg.publishChannels = append(cfg.publishChannels, PublishChannel{URI: uri, Address: address})
	}
}

// WithSecurity sets the TLS and credential settings for every connection
func WithSecurity(sec *security.Context) Option {
	return func(cfg *endpointConfig) {
		cfg.security = sec
	}
}

// WithTransport replaces the default RabbitMQ transport
func WithTransport(transport messaging.Transport) Option {
	return func(cfg *endpointConfig) {
		cfg.transport = transport
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *endpointConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(cfg *endpointConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithDefaultTimeout sets the timeout of requests issued without one
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(cfg *endpointConfig) {
		if timeout > 0 {
			cfg.defaultTimeout = timeout
		}
	}
}

// WithConnectTimeout bounds dialing and TestPublishChannel
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *endpointConfig) {
		if timeout > 0 {
			cfg.connectTimeout = timeout
		}
	}
}

// WithHandlerTimeout bounds each request handler invocation
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *endpointConfig) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithMaxPendingRequests bounds the number of outstanding requests
func WithMaxPendingRequests(max int) Option {
	return func(cfg *endpointConfig) {
		cfg.maxPending = max
	}
}

// WithPublishPolicy sets how Publish selects channels
func WithPublishPolicy(policy PublishPolicy) Option {
	return func(cfg *endpointConfig) {
		cfg.policy = policy
	}
}

// WithCodec sets the codec used for outbound envelopes.
// Inbound envelopes are decoded by their content type.
func WithCodec(codec serialization.Codec) Option {
	return func(cfg *endpointConfig) {
		cfg.codec = codec
	}
}

// WithTypeRegistry sets the message catalog used for decoding
func WithTypeRegistry(types serialization.TypeRegistry) Option {
	return func(cfg *endpointConfig) {
		if types != nil {
			cfg.types = types
		}
	}
}

// WithRequestHandler sets the handler answering inbound requests
func WithRequestHandler(handler messaging.RequestHandler) Option {
	return func(cfg *endpointConfig) {
		cfg.requestHandler = handler
	}
}

// WithNotSupportedReply answers unhandled requests with a NotSupportedResponse
func WithNotSupportedReply(enabled bool) Option {
	return func(cfg *endpointConfig) {
		cfg.notSupportedReply = enabled
	}
}

// WithShutdownAnnouncement controls whether Close publishes EndpointShuttingDown
func WithShutdownAnnouncement(enabled bool) Option {
	return func(cfg *endpointConfig) {
		cfg.shutdownAnnouncing = enabled
	}
}

// PublishOption configures a single publish
type PublishOption func(*publishConfig)

type publishConfig struct {
	address string
}

// WithAddress limits a publish to the channels registered for address
func WithAddress(address string) PublishOption {
	return func(cfg *publishConfig) {
		cfg.address = address
	}
}
