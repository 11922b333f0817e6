package cfx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/cfx-go/bridge"
	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/messaging"
	"github.com/glimte/cfx-go/serialization"
	rabbitmqTransport "github.com/glimte/cfx-go/transports/rabbitmq"
)

// shutdownTimeout bounds the EndpointShuttingDown announcement made by Close
const shutdownTimeout = 2 * time.Second

// ErrEmptyHandle is returned by Open when no endpoint handle is given
var ErrEmptyHandle = errors.New("cfx: endpoint handle is required")

// Endpoint is one participant on the CFX network. It publishes events,
// listens on its own addresses and issues and answers requests.
type Endpoint struct {
	handle     string
	cfg        *endpointConfig
	codec      serialization.Codec
	registry   *messaging.Registry
	dispatcher *messaging.Dispatcher
	correlator *bridge.Correlator

	subsMu      sync.RWMutex
	subscribers map[*subscriber]struct{}

	closeMu sync.Mutex
	closed  bool
}

type subscriber struct {
	ch chan messaging.ReceivedMessage
}

// Open creates an endpoint identified by handle. When a listen URI is
// configured the listen connection is dialed before Open returns; a failure
// is a *messaging.ConnectionError and is not retried.
func Open(ctx context.Context, handle string, options ...Option) (*Endpoint, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}

	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.logger.With("handle", handle)
	cfg.logger = logger

	if cfg.transport == nil {
		cfg.transport = rabbitmqTransport.NewTransport(rabbitmqTransport.WithLogger(logger))
	}
	codec := cfg.codec
	if codec == nil {
		codec = &serialization.JSONCodec{Registry: cfg.types}
	}

	e := &Endpoint{
		handle:      handle,
		cfg:         cfg,
		codec:       codec,
		subscribers: make(map[*subscriber]struct{}),
	}

	e.correlator = bridge.NewCorrelator(
		bridge.WithDefaultTimeout(cfg.defaultTimeout),
		bridge.WithMaxPendingRequests(cfg.maxPending),
		bridge.WithMetrics(cfg.metrics),
		bridge.WithLogger(logger),
	)

	e.dispatcher = messaging.NewDispatcher(handle, e.correlator, e.post,
		messaging.WithDispatcherLogger(logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
		messaging.WithTypeRegistry(cfg.types),
		messaging.WithRequestHandler(cfg.requestHandler),
		messaging.WithHandlerTimeout(cfg.handlerTimeout),
		messaging.WithNotSupportedReply(cfg.notSupportedReply),
	)

	e.registry = messaging.NewRegistry(cfg.transport, e.dispatcher.HandleDelivery,
		messaging.WithListenURI(cfg.listenURI),
		messaging.WithSecurity(cfg.security),
		messaging.WithConnectTimeout(cfg.connectTimeout),
		messaging.WithReplyPrefix(handle),
		messaging.WithRegistryLogger(logger),
		messaging.WithRegistryMetrics(cfg.metrics),
	)

	if err := e.registry.Open(ctx); err != nil {
		e.abort()
		return nil, err
	}

	for _, address := range cfg.listeners {
		if err := e.registry.AddListener(ctx, address); err != nil {
			e.abort()
			return nil, err
		}
	}
	for _, ch := range cfg.publishChannels {
		if err := e.registry.AddPublishChannel(ctx, ch.URI, ch.Address); err != nil {
			e.abort()
			return nil, err
		}
	}

	logger.Info("endpoint opened",
		"listenUri", e.ListenURI(),
		"listeners", len(cfg.listeners),
		"publishChannels", len(cfg.publishChannels))

	return e, nil
}

// Handle returns the endpoint handle
func (e *Endpoint) Handle() string {
	return e.handle
}

// ListenURI returns the sanitized listen URI, or "" when the endpoint does not listen
func (e *Endpoint) ListenURI() string {
	if e.cfg.listenURI == "" {
		return ""
	}
	return messaging.SanitizeURI(e.cfg.listenURI)
}

// AddListener subscribes address on the listen URI
func (e *Endpoint) AddListener(ctx context.Context, address string) error {
	return e.registry.AddListener(ctx, address)
}

// RemoveListener cancels the subscription on address
func (e *Endpoint) RemoveListener(address string) error {
	return e.registry.RemoveListener(address)
}

// AddPublishChannel registers an outbound route; registering it again is a no-op
func (e *Endpoint) AddPublishChannel(ctx context.Context, uri, address string) error {
	return e.registry.AddPublishChannel(ctx, uri, address)
}

// RemovePublishChannel releases an outbound route
func (e *Endpoint) RemovePublishChannel(uri, address string) error {
	return e.registry.RemovePublishChannel(uri, address)
}

// TestPublishChannel checks that address on uri accepts traffic without
// registering a channel
func (e *Endpoint) TestPublishChannel(ctx context.Context, uri, address string) (bool, error) {
	return e.registry.TestPublishChannel(ctx, uri, address)
}

// PublishChannels returns a snapshot of the publish channels
func (e *Endpoint) PublishChannels() []messaging.ChannelInfo {
	return e.registry.PublishChannels()
}

// Listeners returns a snapshot of the listener subscriptions
func (e *Endpoint) Listeners() []messaging.ChannelInfo {
	return e.registry.Listeners()
}

// Connections returns the status of every broker connection
func (e *Endpoint) Connections() []messaging.ConnectionStatus {
	return e.registry.Connections()
}

// PendingRequests returns the number of outstanding requests
func (e *Endpoint) PendingRequests() int {
	return e.correlator.Pending()
}

// SetRequestHandler replaces the handler answering inbound requests
func (e *Endpoint) SetRequestHandler(handler messaging.RequestHandler) {
	e.dispatcher.SetRequestHandler(handler)
}

// Subscribe returns a queue receiving every inbound event and a function
// that cancels it. Events that find the queue full are dropped.
func (e *Endpoint) Subscribe(buffer int) (<-chan messaging.ReceivedMessage, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan messaging.ReceivedMessage, buffer)}

	e.subsMu.Lock()
	if e.subscribers == nil {
		e.subsMu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	e.subscribers[s] = struct{}{}
	e.subsMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			if _, ok := e.subscribers[s]; ok {
				delete(e.subscribers, s)
				close(s.ch)
			}
		})
	}
}

// post fans an inbound event out to every subscriber without blocking
func (e *Endpoint) post(msg messaging.ReceivedMessage) {
	e.subsMu.RLock()
	defer e.subsMu.RUnlock()

	for s := range e.subscribers {
		select {
		case s.ch <- msg:
		default:
			e.cfg.metrics.RecordDropped(messaging.DropSubscriberFull)
			e.cfg.logger.Warn("subscriber queue full, dropping message",
				"address", msg.Address,
				"messageName", msg.Envelope.Name())
		}
	}
}

// Publish wraps msg in an envelope from this endpoint and sends it
func (e *Endpoint) Publish(ctx context.Context, msg contracts.Message, opts ...PublishOption) error {
	env := contracts.NewEnvelope(msg)
	env.Source = e.handle
	return e.PublishEnvelope(ctx, env, opts...)
}

// PublishEnvelope sends env down the publish channels selected by the
// publish policy. Source defaults to the endpoint handle. Failures are not
// retried.
func (e *Endpoint) PublishEnvelope(ctx context.Context, env *contracts.Envelope, opts ...PublishOption) error {
	if e.isClosed() {
		return messaging.ErrClosed
	}
	return e.publish(ctx, env, opts...)
}

func (e *Endpoint) publish(ctx context.Context, env *contracts.Envelope, opts ...PublishOption) error {
	pc := &publishConfig{}
	for _, opt := range opts {
		opt(pc)
	}

	targets := e.registry.PublishTargets(pc.address)
	if len(targets) == 0 {
		return messaging.ErrNoPublishChannel
	}
	if e.cfg.policy == PublishSingle && len(targets) > 1 {
		return fmt.Errorf("%w: %d channels", messaging.ErrAmbiguousChannel, len(targets))
	}

	out := env
	if out.Source == "" {
		out = env.Clone()
		out.Source = e.handle
	}
	data, err := e.codec.Encode(out)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", out.Name(), err)
	}
	msg := &messaging.OutboundMessage{
		Metadata: messaging.MessageMetadata{
			MessageID:   out.UniqueID,
			ContentType: e.codec.ContentType(),
			Role:        contracts.RoleEvent,
			Timestamp:   out.TimeStamp,
		},
		Body: data,
	}

	if len(targets) == 1 {
		return e.send(ctx, targets[0], msg)
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			errs[i] = e.send(ctx, target, msg)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Endpoint) send(ctx context.Context, target messaging.PublishTarget, msg *messaging.OutboundMessage) error {
	err := target.Link.Send(ctx, msg)
	e.cfg.metrics.RecordPublish(target.Address, err == nil)
	if err != nil {
		e.cfg.logger.Error("publish failed", "uri", target.URI, "address", target.Address, "error", err)
		return &messaging.PublishError{URI: target.URI, Address: target.Address, Err: err}
	}
	return nil
}

// ExecuteRequest sends env as a request to address on uri and waits for the
// response. A timeout <= 0 selects the default. The request is resolved
// exactly once: by its response, a *messaging.TimeoutError, ctx or Close.
func (e *Endpoint) ExecuteRequest(ctx context.Context, uri, address string, env *contracts.Envelope, timeout time.Duration) (*contracts.Envelope, error) {
	if env == nil {
		return nil, errors.New("cfx: request envelope is nil")
	}
	if e.isClosed() {
		return nil, messaging.ErrClosed
	}

	link, replyTo, err := e.registry.RequestLink(ctx, uri, address)
	if err != nil {
		return nil, err
	}
	safeURI := messaging.SanitizeURI(uri)

	return e.correlator.Execute(ctx, func(ctx context.Context, token string) error {
		req := env.Clone()
		req.RequestID = token
		if req.Source == "" {
			req.Source = e.handle
		}

		data, err := e.codec.Encode(req)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", req.Name(), err)
		}

		err = link.Send(ctx, &messaging.OutboundMessage{
			Metadata: messaging.MessageMetadata{
				MessageID:     req.UniqueID,
				CorrelationID: token,
				ReplyTo:       replyTo,
				ContentType:   e.codec.ContentType(),
				Role:          contracts.RoleRequest,
				Timestamp:     req.TimeStamp,
			},
			Body: data,
		})
		e.cfg.metrics.RecordPublish(address, err == nil)
		if err != nil {
			return &messaging.PublishError{URI: safeURI, Address: address, Err: err}
		}
		e.cfg.logger.Debug("request sent",
			"uri", safeURI,
			"address", address,
			"correlationId", token,
			"messageName", req.Name())
		return nil
	}, timeout)
}

// Close fails every pending request with messaging.ErrClosed, announces the
// shutdown on the publish channels and releases every connection. It is safe
// to call more than once.
func (e *Endpoint) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.correlator.Close()

	if e.cfg.shutdownAnnouncing && len(e.registry.PublishTargets("")) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		env := contracts.NewEnvelope(&contracts.EndpointShuttingDown{CFXHandle: e.handle})
		env.Source = e.handle
		if err := e.publish(ctx, env); err != nil {
			e.cfg.logger.Warn("failed to announce shutdown", "error", err)
		}
		cancel()
	}

	err := e.registry.Close()

	e.subsMu.Lock()
	for s := range e.subscribers {
		close(s.ch)
	}
	e.subscribers = nil
	e.subsMu.Unlock()

	e.cfg.logger.Info("endpoint closed")
	return err
}

func (e *Endpoint) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// abort releases a partially opened endpoint
func (e *Endpoint) abort() {
	e.correlator.Close()
	_ = e.registry.Close()
}
