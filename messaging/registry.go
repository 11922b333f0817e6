package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/cfx-go/security"
	"github.com/google/uuid"
)

// DefaultConnectTimeout bounds dialing and channel probes
const DefaultConnectTimeout = 10 * time.Second

// Direction of a channel
type Direction string

const (
	DirectionPublish   Direction = "publish"
	DirectionSubscribe Direction = "subscribe"
)

// ChannelState of a registered channel
type ChannelState string

const (
	ChannelOpen   ChannelState = "open"
	ChannelClosed ChannelState = "closed"
)

// ChannelInfo describes a registered channel. URI never carries credentials.
type ChannelInfo struct {
	URI       string
	Address   string
	Direction Direction
	State     ChannelState
}

// PublishTarget is a publish channel together with its link
type PublishTarget struct {
	ChannelInfo
	Link Link
}

// ConnectionStatus describes one shared connection
type ConnectionStatus struct {
	URI       string
	Connected bool
	Channels  int
}

type sharedConnection struct {
	uri  string
	conn Connection
	refs int
}

type publishChannel struct {
	info ChannelInfo
	link Link
	conn *sharedConnection
}

type requestRoute struct {
	link    Link
	replyTo string
	conn    *sharedConnection
}

// Registry tracks the publish channels and listener subscriptions of one
// endpoint. Connections are shared per broker URI and reference counted.
type Registry struct {
	transport      Transport
	handler        DeliveryHandler
	security       *security.Context
	listenURI      string
	connectTimeout time.Duration
	replyPrefix    string
	metrics        MetricsCollector
	logger         *slog.Logger

	mu        sync.Mutex
	closed    bool
	conns     map[string]*sharedConnection
	publish   map[string]*publishChannel
	order     []string
	listeners map[string]Subscription
	requests  map[string]*requestRoute
	replies   map[string]Subscription

	routeMu sync.Mutex
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithListenURI sets the URI listeners subscribe on
func WithListenURI(uri string) RegistryOption {
	return func(r *Registry) {
		r.listenURI = uri
	}
}

// WithSecurity sets the security context applied to every connection
func WithSecurity(sec *security.Context) RegistryOption {
	return func(r *Registry) {
		r.security = sec
	}
}

// WithConnectTimeout bounds dialing and probing
func WithConnectTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.connectTimeout = timeout
		}
	}
}

// WithReplyPrefix sets the prefix of reply queue names
func WithReplyPrefix(prefix string) RegistryOption {
	return func(r *Registry) {
		r.replyPrefix = prefix
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector
func WithRegistryMetrics(metrics MetricsCollector) RegistryOption {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// NewRegistry creates a registry that hands every delivery to handler
func NewRegistry(transport Transport, handler DeliveryHandler, options ...RegistryOption) *Registry {
	r := &Registry{
		transport:      transport,
		handler:        handler,
		connectTimeout: DefaultConnectTimeout,
		replyPrefix:    "cfx",
		metrics:        NoOpMetricsCollector{},
		logger:         slog.Default(),
		conns:          make(map[string]*sharedConnection),
		publish:        make(map[string]*publishChannel),
		listeners:      make(map[string]Subscription),
		requests:       make(map[string]*requestRoute),
		replies:        make(map[string]Subscription),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// ListenURI returns the URI listeners subscribe on
func (r *Registry) ListenURI() string {
	return r.listenURI
}

// Open dials the listen connection when a listen URI is configured
func (r *Registry) Open(ctx context.Context) error {
	if r.listenURI == "" {
		return nil
	}
	if err := ValidateURI(r.listenURI); err != nil {
		return &ConnectionError{Op: "open", URL: SanitizeURI(r.listenURI), Err: err}
	}
	_, err := r.acquire(ctx, r.listenURI)
	return err
}

// AddListener subscribes address on the listen connection. Adding an
// address twice keeps the existing subscription.
func (r *Registry) AddListener(ctx context.Context, address string) error {
	if r.listenURI == "" {
		return &SubscriptionError{Address: address, Err: ErrNoListenURI}
	}
	if _, err := ParseAddress(address); err != nil {
		return &SubscriptionError{Address: address, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &SubscriptionError{Address: address, Err: ErrClosed}
	}
	if _, ok := r.listeners[address]; ok {
		r.mu.Unlock()
		return nil
	}
	sc, ok := r.conns[SanitizeURI(r.listenURI)]
	r.mu.Unlock()
	if !ok {
		return &SubscriptionError{Address: address, Err: ErrClosed}
	}

	sub, err := sc.conn.Subscribe(ctx, address, r.handler)
	if err != nil {
		return &SubscriptionError{Address: address, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Cancel()
		return &SubscriptionError{Address: address, Err: ErrClosed}
	}
	if _, ok := r.listeners[address]; ok {
		r.mu.Unlock()
		_ = sub.Cancel()
		return nil
	}
	r.listeners[address] = sub
	n := len(r.listeners)
	r.mu.Unlock()

	r.metrics.SetOpenChannels(DirectionSubscribe, n)
	r.logger.Info("listener added", "uri", sc.uri, "address", address)
	return nil
}

// RemoveListener cancels the subscription on address
func (r *Registry) RemoveListener(address string) error {
	r.mu.Lock()
	sub, ok := r.listeners[address]
	delete(r.listeners, address)
	n := len(r.listeners)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.metrics.SetOpenChannels(DirectionSubscribe, n)
	if err := sub.Cancel(); err != nil {
		return &SubscriptionError{Address: address, Err: err}
	}
	return nil
}

// AddPublishChannel registers an outbound route. Re-adding the same URI and
// address reuses the existing channel.
func (r *Registry) AddPublishChannel(ctx context.Context, uri, address string) error {
	safeURI := SanitizeURI(uri)
	if err := validate(uri, address); err != nil {
		return &ChannelError{URI: safeURI, Address: address, Err: err}
	}

	key := ChannelKey(uri, address)
	r.mu.Lock()
	_, exists := r.publish[key]
	r.mu.Unlock()
	if exists {
		return nil
	}

	sc, err := r.acquire(ctx, uri)
	if err != nil {
		return &ChannelError{URI: safeURI, Address: address, Err: err}
	}

	link, err := sc.conn.OpenLink(ctx, address)
	if err != nil {
		r.closeConnection(r.release(sc))
		return &ChannelError{URI: safeURI, Address: address, Err: err}
	}

	r.mu.Lock()
	if _, ok := r.publish[key]; ok || r.closed {
		closed := r.closed
		toClose := r.releaseLocked(sc)
		r.mu.Unlock()
		_ = link.Close()
		r.closeConnection(toClose)
		if closed {
			return &ChannelError{URI: safeURI, Address: address, Err: ErrClosed}
		}
		return nil
	}
	r.publish[key] = &publishChannel{
		info: ChannelInfo{URI: safeURI, Address: address, Direction: DirectionPublish, State: ChannelOpen},
		link: link,
		conn: sc,
	}
	r.order = append(r.order, key)
	n := len(r.publish)
	r.mu.Unlock()

	r.metrics.SetOpenChannels(DirectionPublish, n)
	r.logger.Info("publish channel added", "uri", safeURI, "address", address)
	return nil
}

// RemovePublishChannel releases a publish route
func (r *Registry) RemovePublishChannel(uri, address string) error {
	key := ChannelKey(uri, address)

	r.mu.Lock()
	ch, ok := r.publish[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.publish, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	toClose := r.releaseLocked(ch.conn)
	n := len(r.publish)
	r.mu.Unlock()

	r.metrics.SetOpenChannels(DirectionPublish, n)
	err := ch.link.Close()
	r.closeConnection(toClose)
	if err != nil {
		return &ChannelError{URI: ch.info.URI, Address: address, Err: err}
	}
	return nil
}

// TestPublishChannel probes uri and address without registering anything.
// The probe is bounded by the connect timeout.
func (r *Registry) TestPublishChannel(ctx context.Context, uri, address string) (bool, error) {
	safeURI := SanitizeURI(uri)
	if err := validate(uri, address); err != nil {
		return false, &ChannelError{URI: safeURI, Address: address, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	sc, err := r.acquire(ctx, uri)
	if err != nil {
		return false, &ChannelError{URI: safeURI, Address: address, Err: err}
	}
	err = sc.conn.Probe(ctx, address)
	r.closeConnection(r.release(sc))

	if err != nil {
		r.logger.Debug("publish channel probe failed", "uri", safeURI, "address", address, "error", err)
		return false, &ChannelError{URI: safeURI, Address: address, Err: err}
	}
	return true, nil
}

// PublishTargets returns the publish channels in registration order,
// limited to address when it is not empty
func (r *Registry) PublishTargets(address string) []PublishTarget {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]PublishTarget, 0, len(r.order))
	for _, key := range r.order {
		ch := r.publish[key]
		if address != "" && ch.info.Address != address {
			continue
		}
		targets = append(targets, PublishTarget{ChannelInfo: ch.info, Link: ch.link})
	}
	return targets
}

// RequestLink returns the link used to send requests to address on uri,
// together with the reply address responses come back on. Both are created
// on first use and kept until Close.
func (r *Registry) RequestLink(ctx context.Context, uri, address string) (Link, string, error) {
	safeURI := SanitizeURI(uri)
	if err := validate(uri, address); err != nil {
		return nil, "", &ChannelError{URI: safeURI, Address: address, Err: err}
	}
	key := ChannelKey(uri, address)

	if route, ok := r.lookupRoute(key); ok {
		return route.link, route.replyTo, nil
	}

	r.routeMu.Lock()
	defer r.routeMu.Unlock()

	if route, ok := r.lookupRoute(key); ok {
		return route.link, route.replyTo, nil
	}

	sc, err := r.acquire(ctx, uri)
	if err != nil {
		return nil, "", &ChannelError{URI: safeURI, Address: address, Err: err}
	}

	r.mu.Lock()
	reply, ok := r.replies[sc.uri]
	r.mu.Unlock()
	if !ok {
		name := fmt.Sprintf("%s.reply.%s", r.replyPrefix, uuid.New().String()[:8])
		reply, err = sc.conn.ReplyQueue(ctx, name, r.handler)
		if err != nil {
			r.closeConnection(r.release(sc))
			return nil, "", &ChannelError{URI: safeURI, Address: address, Err: err}
		}
		r.logger.Debug("reply queue created", "uri", safeURI, "replyTo", reply.Address())
	}

	link, err := sc.conn.OpenLink(ctx, address)
	if err != nil {
		if !ok {
			_ = reply.Cancel()
		}
		r.closeConnection(r.release(sc))
		return nil, "", &ChannelError{URI: safeURI, Address: address, Err: err}
	}

	route := &requestRoute{link: link, replyTo: reply.Address(), conn: sc}

	r.mu.Lock()
	if r.closed {
		toClose := r.releaseLocked(sc)
		r.mu.Unlock()
		_ = link.Close()
		if !ok {
			_ = reply.Cancel()
		}
		r.closeConnection(toClose)
		return nil, "", &ChannelError{URI: safeURI, Address: address, Err: ErrClosed}
	}
	if !ok {
		r.replies[sc.uri] = reply
	}
	r.requests[key] = route
	r.mu.Unlock()

	return route.link, route.replyTo, nil
}

func (r *Registry) lookupRoute(key string) (*requestRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.requests[key]
	return route, ok
}

// PublishChannels returns a snapshot of the publish channels
func (r *Registry) PublishChannels() []ChannelInfo {
	targets := r.PublishTargets("")
	infos := make([]ChannelInfo, len(targets))
	for i, t := range targets {
		infos[i] = t.ChannelInfo
	}
	return infos
}

// Listeners returns a snapshot of the listener subscriptions
func (r *Registry) Listeners() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ChannelInfo, 0, len(r.listeners))
	for address := range r.listeners {
		infos = append(infos, ChannelInfo{
			URI:       SanitizeURI(r.listenURI),
			Address:   address,
			Direction: DirectionSubscribe,
			State:     ChannelOpen,
		})
	}
	return infos
}

// Connections returns the status of every shared connection
func (r *Registry) Connections() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]ConnectionStatus, 0, len(r.conns))
	for _, sc := range r.conns {
		statuses = append(statuses, ConnectionStatus{
			URI:       sc.uri,
			Connected: sc.conn.IsConnected(),
			Channels:  sc.refs,
		})
	}
	return statuses
}

// Close cancels every subscription, closes every link and connection and
// rejects further registrations. It is safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var subs []Subscription
	for _, sub := range r.listeners {
		subs = append(subs, sub)
	}
	for _, sub := range r.replies {
		subs = append(subs, sub)
	}
	var links []Link
	for _, ch := range r.publish {
		links = append(links, ch.link)
	}
	for _, route := range r.requests {
		links = append(links, route.link)
	}
	var conns []Connection
	for _, sc := range r.conns {
		conns = append(conns, sc.conn)
	}

	r.listeners = make(map[string]Subscription)
	r.replies = make(map[string]Subscription)
	r.publish = make(map[string]*publishChannel)
	r.order = nil
	r.requests = make(map[string]*requestRoute)
	r.conns = make(map[string]*sharedConnection)
	r.mu.Unlock()

	r.metrics.SetOpenChannels(DirectionPublish, 0)
	r.metrics.SetOpenChannels(DirectionSubscribe, 0)

	var errs []error
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, link := range links {
		if err := link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// acquire returns the shared connection for uri, dialing it when needed
func (r *Registry) acquire(ctx context.Context, uri string) (*sharedConnection, error) {
	key := SanitizeURI(uri)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if sc, ok := r.conns[key]; ok {
		sc.refs++
		r.mu.Unlock()
		return sc, nil
	}
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	conn, err := r.transport.Dial(dialCtx, uri, r.security)
	cancel()
	if err != nil {
		r.logger.Error("failed to connect", "uri", key, "error", err)
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "dial", URL: key, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		_ = conn.Close()
		return nil, ErrClosed
	}
	if sc, ok := r.conns[key]; ok {
		_ = conn.Close()
		sc.refs++
		return sc, nil
	}

	sc := &sharedConnection{uri: key, conn: conn, refs: 1}
	r.conns[key] = sc
	r.logger.Info("connected", "uri", key)
	return sc, nil
}

func (r *Registry) release(sc *sharedConnection) Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(sc)
}

// releaseLocked drops one reference and returns the connection to close
// once the last reference is gone
func (r *Registry) releaseLocked(sc *sharedConnection) Connection {
	sc.refs--
	if sc.refs > 0 {
		return nil
	}
	if current, ok := r.conns[sc.uri]; ok && current == sc {
		delete(r.conns, sc.uri)
	}
	return sc.conn
}

func (r *Registry) closeConnection(conn Connection) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		r.logger.Warn("failed to close connection", "error", err)
	}
}

func validate(uri, address string) error {
	if err := ValidateURI(uri); err != nil {
		return err
	}
	_, err := ParseAddress(address)
	return err
}
