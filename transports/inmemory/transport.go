package inmemory

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/glimte/cfx-go/messaging"
	"github.com/glimte/cfx-go/security"
)

// Transport dials hosts on an in-process Fabric
type Transport struct {
	fabric *Fabric
	logger *slog.Logger
}

// TransportOption configures the Transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport on fabric
func NewTransport(fabric *Fabric, options ...TransportOption) *Transport {
	t := &Transport{
		fabric: fabric,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Dial implements messaging.Transport
func (t *Transport) Dial(ctx context.Context, uri string, sec *security.Context) (messaging.Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", messaging.ErrInvalidAddress, err)
	}

	useTLS := false
	port := "5672"
	switch u.Scheme {
	case "amqp":
	case "amqps":
		useTLS = true
		port = "5671"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", messaging.ErrInvalidAddress, u.Scheme)
	}
	if u.Port() != "" {
		port = u.Port()
	}
	hostport := net.JoinHostPort(u.Hostname(), port)

	h, ok := t.fabric.host(hostport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostUnreachable, hostport)
	}

	var peerCerts bool
	switch {
	case useTLS && h.config.TLS == nil:
		return nil, ErrTLSNotSupported
	case !useTLS && h.config.TLS != nil:
		return nil, ErrTLSRequired
	case useTLS:
		peerCerts, err = handshake(ctx, h.config.TLS, sec, u.Hostname())
		if err != nil {
			return nil, err
		}
	}

	if err := authenticate(h.config, u, sec, peerCerts); err != nil {
		return nil, err
	}

	c := &connection{
		host:   h,
		uri:    messaging.SanitizeURI(uri),
		logger: t.logger,
		subs:   make(map[*subscription]struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	return c, nil
}

// handshake runs a real TLS handshake over an in-process pipe. It reports
// whether the client presented a certificate the host verified.
func handshake(ctx context.Context, serverConfig *tls.Config, sec *security.Context, serverName string) (bool, error) {
	clientConfig, err := sec.TLSConfig()
	if err != nil {
		return false, err
	}
	if clientConfig.ServerName == "" {
		clientConfig.ServerName = serverName
	}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	// The pipe is unbuffered: session tickets would block the server on a
	// write nobody reads.
	serverConfig = serverConfig.Clone()
	serverConfig.SessionTicketsDisabled = true

	server := tls.Server(serverSide, serverConfig)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.HandshakeContext(ctx)
	}()

	client := tls.Client(clientSide, clientConfig)
	if err := client.HandshakeContext(ctx); err != nil {
		return false, fmt.Errorf("tls handshake: %w", err)
	}
	// Consume a late alert from the server, e.g. a rejected client certificate
	go func() {
		var buf [1]byte
		_, _ = client.Read(buf[:])
	}()
	if err := <-serverDone; err != nil {
		return false, fmt.Errorf("tls handshake: %w", err)
	}

	return len(server.ConnectionState().PeerCertificates) > 0, nil
}

func authenticate(cfg HostConfig, u *url.URL, sec *security.Context, peerCerts bool) error {
	if cfg.Users == nil {
		return nil
	}

	username, password := "", ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if sec.HasCredentials() {
		username, password = sec.Username, sec.Password
	}

	if username == "" {
		if cfg.AllowExternal && peerCerts {
			return nil
		}
		return fmt.Errorf("%w: no credentials", ErrAccessRefused)
	}
	if expected, ok := cfg.Users[username]; !ok || expected != password {
		return fmt.Errorf("%w: user %q", ErrAccessRefused, username)
	}
	return nil
}

type connection struct {
	host   *Host
	uri    string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// OpenLink implements messaging.Connection
func (c *connection) OpenLink(ctx context.Context, address string) (messaging.Link, error) {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	if addr.Kind == messaging.AddressExchange {
		if err := c.host.probe(addr); err != nil {
			return nil, err
		}
	}
	return &link{conn: c, addr: addr}, nil
}

// Probe implements messaging.Connection
func (c *connection) Probe(ctx context.Context, address string) error {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return err
	}
	if err := c.check(); err != nil {
		return err
	}
	return c.host.probe(addr)
}

// Subscribe implements messaging.Connection. A queue address consumes a
// durable queue of that name; an exchange address consumes a private queue
// bound to the exchange.
func (c *connection) Subscribe(ctx context.Context, address string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	addr, err := messaging.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}

	c.host.mu.Lock()
	var q *queue
	if addr.Kind == messaging.AddressQueue {
		q = c.host.declareQueueLocked(addr.Queue, nil)
	} else {
		q = c.host.declareQueueLocked(fmt.Sprintf("%s.%p", address, c), c)
		if err := c.host.bindLocked(q.name, addr.Exchange, addr.RoutingKey); err != nil {
			delete(c.host.queues, q.name)
			c.host.mu.Unlock()
			return nil, err
		}
	}
	c.host.mu.Unlock()

	return c.consume(address, q, handler), nil
}

// ReplyQueue implements messaging.Connection
func (c *connection) ReplyQueue(ctx context.Context, name string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.host.mu.Lock()
	q := c.host.declareQueueLocked(name, c)
	c.host.mu.Unlock()

	return c.consume(name, q, handler), nil
}

// IsConnected implements messaging.Connection
func (c *connection) IsConnected() bool {
	return c.check() == nil
}

// Close implements messaging.Connection
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Cancel()
	}
	c.host.dropConnection(c)
	return nil
}

func (c *connection) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

func (c *connection) consume(address string, q *queue, handler messaging.DeliveryHandler) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		conn:    c,
		address: address,
		queue:   q,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run(ctx, handler)
	return s
}

type link struct {
	conn *connection
	addr messaging.Address
}

// Send implements messaging.Link
func (l *link) Send(ctx context.Context, msg *messaging.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.conn.check(); err != nil {
		return err
	}
	exchangeName, key := l.addr.PublishTarget()
	return l.conn.host.publish(exchangeName, key, copyMessage(msg))
}

// Close implements messaging.Link
func (l *link) Close() error {
	return nil
}

type subscription struct {
	conn    *connection
	address string
	queue   *queue
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	stopped  bool
	handling bool
}

// Address implements messaging.Subscription
func (s *subscription) Address() string {
	return s.address
}

// Cancel implements messaging.Subscription. It waits for the consumer to
// stop unless a delivery is being handled, so a handler may cancel its own
// subscription; that delivery then finishes on its own.
func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.stopped = true
		handling := s.handling
		s.mu.Unlock()

		if !handling {
			<-s.done
		}
	})
	return nil
}

// begin marks a delivery in flight; false once the subscription is cancelled
func (s *subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.handling = true
	return true
}

func (s *subscription) end() {
	s.mu.Lock()
	s.handling = false
	s.mu.Unlock()
}

func (s *subscription) release() {
	s.conn.host.releaseQueue(s.queue)

	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
}

func (s *subscription) run(ctx context.Context, handler messaging.DeliveryHandler) {
	defer close(s.done)
	defer s.release()

	for {
		for {
			if !s.begin() {
				return
			}
			msg, ok := s.queue.pop()
			if !ok {
				s.end()
				break
			}
			d := &delivery{conn: s.conn, msg: msg}
			if err := handler(ctx, s.address, d); err != nil {
				s.conn.logger.Debug("delivery rejected", "address", s.address, "error", err)
			}
			s.end()
		}

		select {
		case <-ctx.Done():
			return
		case <-s.queue.notify:
		}
	}
}

type delivery struct {
	conn *connection
	msg  message
}

// Body implements messaging.TransportDelivery
func (d *delivery) Body() []byte {
	return d.msg.body
}

// Metadata implements messaging.TransportDelivery
func (d *delivery) Metadata() messaging.MessageMetadata {
	return d.msg.meta
}

// Reply implements messaging.TransportDelivery
func (d *delivery) Reply(ctx context.Context, msg *messaging.OutboundMessage) error {
	if d.msg.meta.ReplyTo == "" {
		return fmt.Errorf("%w: delivery has no reply address", messaging.ErrInvalidAddress)
	}
	if err := d.conn.check(); err != nil {
		return err
	}
	return d.conn.host.publish("", d.msg.meta.ReplyTo, copyMessage(msg))
}

func copyMessage(msg *messaging.OutboundMessage) message {
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)

	meta := msg.Metadata
	if msg.Metadata.Headers != nil {
		meta.Headers = make(map[string]interface{}, len(msg.Metadata.Headers))
		for k, v := range msg.Metadata.Headers {
			meta.Headers[k] = v
		}
	}
	return message{meta: meta, body: body}
}
