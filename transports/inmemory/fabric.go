package inmemory

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/cfx-go/messaging"
)

var (
	// ErrHostUnreachable is returned when no host listens on the dialed address
	ErrHostUnreachable = errors.New("inmemory: host unreachable")
	// ErrAccessRefused is returned when the host rejects the credentials
	ErrAccessRefused = errors.New("inmemory: access refused")
	// ErrTLSRequired is returned when a plain connection reaches a TLS host
	ErrTLSRequired = errors.New("inmemory: host requires TLS")
	// ErrTLSNotSupported is returned when a TLS connection reaches a plain host
	ErrTLSNotSupported = errors.New("inmemory: host does not support TLS")
	// ErrNotFound is returned for unknown exchanges and queues
	ErrNotFound = fmt.Errorf("inmemory: %w", messaging.ErrTargetNotFound)
	// ErrConnectionClosed is returned for operations on a closed connection
	ErrConnectionClosed = errors.New("inmemory: connection closed")
)

// Exchange kinds understood by the fabric
const (
	KindDirect = "direct"
	KindFanout = "fanout"
	KindTopic  = "topic"
)

// HostConfig describes the security requirements of one host
type HostConfig struct {
	// TLS is the server configuration; nil serves plain connections only
	TLS *tls.Config
	// Users maps user names to passwords; nil accepts anonymous connections
	Users map[string]string
	// AllowExternal accepts a verified client certificate instead of credentials
	AllowExternal bool
}

// Fabric is an in-process broker holding any number of hosts
type Fabric struct {
	mu    sync.Mutex
	hosts map[string]*Host
}

// NewFabric creates an empty fabric
func NewFabric() *Fabric {
	return &Fabric{hosts: make(map[string]*Host)}
}

// AddHost starts a host listening on hostport ("broker:5672").
// The host carries the amq.direct, amq.fanout and amq.topic exchanges.
func (f *Fabric) AddHost(hostport string, cfg HostConfig) *Host {
	h := &Host{
		name:      hostport,
		config:    cfg,
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*connection]struct{}),
	}
	h.exchanges["amq.direct"] = &exchange{name: "amq.direct", kind: KindDirect}
	h.exchanges["amq.fanout"] = &exchange{name: "amq.fanout", kind: KindFanout}
	h.exchanges["amq.topic"] = &exchange{name: "amq.topic", kind: KindTopic}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[hostport] = h
	return h
}

// RemoveHost takes a host off the fabric and drops its connections
func (f *Fabric) RemoveHost(hostport string) {
	f.mu.Lock()
	h, ok := f.hosts[hostport]
	delete(f.hosts, hostport)
	f.mu.Unlock()

	if ok {
		h.Disconnect()
	}
}

func (f *Fabric) host(hostport string) (*Host, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[hostport]
	return h, ok
}

// Host is one broker on the fabric
type Host struct {
	name   string
	config HostConfig

	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*connection]struct{}
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

// DeclareExchange declares an exchange of the given kind
func (h *Host) DeclareExchange(name, kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.exchanges[name]; !ok {
		h.exchanges[name] = &exchange{name: name, kind: kind}
	}
}

// DeclareQueue declares a durable queue
func (h *Host) DeclareQueue(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.declareQueueLocked(name, nil)
}

// QueueDepth returns the number of messages waiting in a queue
func (h *Host) QueueDepth(name string) int {
	h.mu.Lock()
	q, ok := h.queues[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Connections returns the number of open connections
func (h *Host) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Disconnect drops every connection, as a broker restart would
func (h *Host) Disconnect() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Host) declareQueueLocked(name string, owner *connection) *queue {
	q, ok := h.queues[name]
	if !ok {
		q = newQueue(name, owner)
		h.queues[name] = q
	}
	return q
}

func (h *Host) bindLocked(queueName, exchangeName, key string) error {
	ex, ok := h.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: exchange %q", ErrNotFound, exchangeName)
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: key})
	return nil
}

// probe reports whether address names an existing exchange or queue
func (h *Host) probe(addr messaging.Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr.Kind == messaging.AddressQueue {
		if _, ok := h.queues[addr.Queue]; !ok {
			return fmt.Errorf("%w: queue %q", ErrNotFound, addr.Queue)
		}
		return nil
	}
	if _, ok := h.exchanges[addr.Exchange]; !ok {
		return fmt.Errorf("%w: exchange %q", ErrNotFound, addr.Exchange)
	}
	return nil
}

// publish routes msg; unroutable messages are dropped as a broker would
func (h *Host) publish(exchangeName, key string, msg message) error {
	h.mu.Lock()
	var targets []*queue
	if exchangeName == "" {
		if q, ok := h.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := h.exchanges[exchangeName]
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("%w: exchange %q", ErrNotFound, exchangeName)
		}
		seen := make(map[string]bool)
		for _, b := range ex.bindings {
			if seen[b.queue] || !routes(ex.kind, b.key, key) {
				continue
			}
			if q, ok := h.queues[b.queue]; ok {
				seen[b.queue] = true
				targets = append(targets, q)
			}
		}
	}
	h.mu.Unlock()

	for _, q := range targets {
		q.push(msg)
	}
	return nil
}

// dropConnection deletes the exclusive queues and bindings owned by c
func (h *Host) dropConnection(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
	for name, q := range h.queues {
		if q.owner == c {
			delete(h.queues, name)
		}
	}
	h.pruneBindingsLocked()
}

// releaseQueue deletes q if it is exclusive to a connection
func (h *Host) releaseQueue(q *queue) {
	if q.owner == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.queues[q.name] == q {
		delete(h.queues, q.name)
	}
	h.pruneBindingsLocked()
}

func (h *Host) pruneBindingsLocked() {
	for _, ex := range h.exchanges {
		kept := ex.bindings[:0]
		for _, b := range ex.bindings {
			if _, ok := h.queues[b.queue]; ok {
				kept = append(kept, b)
			}
		}
		ex.bindings = kept
	}
}

func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case KindFanout:
		return true
	case KindTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

// topicMatch implements AMQP topic matching: "*" is one word, "#" zero or more
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

type message struct {
	meta messaging.MessageMetadata
	body []byte
}

// queue is a FIFO with at most one consumer
type queue struct {
	name  string
	owner *connection // set for exclusive queues

	mu     sync.Mutex
	items  []message
	notify chan struct{}
}

func newQueue(name string, owner *connection) *queue {
	return &queue{name: name, owner: owner, notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
