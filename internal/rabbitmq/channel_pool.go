package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPoolSize = 10
	defaultPoolWait = 5 * time.Second
)

// ChannelPool lends AMQP channels of one managed connection. Channels closed
// by a broker exception or a reconnect are dropped instead of being lent
// again, which frees their slot.
type ChannelPool struct {
	manager *ConnectionManager
	idle    chan *amqp.Channel
	size    int
	confirm bool

	mu     sync.Mutex
	closed bool
	open   int
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize caps the number of channels the pool opens
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.size = size
	}
}

// WithConfirmMode puts every channel the pool creates into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// NewChannelPool creates a pool on manager; channels are opened on demand
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	cp := &ChannelPool{manager: manager, size: defaultPoolSize}
	for _, opt := range options {
		opt(cp)
	}
	if cp.size < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	cp.idle = make(chan *amqp.Channel, cp.size)
	return cp, nil
}

// Get lends a channel, opening one while the pool is below its cap and
// otherwise waiting for one to come back
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	wait := time.NewTimer(defaultPoolWait)
	defer wait.Stop()

	for {
		if ch, ok := cp.tryIdle(); ok {
			return ch, nil
		}
		reserved, err := cp.reserve()
		if err != nil {
			return nil, err
		}
		if reserved {
			return cp.openChannel(ctx)
		}

		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", Err: ctx.Err()}
		case <-wait.C:
			return nil, &ChannelError{Op: "get channel", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns a lent channel
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() {
		cp.release()
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		ch.Close()
		return
	}

	select {
	case cp.idle <- ch:
	default:
		ch.Close()
		cp.release()
	}
}

// Execute lends a channel to fn. A broker exception closes the channel, so
// it is dropped rather than returned.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic on pooled channel: %v", r)
		}
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			ch.Close()
		}
		cp.Put(ch)
	}()

	return fn(ch)
}

// Close closes every idle channel; lent channels are closed on return
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			ch.Close()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) tryIdle() (*amqp.Channel, bool) {
	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, true
		default:
			return nil, false
		}
	}
}

// reserve claims a slot for a new channel; false means the pool is full
func (cp *ChannelPool) reserve() (bool, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return false, ErrChannelPoolClosed
	}
	if cp.open >= cp.size {
		return false, nil
	}
	cp.open++
	return true, nil
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.open--
	cp.mu.Unlock()
}

// openChannel fills a reserved slot, releasing it on failure
func (cp *ChannelPool) openChannel(ctx context.Context) (*amqp.Channel, error) {
	ch, op, err := cp.dialChannel(ctx)
	if err != nil {
		cp.release()
		return nil, &ChannelError{Op: op, Err: err}
	}
	return ch, nil
}

func (cp *ChannelPool) dialChannel(ctx context.Context) (*amqp.Channel, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "open channel", err
	}
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, "open channel", err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, "open channel", err
	}
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, "enable confirms", err
		}
	}
	return ch, "", nil
}
