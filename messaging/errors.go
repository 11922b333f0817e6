package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned to callers blocked on an endpoint that is being closed
	ErrClosed = errors.New("cfx: endpoint closed")
	// ErrNoPublishChannel is returned when Publish finds no matching publish channel
	ErrNoPublishChannel = errors.New("cfx: no publish channel registered")
	// ErrAmbiguousChannel is returned by single-channel publishing when several channels match
	ErrAmbiguousChannel = errors.New("cfx: more than one publish channel matches")
	// ErrNoListenURI is returned when a listener is added to an endpoint opened without a listen URI
	ErrNoListenURI = errors.New("cfx: endpoint has no listen URI")
	// ErrTooManyPendingRequests is returned when the pending request table is full
	ErrTooManyPendingRequests = errors.New("cfx: too many pending requests")
	// ErrInvalidAddress is returned for malformed URIs or addresses
	ErrInvalidAddress = errors.New("cfx: invalid address")
	// ErrTargetNotFound is wrapped by transports when the queue or exchange
	// an address names does not exist on the broker
	ErrTargetNotFound = errors.New("cfx: address target does not exist")
)

// ConnectionError reports a failure to reach the messaging fabric,
// including TLS and authentication failures at connect time.
type ConnectionError struct {
	Op  string
	URL string // sanitized
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cfx connection error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError reports a publish route that could not be established
type ChannelError struct {
	URI     string // sanitized
	Address string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("cfx channel error: %s %s: %v", e.URI, e.Address, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a listener address that could not be subscribed
type SubscriptionError struct {
	Address string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("cfx subscription error: %s: %v", e.Address, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// PublishError reports a send failure on a previously healthy channel
type PublishError struct {
	URI     string // sanitized
	Address string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("cfx publish error: %s %s: %v", e.URI, e.Address, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when no response arrives before the request deadline
type TimeoutError struct {
	Token   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cfx request %s timed out after %v", e.Token, e.Timeout)
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsClosed reports whether err was caused by the endpoint closing
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
