package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	ErrConsumerClosed = errors.New("rabbitmq: consumer is closed")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError reports a failed dial or reconnect. URL never carries
// credentials.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether dialing again could succeed.
// Refused credentials, unknown vhosts and certificate failures never heal on
// their own.
func (e *ConnectionError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// ChannelError reports a failure to obtain a pooled channel
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError names the exchange and routing key a publish was refused on
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to %q/%q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a subscription that could not start or resume
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s consumer %s on queue %q: %v", e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether subscribing again could succeed
func (e *ConsumerError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// TopologyError reports a declare, bind or probe the broker refused
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// permanent lists failures no amount of reconnecting repairs
var permanent = []error{
	ErrInvalidConfiguration,
	ErrConnectionClosed,
	ErrConsumerClosed,
	amqp.ErrCredentials,
	amqp.ErrSASL,
	amqp.ErrVhost,
}

// IsRetryable reports whether err may clear up on a later attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code != amqp.AccessRefused && amqpErr.Code != amqp.NotFound
	}

	return !isCertificateError(err)
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	return errors.As(err, &verifyErr) || errors.As(err, &authorityErr) || errors.As(err, &hostnameErr)
}

// IsNotFound reports whether the broker rejected an operation because the
// target queue or exchange does not exist
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// SanitizeURL removes credentials from connection URLs
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	u.User = nil
	return u.String()
}
