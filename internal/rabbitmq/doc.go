// Package rabbitmq is the AMQP 0-9-1 layer under the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: dials with TLS and SASL from a security.Context and
//     reconnects in the background with exponential backoff
//   - ChannelPool: pooled channels, optionally in publisher confirm mode
//   - Publisher: confirmed publishing without retries
//   - Consumer: per-subscription channels that redeclare their queue and
//     resume after a reconnect
//   - Topology: queue declarers for listeners and replies, passive probes
//
// Deliveries are acknowledged after the handler returns and rejected without
// requeue when it fails.
package rabbitmq
