// Package inmemory is an in-process messaging fabric implementing
// messaging.Transport.
//
// A Fabric holds hosts addressed by host:port. Each host can require TLS and
// credentials, so endpoint code can be exercised against every combination of
// authentication and encryption without a broker. TLS handshakes are real:
// they run over an in-process pipe against the host's tls.Config.
//
//	fabric := inmemory.NewFabric()
//	fabric.AddHost("broker:5672", inmemory.HostConfig{})
//	ep, err := cfx.Open(ctx, "line1", cfx.WithTransport(inmemory.NewTransport(fabric)))
package inmemory
