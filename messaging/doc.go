// Package messaging holds the transport-neutral core of a CFX endpoint.
//
// It defines the Transport, Connection, Link and Subscription interfaces a
// fabric implementation provides, the address syntax shared by every
// transport, and the two pieces that sit between the endpoint and the wire:
//
//   - Registry tracks publish channels and listener subscriptions. Connections
//     are shared per broker URI and reference counted; request links and the
//     per-URI reply queue are created on first use.
//   - Dispatcher decodes inbound deliveries and routes them by role. Responses
//     complete pending requests, requests go to the RequestHandler and are
//     answered on the connection they arrived on, events go to the sink.
//
// Failures are reported with the typed errors in errors.go; use errors.As to
// inspect them and IsTimeout or IsClosed for the common cases.
package messaging
