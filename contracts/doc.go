// Package contracts provides the envelope and the message catalog exchanged
// between CFX endpoints.
//
// This package defines:
//   - Envelope: addressed wrapper (Source, Target, RequestID) around one body
//   - Message: base interface of every body; MessageName is the wire discriminator
//   - Response: bodies that answer a request and carry a RequestResult
//   - The minimal catalog used by the endpoint itself (EndpointConnected,
//     EndpointShuttingDown, AreYouThereRequest/Response, NotSupportedResponse)
//
// Bodies whose name is not registered travel as RawMessage so that an endpoint
// can forward catalog entries it does not know about.
package contracts
