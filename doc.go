// Package cfx is a CFX (Connected Factory Exchange) endpoint for Go.
//
// An Endpoint publishes events to other endpoints, listens on its own
// addresses and issues synchronous requests over a publish/subscribe fabric.
// RabbitMQ is the default transport:
//
//	endpoint, err := cfx.Open(ctx, "line1",
//		cfx.WithListenURI("amqp://broker:5672"),
//		cfx.WithListeners("line1.requests"),
//		cfx.WithRequestHandler(&presence.Responder{Handle: "line1"}),
//	)
//	if err != nil {
//		return err
//	}
//	defer endpoint.Close()
//
//	if err := endpoint.AddPublishChannel(ctx, "amqp://broker:5672", "/exchange/amq.topic/cfx"); err != nil {
//		return err
//	}
//	err = endpoint.Publish(ctx, &contracts.EndpointConnected{CFXHandle: "line1"})
//
// Inbound events are read from the queues returned by Subscribe. Requests are
// sent with ExecuteRequest and resolved exactly once: by the response, by a
// *messaging.TimeoutError, by the caller's context or by Close.
package cfx
