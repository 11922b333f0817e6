// Package presence implements the AreYouThere handshake endpoints use to
// discover each other and learn where to send requests.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/cfx-go/contracts"
)

// Requester issues a request and waits for its response
type Requester interface {
	ExecuteRequest(ctx context.Context, uri, address string, env *contracts.Envelope, timeout time.Duration) (*contracts.Envelope, error)
}

// Responder answers AreYouThereRequest for one endpoint
type Responder struct {
	// Handle of the answering endpoint
	Handle string
	// RequestURI is advertised as the network address for future requests
	RequestURI string
	// RequestTarget is advertised as the address requests are sent to
	RequestTarget string
}

// HandleRequest implements messaging.RequestHandler. Requests naming another
// handle and other message types get no answer.
func (r *Responder) HandleRequest(_ context.Context, request *contracts.Envelope) (*contracts.Envelope, error) {
	req, ok := areYouThere(request.MessageBody)
	if !ok {
		return nil, nil
	}
	if req.CFXHandle != "" && req.CFXHandle != r.Handle {
		return nil, nil
	}

	return contracts.NewEnvelope(&contracts.AreYouThereResponse{
		Result:               contracts.NewSuccessResult(),
		CFXHandle:            r.Handle,
		RequestNetworkUri:    r.RequestURI,
		RequestTargetAddress: r.RequestTarget,
	}), nil
}

// Probe asks the endpoint with handle at address on uri whether it is
// present. A response with a failed result is returned as an error.
func Probe(ctx context.Context, requester Requester, uri, address, handle string, timeout time.Duration) (*contracts.AreYouThereResponse, error) {
	req := contracts.NewEnvelope(&contracts.AreYouThereRequest{CFXHandle: handle})
	req.Target = handle

	env, err := requester.ExecuteRequest(ctx, uri, address, req, timeout)
	if err != nil {
		return nil, err
	}

	switch body := env.MessageBody.(type) {
	case *contracts.AreYouThereResponse:
		if err := body.Result.Err(); err != nil {
			return body, err
		}
		return body, nil
	case contracts.Response:
		if err := body.GetResult().Err(); err != nil {
			return nil, fmt.Errorf("%s answered with %s: %w", handle, env.Name(), err)
		}
		return nil, fmt.Errorf("%s answered with unexpected %s", handle, env.Name())
	default:
		return nil, fmt.Errorf("%s answered with unexpected %s", handle, env.Name())
	}
}

func areYouThere(body contracts.Message) (*contracts.AreYouThereRequest, bool) {
	switch req := body.(type) {
	case *contracts.AreYouThereRequest:
		return req, true
	case contracts.AreYouThereRequest:
		return &req, true
	default:
		return nil, false
	}
}
