package contracts

// Message is the base interface for every body carried in an Envelope.
// The name returned by MessageName is the wire discriminator.
type Message interface {
	MessageName() string
}

// Response is a message sent back as the answer to a request
type Response interface {
	Message
	GetResult() RequestResult
}

// Role describes how an envelope participates in an exchange
type Role string

const (
	RoleEvent    Role = "event"
	RoleRequest  Role = "request"
	RoleResponse Role = "response"
)

// Message names of the catalog entries shipped with this module
const (
	NameEndpointConnected    = "CFX.EndpointConnected"
	NameEndpointShuttingDown = "CFX.EndpointShuttingDown"
	NameAreYouThereRequest   = "CFX.AreYouThereRequest"
	NameAreYouThereResponse  = "CFX.AreYouThereResponse"
	NameNotSupportedResponse = "CFX.NotSupportedResponse"
)

// EndpointConnected is published when an endpoint joins the network
type EndpointConnected struct {
	CFXHandle            string `json:"CFXHandle" msgpack:"CFXHandle"`
	RequestNetworkUri    string `json:"RequestNetworkUri,omitempty" msgpack:"RequestNetworkUri,omitempty"`
	RequestTargetAddress string `json:"RequestTargetAddress,omitempty" msgpack:"RequestTargetAddress,omitempty"`
}

// MessageName implements Message
func (EndpointConnected) MessageName() string { return NameEndpointConnected }

// EndpointShuttingDown is published by an endpoint that is about to close
type EndpointShuttingDown struct {
	CFXHandle string `json:"CFXHandle" msgpack:"CFXHandle"`
}

// MessageName implements Message
func (EndpointShuttingDown) MessageName() string { return NameEndpointShuttingDown }

// AreYouThereRequest asks whether the endpoint with the given handle is present.
// An empty handle addresses whichever endpoint receives the request.
type AreYouThereRequest struct {
	CFXHandle string `json:"CFXHandle" msgpack:"CFXHandle"`
}

// MessageName implements Message
func (AreYouThereRequest) MessageName() string { return NameAreYouThereRequest }

// AreYouThereResponse carries the identity of the responding endpoint and
// how to reach it with future requests.
type AreYouThereResponse struct {
	Result RequestResult `json:"Result" msgpack:"Result"`

	// CFXHandle is the handle of the endpoint that is responding
	CFXHandle string `json:"CFXHandle" msgpack:"CFXHandle"`

	// RequestNetworkUri is the network address to be used for requests to this endpoint
	RequestNetworkUri string `json:"RequestNetworkUri" msgpack:"RequestNetworkUri"`

	// RequestTargetAddress is the target address for requests, if any
	RequestTargetAddress string `json:"RequestTargetAddress,omitempty" msgpack:"RequestTargetAddress,omitempty"`
}

// MessageName implements Message
func (AreYouThereResponse) MessageName() string { return NameAreYouThereResponse }

// GetResult implements Response
func (r AreYouThereResponse) GetResult() RequestResult { return r.Result }

// NotSupportedResponse answers a request that the endpoint cannot serve
type NotSupportedResponse struct {
	Result RequestResult `json:"Result" msgpack:"Result"`
}

// MessageName implements Message
func (NotSupportedResponse) MessageName() string { return NameNotSupportedResponse }

// GetResult implements Response
func (r NotSupportedResponse) GetResult() RequestResult { return r.Result }

// RawMessage holds a body whose name is not registered in the catalog.
// Data keeps the encoded body exactly as received; ContentType names the
// codec it arrived with. An empty ContentType means Data is already in the
// encoding of whichever codec sends it.
type RawMessage struct {
	Name        string
	Data        []byte
	ContentType string
}

// MessageName implements Message
func (m RawMessage) MessageName() string { return m.Name }
