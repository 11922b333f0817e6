package messaging

import (
	"fmt"
	"net/url"
	"strings"
)

// AddressKind distinguishes queue addresses from exchange addresses
type AddressKind int

const (
	// AddressQueue targets a named queue through the default exchange
	AddressQueue AddressKind = iota
	// AddressExchange targets an exchange with an optional routing key
	AddressExchange
)

const (
	topicExchange = "amq.topic"
	invalidURI    = "<invalid uri>"
)

// Address is a parsed fabric address.
//
// Accepted forms:
//
//	/exchange/<name>/<routing key>
//	/exchange/<name>
//	/topic/<routing key>        (amq.topic)
//	/queue/<name>, /amq/queue/<name>
//	<name>                      (queue)
type Address struct {
	Raw        string
	Kind       AddressKind
	Exchange   string
	RoutingKey string
	Queue      string
}

// ParseAddress parses a listener or publish address
func ParseAddress(raw string) (Address, error) {
	addr := Address{Raw: raw}
	if strings.TrimSpace(raw) == "" {
		return addr, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if !strings.HasPrefix(raw, "/") {
		addr.Kind = AddressQueue
		addr.Queue = raw
		return addr, nil
	}

	parts := strings.SplitN(strings.TrimPrefix(raw, "/"), "/", 3)
	switch {
	case parts[0] == "exchange" && len(parts) >= 2 && parts[1] != "":
		addr.Kind = AddressExchange
		addr.Exchange = parts[1]
		if len(parts) == 3 {
			addr.RoutingKey = parts[2]
		}
		return addr, nil

	case parts[0] == "topic" && len(parts) >= 2 && parts[1] != "":
		addr.Kind = AddressExchange
		addr.Exchange = topicExchange
		addr.RoutingKey = strings.TrimPrefix(raw, "/topic/")
		return addr, nil

	case parts[0] == "queue" && len(parts) == 2 && parts[1] != "":
		addr.Kind = AddressQueue
		addr.Queue = parts[1]
		return addr, nil

	case parts[0] == "amq" && len(parts) == 3 && parts[1] == "queue" && parts[2] != "" && !strings.Contains(parts[2], "/"):
		addr.Kind = AddressQueue
		addr.Queue = parts[2]
		return addr, nil
	}

	return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
}

// PublishTarget returns the exchange and routing key a message is sent to
func (a Address) PublishTarget() (exchange, routingKey string) {
	if a.Kind == AddressQueue {
		return "", a.Queue
	}
	return a.Exchange, a.RoutingKey
}

func (a Address) String() string {
	return a.Raw
}

// SanitizeURI strips credentials from a fabric URI.
// Unparseable input is returned as a placeholder so that secrets never reach logs.
func SanitizeURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return invalidURI
	}
	u.User = nil
	return u.String()
}

// ValidateURI reports a URI that cannot be parsed or names no host
func ValidateURI(uri string) error {
	if SanitizeURI(uri) == invalidURI {
		return fmt.Errorf("%w: malformed uri", ErrInvalidAddress)
	}
	return nil
}

// ChannelKey identifies a channel by sanitized URI and address
func ChannelKey(uri, address string) string {
	return SanitizeURI(uri) + "|" + address
}
