// Package signaling carries signaling messages between clients of a room.
// A Channel prefers the push (websocket) transport and falls back to the
// pull (HTTP polling) transport; only one is active at a time.
package signaling

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// TransportKind identifies a transport implementation.
type TransportKind int

const (
	KindNone TransportKind = iota
	KindPush
	KindPull
)

func (k TransportKind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindPull:
		return "pull"
	default:
		return "none"
	}
}

// Status is the externally visible state of a Channel.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var ErrTransportClosed = errors.New("signaling transport closed")

// Transport is one way of reaching the signaling hub.
type Transport interface {
	Kind() TransportKind
	// Connect establishes the transport; for pull this is the room join.
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	// Messages yields incoming messages in arrival order and is closed
	// when the transport dies or is closed.
	Messages() <-chan Message
	Close() error
}

// websocketURL turns the hub's http(s) base URL into the push endpoint.
func websocketURL(serverURL, room, clientID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws/" + room
	u.RawQuery = url.Values{"client_id": []string{clientID}}.Encode()
	return u.String(), nil
}
