// Package channel abstracts the inbound/outbound boundary between a UI
// and the runtime: a Source delivers user messages to a handler and
// accepts responses addressed back to a user. internal/channel/ws.go
// is the WebSocket-backed implementation.
package channel

// MessageHandler is invoked for every inbound message a Source
// receives, carrying the user it came from and the raw text.
type MessageHandler func(userID, text string)

// Source is an inbound/outbound message channel. Exactly the shape
// named in the external-interfaces section: registering a handler,
// sending a response to a specific user, checking connectivity, and
// disconnecting.
type Source interface {
	// OnMessage registers the handler invoked for each inbound
	// message. Only one handler is active at a time; a later call
	// replaces the prior handler.
	OnMessage(handler MessageHandler)

	// SendResponse delivers text to userID. Returns an error if the
	// user has no live connection.
	SendResponse(userID, text string) error

	// IsConnected reports whether the source currently has at least
	// one live connection.
	IsConnected() bool

	// Disconnect closes every live connection and stops accepting new
	// ones.
	Disconnect() error
}
