package ws

import (
	"log"
	"time"

	"github.com/charla/chat-server/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.SendMessageMsg).
type EventHandler func(conn *Connection, msg interface{})

// EventDispatcher routes incoming WebSocket events to registered handlers
// based on the canonical event type. Hyphen/underscore spelling is already
// normalized by the parser, so handlers are registered once per event. The
// built-in ping/pong keepalive is handled internally; malformed or
// unsupported events get structured error responses.
type EventDispatcher struct {
	handlers map[string]EventHandler
	server   *Server
}

// NewEventDispatcher creates an EventDispatcher bound to the given server.
// The server reference is used to send responses back to clients; it may be
// nil at construction and assigned later with SetServer.
func NewEventDispatcher(server *Server) *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]EventHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports
// the initialization pattern where the dispatcher is created before the
// server (since NewServer requires the Dispatch callback).
func (d *EventDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates an EventHandler with a canonical event type. If a
// handler was already registered for the given type, it is silently replaced.
func (d *EventDispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error event sent back to the client.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, "invalid_payload", "invalid event format")
		return
	}

	// Built-in ping handler; respond immediately without requiring registration.
	if eventType == protocol.EventPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("ws: unsupported event type=%q session=%s", eventType, conn.ID)
		d.sendError(conn, "unsupported_event", "unsupported event type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (d *EventDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerEvent(protocol.EventError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event session=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *EventDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerEvent(protocol.EventPong, protocol.PongMsg{
		Time: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("ws: failed to build pong event session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong event session=%s: %v", conn.ID, err)
	}
}
