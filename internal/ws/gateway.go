package ws

import (
	"context"
	"log"
	"time"

	"github.com/charla/chat-server/internal/delivery"
	"github.com/charla/chat-server/internal/message"
	"github.com/charla/chat-server/internal/messaging"
	"github.com/charla/chat-server/internal/metrics"
	"github.com/charla/chat-server/internal/presence"
	"github.com/charla/chat-server/internal/protocol"
	"github.com/charla/chat-server/internal/ratelimit"
	"github.com/charla/chat-server/internal/typing"
)

// handlerTimeout bounds the database work done on behalf of a single client
// event.
const handlerTimeout = 5 * time.Second

// Gateway is the application layer on top of the WebSocket server. It binds
// connections to users, maintains chat-room subscriptions, routes client
// events into the delivery coordinator, and consumes the notification bus to
// push events to the sockets this instance holds.
type Gateway struct {
	server   *Server
	disp     *EventDispatcher
	registry *presence.Registry
	coord    *delivery.Coordinator
	msgs     *message.Store
	typing   *typing.Tracker
	limiter  *ratelimit.Limiter
	bus      *messaging.Client
}

// NewGateway wires a gateway from its dependencies. Call Start to register
// event handlers and bus subscriptions.
func NewGateway(server *Server, disp *EventDispatcher, registry *presence.Registry,
	coord *delivery.Coordinator, msgs *message.Store, limiter *ratelimit.Limiter,
	bus *messaging.Client) *Gateway {

	g := &Gateway{
		server:   server,
		disp:     disp,
		registry: registry,
		coord:    coord,
		msgs:     msgs,
		limiter:  limiter,
		bus:      bus,
	}
	g.typing = typing.NewTracker(typing.DefaultTTL, g.onTypingExpired)
	return g
}

// Start registers every event handler, the disconnect hook, and the bus
// consumers. It must be called before the server starts accepting clients.
func (g *Gateway) Start() error {
	g.disp.Register(protocol.EventAuthenticate, g.handleAuthenticate)
	g.disp.Register(protocol.EventSendMessage, g.handleSendMessage)
	g.disp.Register(protocol.EventJoinChat, g.handleJoinChat)
	g.disp.Register(protocol.EventLeaveChat, g.handleLeaveChat)
	g.disp.Register(protocol.EventMarkRead, g.handleMarkRead)
	g.disp.Register(protocol.EventMarkAllRead, g.handleMarkAllRead)
	g.disp.Register(protocol.EventMessageReceived, g.handleMessageReceived)
	g.disp.Register(protocol.EventTypingStart, g.handleTypingStart)
	g.disp.Register(protocol.EventTypingStop, g.handleTypingStop)
	g.disp.Register(protocol.EventDeleteMessage, g.handleDeleteMessage)

	g.server.SetOnDisconnect(g.onDisconnect)

	if err := g.bus.SubscribeUserEvents(g.onUserEvent); err != nil {
		return err
	}
	return g.bus.SubscribeChatEvents(g.onChatEvent)
}

// onUserEvent pushes a bus event to the target user's socket if this
// instance holds it. Instances that do not hold the user drop the event.
func (g *Gateway) onUserEvent(userID int64, data []byte) {
	h := g.registry.Resolve(userID)
	if h == nil {
		return
	}
	if err := h.WriteMessage(data); err != nil {
		log.Printf("gateway: push to user %d failed: %v", userID, err)
	}
}

// onChatEvent fans a bus event out to every local connection subscribed to
// the chat room, honoring the producer's exclusion.
func (g *Gateway) onChatEvent(chatID, excludeUserID int64, data []byte) {
	g.server.Connections().BroadcastRoom(chatID, excludeUserID, data)
}

// ---------------------------------------------------------------------------
// Client event handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleAuthenticate(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.AuthenticateMsg)
	if !ok {
		return
	}

	conn.BindUser(m.UserID, m.UserName)

	// Last bind wins: a reconnect replaces the previous socket for the user.
	if prev := g.registry.Bind(m.UserID, conn); prev != nil && prev.SessionID() != conn.ID {
		if pc, ok := prev.(*Connection); ok {
			log.Printf("gateway: user %d rebound, closing stale session=%s", m.UserID, pc.ID)
			g.server.RemoveConnection(pc)
		}
	}
	metrics.OnlineUsers.Set(float64(g.registry.Count()))

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if store := g.server.SessionStore(); store != nil {
		if err := store.Bind(ctx, conn.ID, m.UserID, m.UserName); err != nil {
			log.Printf("gateway: session bind user=%d: %v", m.UserID, err)
		}
	}

	g.sendEvent(conn, protocol.EventAuthenticated, protocol.AuthenticatedMsg{
		UserID:   m.UserID,
		UserName: m.UserName,
	})
	g.sendEvent(conn, protocol.EventOnlineUsers, protocol.OnlineUsersMsg{
		UserIDs: g.registry.ListOnline(),
	})

	online, err := protocol.NewServerEvent(protocol.EventUserOnline, protocol.UserOnlineMsg{
		UserID:    m.UserID,
		UserName:  m.UserName,
		Timestamp: now(),
	})
	if err == nil {
		g.server.Connections().Broadcast(online)
	}

	// Connect sweep: everything pending for this user across all chats is
	// marked delivered and the senders are notified.
	if n, err := g.coord.SweepUndelivered(ctx, m.UserID, m.UserName, 0); err != nil {
		log.Printf("gateway: connect sweep user=%d: %v", m.UserID, err)
	} else if n > 0 {
		log.Printf("gateway: connect sweep user=%d delivered=%d", m.UserID, n)
	}
}

func (g *Gateway) handleSendMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	uid, _ := conn.User()
	if uid == 0 {
		g.sendError(conn, "not_authenticated", "authenticate first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	allowed, err := g.limiter.Allow(ctx, ratelimit.RuleSendMessage, uid)
	if err != nil {
		log.Printf("gateway: rate limit check user=%d: %v", uid, err)
		// Limiter outage must not block sends.
		allowed = true
	}
	if !allowed {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		g.sendMessageError(conn, "rate_limited", "too many messages, slow down", m.ClientTempID)
		return
	}

	if _, err := g.coord.SendMessage(ctx, uid, m.ChatID, m.Content, m.Kind, m.ClientTempID); err != nil {
		log.Printf("gateway: send user=%d chat=%d: %v", uid, m.ChatID, err)
		g.sendMessageError(conn, delivery.ErrorCode(err), "failed to send message", m.ClientTempID)
	}
}

func (g *Gateway) handleJoinChat(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinChatMsg)
	if !ok {
		return
	}
	uid, name := conn.User()
	if uid == 0 {
		g.sendError(conn, "not_authenticated", "authenticate first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	isMember, err := g.msgs.IsParticipant(ctx, m.ChatID, uid)
	if err != nil {
		log.Printf("gateway: join chat=%d user=%d: %v", m.ChatID, uid, err)
		g.sendError(conn, "internal_error", "failed to join chat")
		return
	}
	if !isMember {
		g.sendError(conn, "forbidden", "not a participant of this chat")
		return
	}

	g.server.Connections().JoinRoom(conn, m.ChatID)

	// Opening a chat delivers whatever is still pending in it.
	if _, err := g.coord.SweepUndelivered(ctx, uid, name, m.ChatID); err != nil {
		log.Printf("gateway: chat sweep chat=%d user=%d: %v", m.ChatID, uid, err)
	}
}

func (g *Gateway) handleLeaveChat(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveChatMsg)
	if !ok {
		return
	}
	uid, _ := conn.User()
	if uid != 0 && g.typing.Stop(m.ChatID, uid) {
		g.broadcastTyping(protocol.EventTypingStop, m.ChatID, uid, "")
	}
	g.server.Connections().LeaveRoom(conn, m.ChatID)
}

func (g *Gateway) handleMarkRead(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	uid, name := conn.User()
	if uid == 0 {
		g.sendError(conn, "not_authenticated", "authenticate first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := g.coord.MarkRead(ctx, uid, name, m.MessageID); err != nil {
		log.Printf("gateway: mark read message=%d user=%d: %v", m.MessageID, uid, err)
		g.sendError(conn, delivery.ErrorCode(err), "failed to mark message read")
	}
}

func (g *Gateway) handleMarkAllRead(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkAllReadMsg)
	if !ok {
		return
	}
	uid, name := conn.User()
	if uid == 0 {
		g.sendError(conn, "not_authenticated", "authenticate first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := g.coord.MarkAllRead(ctx, uid, name, m.ChatID); err != nil {
		log.Printf("gateway: mark all read chat=%d user=%d: %v", m.ChatID, uid, err)
		g.sendError(conn, delivery.ErrorCode(err), "failed to mark chat read")
	}
}

func (g *Gateway) handleMessageReceived(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.MessageReceivedMsg)
	if !ok {
		return
	}
	uid, name := conn.User()
	if uid == 0 {
		g.sendError(conn, "not_authenticated", "authenticate first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := g.coord.AckDelivered(ctx, uid, name, m.MessageID); err != nil {
		log.Printf("gateway: delivery ack message=%d user=%d: %v", m.MessageID, uid, err)
	}
}

func (g *Gateway) handleTypingStart(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingStartMsg)
	if !ok {
		return
	}
	uid, name := conn.User()
	if uid == 0 || !g.server.Connections().InRoom(conn, m.ChatID) {
		return
	}
	if g.typing.Start(m.ChatID, uid) {
		g.broadcastTyping(protocol.EventTypingStart, m.ChatID, uid, name)
	}
}

func (g *Gateway) handleTypingStop(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingStopMsg)
	if !ok {
		return
	}
	uid, name := conn.User()
	if uid == 0 {
		return
	}
	if g.typing.Stop(m.ChatID, uid) {
		g.broadcastTyping(protocol.EventTypingStop, m.ChatID, uid, name)
	}
}

func (g *Gateway) handleDeleteMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.DeleteMessageMsg)
	if !ok {
		return
	}
	uid, _ := conn.User()
	if uid == 0 {
		g.sendError(conn, "not_authenticated", "authenticate first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := g.coord.DeleteMessage(ctx, uid, m.MessageID); err != nil {
		log.Printf("gateway: delete message=%d user=%d: %v", m.MessageID, uid, err)
		g.sendError(conn, delivery.ErrorCode(err), "failed to delete message")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// onDisconnect cleans up the user's presence, typing indicators, and
// announces them offline. Only the connection that still owns the user's
// presence entry triggers the offline announcement; a stale socket closed
// after a reconnect does not.
func (g *Gateway) onDisconnect(conn *Connection) {
	uid, name := conn.User()
	if uid == 0 {
		return
	}
	if !g.registry.Unbind(uid, conn) {
		return
	}
	metrics.OnlineUsers.Set(float64(g.registry.Count()))

	for _, chatID := range g.typing.StopAll(uid) {
		g.broadcastTyping(protocol.EventTypingStop, chatID, uid, name)
	}

	offline, err := protocol.NewServerEvent(protocol.EventUserOffline, protocol.UserOfflineMsg{
		UserID:    uid,
		UserName:  name,
		Timestamp: now(),
	})
	if err == nil {
		g.server.Connections().Broadcast(offline)
	}
}

// Shutdown announces every authenticated user offline (best effort, clients
// may already be gone) and stops the underlying server.
func (g *Gateway) Shutdown() error {
	for _, uid := range g.registry.ListOnline() {
		offline, err := protocol.NewServerEvent(protocol.EventUserOffline, protocol.UserOfflineMsg{
			UserID:    uid,
			Timestamp: now(),
		})
		if err == nil {
			g.server.Connections().Broadcast(offline)
		}
	}
	return g.server.Shutdown()
}

// onTypingExpired runs from the tracker's timer when an indicator times out
// without an explicit stop.
func (g *Gateway) onTypingExpired(chatID, userID int64) {
	g.broadcastTyping(protocol.EventTypingStop, chatID, userID, "")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (g *Gateway) broadcastTyping(event string, chatID, userID int64, userName string) {
	data, err := protocol.NewServerEvent(event, protocol.TypingMsg{
		ChatID:   chatID,
		UserID:   userID,
		UserName: userName,
	})
	if err != nil {
		return
	}
	g.server.Connections().BroadcastRoom(chatID, userID, data)
}

func (g *Gateway) sendEvent(conn *Connection, event string, payload interface{}) {
	data, err := protocol.NewServerEvent(event, payload)
	if err != nil {
		log.Printf("gateway: build %s session=%s: %v", event, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: send %s session=%s: %v", event, conn.ID, err)
	}
}

func (g *Gateway) sendError(conn *Connection, code, msg string) {
	g.sendEvent(conn, protocol.EventError, protocol.ErrorMsg{Code: code, Message: msg})
}

func (g *Gateway) sendMessageError(conn *Connection, code, msg, clientTempID string) {
	g.sendEvent(conn, protocol.EventMessageError, protocol.MessageErrorMsg{
		Code:         code,
		Message:      msg,
		ClientTempID: clientTempID,
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
