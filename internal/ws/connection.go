package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// A connection starts anonymous; authenticate binds it to a user.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last heartbeat received from the client

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	userMu   sync.RWMutex
	userID   int64 // 0 until authenticated
	userName string
}

// SessionID returns the connection's unique session identifier. Together
// with WriteMessage it makes Connection usable as a presence handle.
func (c *Connection) SessionID() string {
	return c.ID
}

// BindUser attaches a user identity to the connection.
func (c *Connection) BindUser(userID int64, userName string) {
	c.userMu.Lock()
	c.userID = userID
	c.userName = userName
	c.userMu.Unlock()
}

// User returns the bound user identity, or (0, "") if the connection has not
// authenticated.
func (c *Connection) User() (int64, string) {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID, c.userName
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps session IDs and file
// descriptors to their respective Connection objects, and tracks which chat
// rooms each connection has joined. It supports O(1) lookups by both session
// ID and fd.
type ConnectionManager struct {
	mu        sync.RWMutex
	byID      map[string]*Connection          // session_id -> Connection
	byFd      map[int]*Connection             // fd -> Connection
	rooms     map[int64]map[string]*Connection // chat_id -> session_id -> Connection
	connRooms map[string]map[int64]struct{}    // session_id -> joined chat_ids
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:      make(map[string]*Connection),
		byFd:      make(map[int]*Connection),
		rooms:     make(map[int64]map[string]*Connection),
		connRooms: make(map[string]map[int64]struct{}),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from the lookup maps and every room it joined.
// Returns true if the connection was found and removed, false if it was
// already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		cm.leaveAllLocked(id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// JoinRoom subscribes the connection to a chat room. Joining a room twice is
// a no-op.
func (cm *ConnectionManager) JoinRoom(conn *Connection, chatID int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.byID[conn.ID]; !ok {
		return // connection already removed
	}

	room, ok := cm.rooms[chatID]
	if !ok {
		room = make(map[string]*Connection)
		cm.rooms[chatID] = room
	}
	room[conn.ID] = conn

	joined, ok := cm.connRooms[conn.ID]
	if !ok {
		joined = make(map[int64]struct{})
		cm.connRooms[conn.ID] = joined
	}
	joined[chatID] = struct{}{}
}

// LeaveRoom unsubscribes the connection from a chat room.
func (cm *ConnectionManager) LeaveRoom(conn *Connection, chatID int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if room, ok := cm.rooms[chatID]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(cm.rooms, chatID)
		}
	}
	if joined, ok := cm.connRooms[conn.ID]; ok {
		delete(joined, chatID)
		if len(joined) == 0 {
			delete(cm.connRooms, conn.ID)
		}
	}
}

// InRoom reports whether the connection is subscribed to the chat room.
func (cm *ConnectionManager) InRoom(conn *Connection, chatID int64) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	room, ok := cm.rooms[chatID]
	if !ok {
		return false
	}
	_, ok = room[conn.ID]
	return ok
}

// leaveAllLocked removes the connection from every room. Caller holds cm.mu.
func (cm *ConnectionManager) leaveAllLocked(id string) {
	for chatID := range cm.connRooms[id] {
		if room, ok := cm.rooms[chatID]; ok {
			delete(room, id)
			if len(room) == 0 {
				delete(cm.rooms, chatID)
			}
		}
	}
	delete(cm.connRooms, id)
}

// BroadcastRoom sends a message to every connection subscribed to the chat
// room, skipping connections bound to excludeUserID (0 excludes no one).
// Errors on individual connections are silently ignored; failed connections
// are cleaned up by the event loop when their next read fails.
func (cm *ConnectionManager) BroadcastRoom(chatID, excludeUserID int64, msg []byte) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.rooms[chatID]))
	for _, conn := range cm.rooms[chatID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		if excludeUserID != 0 {
			if uid, _ := conn.User(); uid == excludeUserID {
				continue
			}
		}
		_ = conn.WriteMessage(msg)
	}
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
