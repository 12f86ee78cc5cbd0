// Package messaging provides a NATS client wrapper for the notification bus.
// State transitions committed by the delivery coordinator are fanned out as
// user- or chat-targeted events; every gateway instance consumes the bus and
// pushes to the sockets and rooms it holds locally. This keeps the presence
// registry process-local while letting any entry point (realtime or HTTP)
// reach clients connected anywhere.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for the notification bus.
const (
	SubjectUserPrefix = "notify.user." // + <user_id>
	SubjectChatPrefix = "notify.chat." // + <chat_id>
)

// ChatEnvelope wraps a chat-room event on the bus. ExcludeUserID lets the
// producer keep one user out of a room broadcast, e.g. a sender who already
// receives the same receipt on their direct user subject.
type ChatEnvelope struct {
	ExcludeUserID int64           `json:"excludeUserId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "charla",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishToUser publishes a serialized event to the user's direct subject.
func (c *Client) PublishToUser(userID int64, data []byte) error {
	return c.conn.Publish(SubjectUserPrefix+strconv.FormatInt(userID, 10), data)
}

// PublishToChat publishes a serialized event to the chat-room subject,
// wrapped in a ChatEnvelope. excludeUserID may be 0 for no exclusion.
func (c *Client) PublishToChat(chatID, excludeUserID int64, data []byte) error {
	env, err := json.Marshal(ChatEnvelope{ExcludeUserID: excludeUserID, Data: data})
	if err != nil {
		return fmt.Errorf("nats marshal chat envelope: %w", err)
	}
	return c.conn.Publish(SubjectChatPrefix+strconv.FormatInt(chatID, 10), env)
}

// SubscribeUserEvents subscribes to all user-targeted events. The handler
// receives the target user ID parsed from the subject and the raw event.
func (c *Client) SubscribeUserEvents(handler func(userID int64, data []byte)) error {
	return c.subscribe(SubjectUserPrefix+">", func(msg *nats.Msg) {
		id, err := subjectID(msg.Subject, SubjectUserPrefix)
		if err != nil {
			log.Printf("[nats] bad user subject %q: %v", msg.Subject, err)
			return
		}
		handler(id, msg.Data)
	})
}

// SubscribeChatEvents subscribes to all chat-targeted events. The handler
// receives the chat ID, the user to exclude from the broadcast (0 for none),
// and the raw event.
func (c *Client) SubscribeChatEvents(handler func(chatID, excludeUserID int64, data []byte)) error {
	return c.subscribe(SubjectChatPrefix+">", func(msg *nats.Msg) {
		id, err := subjectID(msg.Subject, SubjectChatPrefix)
		if err != nil {
			log.Printf("[nats] bad chat subject %q: %v", msg.Subject, err)
			return
		}
		var env ChatEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[nats] bad chat envelope on %q: %v", msg.Subject, err)
			return
		}
		handler(id, env.ExcludeUserID, env.Data)
	})
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// subjectID extracts the numeric ID suffix from a bus subject.
func subjectID(subject, prefix string) (int64, error) {
	raw := strings.TrimPrefix(subject, prefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
