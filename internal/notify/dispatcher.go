// Package notify turns committed state transitions into push notifications.
// The delivery coordinator hands the dispatcher a set of batches; the
// dispatcher serializes each one and publishes it to the notification bus,
// where gateway instances deliver to the sockets they hold. Delivery is
// at-most-once and best effort: a failed push is logged and dropped, never
// retried, and never fails the state transition that produced it.
package notify

import (
	"log"
	"time"

	"github.com/charla/chat-server/internal/metrics"
	"github.com/charla/chat-server/internal/protocol"
)

// Batch is one push notification: an event payload aimed at either a single
// user or every member of a chat room. Exactly one of TargetUserID and
// TargetChatID is set. ExcludeUserID optionally keeps one user out of a
// chat-room broadcast, for the case where the same event already reaches
// them on their direct subject.
type Batch struct {
	Event         string
	TargetUserID  int64
	TargetChatID  int64
	ExcludeUserID int64
	Payload       interface{}
}

// ToUser builds a batch aimed at a single user.
func ToUser(userID int64, event string, payload interface{}) Batch {
	return Batch{Event: event, TargetUserID: userID, Payload: payload}
}

// ToChat builds a batch aimed at a chat room. excludeUserID may be 0.
func ToChat(chatID, excludeUserID int64, event string, payload interface{}) Batch {
	return Batch{Event: event, TargetChatID: chatID, ExcludeUserID: excludeUserID, Payload: payload}
}

// Bus is the publishing side of the notification bus the dispatcher writes
// to. *messaging.Client satisfies it.
type Bus interface {
	PublishToUser(userID int64, data []byte) error
	PublishToChat(chatID, excludeUserID int64, data []byte) error
}

// Dispatcher publishes notification batches to the bus.
type Dispatcher struct {
	bus Bus
}

// NewDispatcher creates a dispatcher writing to the given bus.
func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{bus: bus}
}

// Dispatch publishes every batch. Failures are logged and swallowed; by the
// time batches reach the dispatcher the state transitions behind them are
// already committed, and a recipient who misses a push reconciles from the
// ledger on their next connect or chat open.
func (d *Dispatcher) Dispatch(batches []Batch) {
	start := time.Now()
	for _, b := range batches {
		data, err := protocol.NewServerEvent(b.Event, b.Payload)
		if err != nil {
			log.Printf("[notify] encode %s: %v", b.Event, err)
			continue
		}

		switch {
		case b.TargetUserID != 0:
			if err := d.bus.PublishToUser(b.TargetUserID, data); err != nil {
				log.Printf("[notify] push %s to user %d: %v", b.Event, b.TargetUserID, err)
				continue
			}
			metrics.NotificationsTotal.WithLabelValues("user").Inc()
		case b.TargetChatID != 0:
			if err := d.bus.PublishToChat(b.TargetChatID, b.ExcludeUserID, data); err != nil {
				log.Printf("[notify] push %s to chat %d: %v", b.Event, b.TargetChatID, err)
				continue
			}
			metrics.NotificationsTotal.WithLabelValues("chat").Inc()
		default:
			log.Printf("[notify] batch %s has no target, dropped", b.Event)
		}
	}
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
}
