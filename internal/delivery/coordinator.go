// Package delivery implements the coordinator that advances per-recipient
// message state. Every transition follows the one-way path sent -> delivered
// -> read; the coordinator validates the trigger, commits the transition
// through the receipt ledger, and fans out notification batches through the
// dispatcher. All entry points (realtime events, connect sweeps, HTTP routes)
// funnel through this package so the rules hold everywhere.
package delivery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/charla/chat-server/internal/ledger"
	"github.com/charla/chat-server/internal/message"
	"github.com/charla/chat-server/internal/metrics"
	"github.com/charla/chat-server/internal/notify"
	"github.com/charla/chat-server/internal/protocol"
)

// Sweep caps. A connect sweep covers all of the recipient's chats; a chat
// sweep runs when a single chat is opened and uses a tighter cap.
const (
	SweepLimitConnect = 100
	SweepLimitChat    = 50
)

// MessageStore is the message persistence surface the coordinator needs.
// *message.Store satisfies it.
type MessageStore interface {
	CreateMessage(ctx context.Context, chatID, senderID int64, content, kind string) (message.Message, error)
	Get(ctx context.Context, messageID int64) (message.Message, error)
	ChatKind(ctx context.Context, chatID int64) (string, error)
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	Participants(ctx context.Context, chatID int64, except int64) ([]int64, error)
	SoftDelete(ctx context.Context, messageID, requesterID int64) (message.Message, error)
}

// ReceiptLedger is the receipt persistence surface. *ledger.Store satisfies it.
type ReceiptLedger interface {
	RecordDelivered(ctx context.Context, messageID, recipientID int64) (ledger.EntryState, error)
	RecordRead(ctx context.Context, messageID, recipientID int64) (ledger.EntryState, error)
	RecordAllRead(ctx context.Context, chatID, recipientID int64) ([]ledger.PendingMessage, error)
	ListUndelivered(ctx context.Context, recipientID int64, chatID int64, limit int) ([]ledger.PendingMessage, error)
}

// Presence answers whether a user is reachable right now. The presence
// registry satisfies it.
type Presence interface {
	IsOnline(userID int64) bool
}

// Notifier pushes notification batches. *notify.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(batches []notify.Batch)
}

// Coordinator owns delivery and read state transitions.
type Coordinator struct {
	msgs     MessageStore
	receipts ReceiptLedger
	presence Presence
	notifier Notifier
}

// NewCoordinator wires a coordinator from its dependencies.
func NewCoordinator(msgs MessageStore, receipts ReceiptLedger, presence Presence, notifier Notifier) *Coordinator {
	return &Coordinator{msgs: msgs, receipts: receipts, presence: presence, notifier: notifier}
}

// SendResult reports a completed send: the persisted message, the chat kind,
// and the recipients who were online and had delivery recorded immediately.
type SendResult struct {
	Message       message.Message
	ChatType      string
	AutoDelivered []int64
}

// SendMessage persists a message and runs the send-time flow: delivery is
// recorded for every recipient who is online right now, the message is pushed
// to recipients, the sender gets a delivery notification per auto-delivered
// recipient and a send confirmation echoing clientTempID. Offline recipients
// get nothing now; their pending state is swept when they next connect.
func (c *Coordinator) SendMessage(ctx context.Context, senderID, chatID int64, content, kind, clientTempID string) (SendResult, error) {
	m, err := c.msgs.CreateMessage(ctx, chatID, senderID, content, kind)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return SendResult{}, err
	}

	chatType, err := c.msgs.ChatKind(ctx, chatID)
	if err != nil {
		return SendResult{}, err
	}
	recipients, err := c.msgs.Participants(ctx, chatID, senderID)
	if err != nil {
		return SendResult{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	newMsg := protocol.NewMessageMsg{
		MessageID:    m.ID,
		ChatID:       m.ChatID,
		ChatType:     chatType,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		Content:      m.Content,
		Kind:         m.Kind,
		SentAt:       m.SentAt.UTC().Format(time.RFC3339),
		ClientTempID: clientTempID,
	}

	var (
		batches   []notify.Batch
		delivered []int64
	)
	for _, rid := range recipients {
		// The push goes out for every recipient; gateways holding no
		// connection for the user drop it. Delivery state is only recorded
		// for recipients known to be online, everyone else is picked up by
		// their next sweep.
		batches = append(batches, notify.ToUser(rid, protocol.EventNewMessage, newMsg))

		if !c.presence.IsOnline(rid) {
			continue
		}
		if _, err := c.receipts.RecordDelivered(ctx, m.ID, rid); err != nil {
			log.Printf("[delivery] auto-deliver message=%d user=%d: %v", m.ID, rid, err)
			continue
		}
		metrics.ReceiptsTotal.WithLabelValues("delivered").Inc()
		delivered = append(delivered, rid)
		batches = append(batches, notify.ToUser(senderID, protocol.EventMessagesDelivered, protocol.MessagesDeliveredMsg{
			MessageIDs: []int64{m.ID},
			UserID:     rid,
			ChatID:     chatID,
			ChatType:   chatType,
			Timestamp:  now,
		}))
	}

	batches = append(batches, notify.ToUser(senderID, protocol.EventMessageSent, protocol.MessageSentMsg{
		ClientTempID: clientTempID,
		MessageID:    m.ID,
		ChatID:       chatID,
		ChatType:     chatType,
		Timestamp:    now,
	}))

	c.notifier.Dispatch(batches)
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	return SendResult{Message: m, ChatType: chatType, AutoDelivered: delivered}, nil
}

// senderChat groups swept messages for per-sender notification batching.
type senderChat struct {
	senderID int64
	chatID   int64
}

// SweepUndelivered records delivery for every message still pending for the
// recipient and notifies each original sender who is online with one batch
// per (sender, chat). chatID scopes the sweep to one chat (the chat-open
// case); pass 0 to sweep everything (the connect case). It returns the
// number of messages transitioned.
func (c *Coordinator) SweepUndelivered(ctx context.Context, recipientID int64, recipientName string, chatID int64) (int, error) {
	limit := SweepLimitConnect
	if chatID != 0 {
		limit = SweepLimitChat
	}

	pending, err := c.receipts.ListUndelivered(ctx, recipientID, chatID, limit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	groups := make(map[senderChat][]int64)
	var order []senderChat
	count := 0
	for _, pm := range pending {
		if _, err := c.receipts.RecordDelivered(ctx, pm.MessageID, recipientID); err != nil {
			log.Printf("[delivery] sweep message=%d user=%d: %v", pm.MessageID, recipientID, err)
			continue
		}
		metrics.ReceiptsTotal.WithLabelValues("delivered").Inc()
		count++

		key := senderChat{senderID: pm.SenderID, chatID: pm.ChatID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], pm.MessageID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	kinds := make(map[int64]string)
	var batches []notify.Batch
	for _, key := range order {
		if !c.presence.IsOnline(key.senderID) {
			continue
		}
		kind, ok := kinds[key.chatID]
		if !ok {
			kind, err = c.msgs.ChatKind(ctx, key.chatID)
			if err != nil {
				log.Printf("[delivery] sweep chat %d kind: %v", key.chatID, err)
				continue
			}
			kinds[key.chatID] = kind
		}
		batches = append(batches, notify.ToUser(key.senderID, protocol.EventMessagesDelivered, protocol.MessagesDeliveredMsg{
			MessageIDs:      groups[key],
			UserID:          recipientID,
			DeliveredByName: recipientName,
			ChatID:          key.chatID,
			ChatType:        kind,
			Timestamp:       now,
		}))
	}

	if len(batches) > 0 {
		c.notifier.Dispatch(batches)
	}
	return count, nil
}

// AckDelivered handles an explicit delivery acknowledgment from a recipient's
// client and notifies the sender if online. A recipient acking their own
// message is a no-op.
func (c *Coordinator) AckDelivered(ctx context.Context, recipientID int64, recipientName string, messageID int64) error {
	m, err := c.msgs.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID == recipientID {
		return nil
	}

	if _, err := c.receipts.RecordDelivered(ctx, messageID, recipientID); err != nil {
		if errors.Is(err, ledger.ErrSelfReceipt) {
			return nil
		}
		return err
	}
	metrics.ReceiptsTotal.WithLabelValues("delivered").Inc()

	if !c.presence.IsOnline(m.SenderID) {
		return nil
	}
	chatType, err := c.msgs.ChatKind(ctx, m.ChatID)
	if err != nil {
		return err
	}
	c.notifier.Dispatch([]notify.Batch{
		notify.ToUser(m.SenderID, protocol.EventMessagesDelivered, protocol.MessagesDeliveredMsg{
			MessageIDs:      []int64{messageID},
			UserID:          recipientID,
			DeliveredByName: recipientName,
			ChatID:          m.ChatID,
			ChatType:        chatType,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
		}),
	})
	return nil
}

// MarkRead records that the reader has read a single message, backfilling
// delivery if the ack never arrived, and pushes the receipt to the chat room
// and directly to the sender. The room broadcast excludes the sender so they
// receive the receipt exactly once. Reading one's own message is a no-op.
func (c *Coordinator) MarkRead(ctx context.Context, readerID int64, readerName string, messageID int64) error {
	m, err := c.msgs.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID == readerID {
		return nil
	}

	state, err := c.receipts.RecordRead(ctx, messageID, readerID)
	if err != nil {
		if errors.Is(err, ledger.ErrSelfReceipt) {
			return nil
		}
		return err
	}
	metrics.ReceiptsTotal.WithLabelValues("read").Inc()

	chatType, err := c.msgs.ChatKind(ctx, m.ChatID)
	if err != nil {
		return err
	}

	readAt := time.Now().UTC()
	if state.ReadAt != nil {
		readAt = state.ReadAt.UTC()
	}
	receipt := protocol.MessageReadMsg{
		MessageID:  messageID,
		UserID:     readerID,
		ReadByName: readerName,
		ChatID:     m.ChatID,
		ChatType:   chatType,
		Timestamp:  readAt.Format(time.RFC3339),
	}
	c.notifier.Dispatch([]notify.Batch{
		notify.ToChat(m.ChatID, m.SenderID, protocol.EventMessageRead, receipt),
		notify.ToUser(m.SenderID, protocol.EventMessageRead, receipt),
	})
	return nil
}

// MarkAllRead marks every unread message in the chat as read by the reader
// and produces one receipt batch per distinct original sender, not one per
// message. Messages authored by the reader are never touched. It returns the
// number of messages that actually transitioned.
func (c *Coordinator) MarkAllRead(ctx context.Context, readerID int64, readerName string, chatID int64) (int, error) {
	chatType, err := c.msgs.ChatKind(ctx, chatID)
	if err != nil {
		return 0, err
	}
	ok, err := c.msgs.IsParticipant(ctx, chatID, readerID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, message.ErrNotAParticipant
	}

	marked, err := c.receipts.RecordAllRead(ctx, chatID, readerID)
	if err != nil {
		return 0, err
	}
	if len(marked) == 0 {
		return 0, nil
	}
	metrics.ReceiptsTotal.WithLabelValues("read").Add(float64(len(marked)))

	bySender := make(map[int64][]int64)
	var order []int64
	for _, pm := range marked {
		if _, seen := bySender[pm.SenderID]; !seen {
			order = append(order, pm.SenderID)
		}
		bySender[pm.SenderID] = append(bySender[pm.SenderID], pm.MessageID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var batches []notify.Batch
	for _, senderID := range order {
		receipt := protocol.MessagesReadMsg{
			MessageIDs: bySender[senderID],
			UserID:     readerID,
			ReadByName: readerName,
			ChatID:     chatID,
			ChatType:   chatType,
			Timestamp:  now,
		}
		batches = append(batches,
			notify.ToChat(chatID, senderID, protocol.EventMessageRead, receipt),
			notify.ToUser(senderID, protocol.EventMessageRead, receipt),
		)
	}
	c.notifier.Dispatch(batches)

	return len(marked), nil
}

// DeleteMessage tombstones a message on behalf of its sender and announces
// the deletion to the chat room. Receipt rows are kept; delivery and read
// state of a deleted message remains visible.
func (c *Coordinator) DeleteMessage(ctx context.Context, requesterID, messageID int64) (message.Message, error) {
	m, err := c.msgs.SoftDelete(ctx, messageID, requesterID)
	if err != nil {
		return message.Message{}, err
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()

	c.notifier.Dispatch([]notify.Batch{
		notify.ToChat(m.ChatID, 0, protocol.EventMessageDeleted, protocol.MessageDeletedMsg{
			MessageID: m.ID,
			ChatID:    m.ChatID,
			DeletedBy: requesterID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}),
	})
	return m, nil
}

// ErrorCode maps a coordinator error to the wire-level error code sent to
// clients. Unrecognized errors are reported as internal.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, message.ErrChatNotFound):
		return "chat_not_found"
	case errors.Is(err, message.ErrMessageNotFound), errors.Is(err, ledger.ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, message.ErrNotAParticipant), errors.Is(err, message.ErrForbidden),
		errors.Is(err, ledger.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, message.ErrInvalidContent), errors.Is(err, protocol.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "internal_error"
	}
}
