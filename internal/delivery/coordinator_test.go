package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla/chat-server/internal/ledger"
	"github.com/charla/chat-server/internal/message"
	"github.com/charla/chat-server/internal/notify"
	"github.com/charla/chat-server/internal/protocol"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type chatInfo struct {
	kind    string
	members []int64
}

type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64]message.Message
	chats  map[int64]chatInfo
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		msgs:  make(map[int64]message.Message),
		chats: make(map[int64]chatInfo),
	}
}

func (f *fakeMessages) addChat(id int64, kind string, members ...int64) {
	f.chats[id] = chatInfo{kind: kind, members: members}
}

func (f *fakeMessages) isMember(chatID, userID int64) bool {
	for _, m := range f.chats[chatID].members {
		if m == userID {
			return true
		}
	}
	return false
}

func (f *fakeMessages) CreateMessage(ctx context.Context, chatID, senderID int64, content, kind string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if kind == "" {
		kind = message.KindText
	}
	if err := message.ValidateContent(content); err != nil {
		return message.Message{}, err
	}
	if _, ok := f.chats[chatID]; !ok {
		return message.Message{}, message.ErrChatNotFound
	}
	if !f.isMember(chatID, senderID) {
		return message.Message{}, message.ErrNotAParticipant
	}

	f.nextID++
	m := message.Message{
		ID:         f.nextID,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: fmt.Sprintf("user-%d", senderID),
		Content:    content,
		Kind:       kind,
		SentAt:     time.Now(),
	}
	f.msgs[m.ID] = m
	return m, nil
}

func (f *fakeMessages) Get(ctx context.Context, messageID int64) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok {
		return message.Message{}, message.ErrMessageNotFound
	}
	return m, nil
}

func (f *fakeMessages) ChatKind(ctx context.Context, chatID int64) (string, error) {
	c, ok := f.chats[chatID]
	if !ok {
		return "", message.ErrChatNotFound
	}
	return c.kind, nil
}

func (f *fakeMessages) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	return f.isMember(chatID, userID), nil
}

func (f *fakeMessages) Participants(ctx context.Context, chatID int64, except int64) ([]int64, error) {
	var out []int64
	for _, m := range f.chats[chatID].members {
		if m != except {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) SoftDelete(ctx context.Context, messageID, requesterID int64) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok {
		return message.Message{}, message.ErrMessageNotFound
	}
	if m.SenderID != requesterID {
		return message.Message{}, message.ErrForbidden
	}
	m.Content = message.TombstoneContent
	m.Kind = message.KindDeleted
	f.msgs[messageID] = m
	return m, nil
}

type receiptKey struct {
	messageID int64
	userID    int64
}

type fakeLedger struct {
	mu      sync.Mutex
	msgs    *fakeMessages
	entries map[receiptKey]*ledger.EntryState
}

func newFakeLedger(msgs *fakeMessages) *fakeLedger {
	return &fakeLedger{msgs: msgs, entries: make(map[receiptKey]*ledger.EntryState)}
}

func (f *fakeLedger) entry(messageID, userID int64) (*ledger.EntryState, error) {
	m, ok := f.msgs.msgs[messageID]
	if !ok {
		return nil, ledger.ErrMessageNotFound
	}
	if m.SenderID == userID {
		return nil, ledger.ErrSelfReceipt
	}
	if !f.msgs.isMember(m.ChatID, userID) {
		return nil, ledger.ErrNotParticipant
	}
	k := receiptKey{messageID: messageID, userID: userID}
	e, ok := f.entries[k]
	if !ok {
		e = &ledger.EntryState{MessageID: messageID, UserID: userID}
		f.entries[k] = e
	}
	return e, nil
}

func (f *fakeLedger) RecordDelivered(ctx context.Context, messageID, recipientID int64) (ledger.EntryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.entry(messageID, recipientID)
	if err != nil {
		return ledger.EntryState{}, err
	}
	if e.DeliveredAt == nil {
		now := time.Now()
		e.DeliveredAt = &now
	}
	return *e, nil
}

func (f *fakeLedger) RecordRead(ctx context.Context, messageID, recipientID int64) (ledger.EntryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.entry(messageID, recipientID)
	if err != nil {
		return ledger.EntryState{}, err
	}
	now := time.Now()
	if e.DeliveredAt == nil {
		e.DeliveredAt = &now
	}
	if e.ReadAt == nil {
		e.ReadAt = &now
	}
	return *e, nil
}

func (f *fakeLedger) RecordAllRead(ctx context.Context, chatID, recipientID int64) ([]ledger.PendingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var marked []ledger.PendingMessage
	for _, m := range f.sortedMessages() {
		if m.ChatID != chatID || m.SenderID == recipientID {
			continue
		}
		e, err := f.entry(m.ID, recipientID)
		if err != nil {
			continue
		}
		if e.ReadAt != nil {
			continue
		}
		now := time.Now()
		if e.DeliveredAt == nil {
			e.DeliveredAt = &now
		}
		e.ReadAt = &now
		marked = append(marked, ledger.PendingMessage{MessageID: m.ID, SenderID: m.SenderID, ChatID: m.ChatID})
	}
	return marked, nil
}

func (f *fakeLedger) ListUndelivered(ctx context.Context, recipientID int64, chatID int64, limit int) ([]ledger.PendingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pending []ledger.PendingMessage
	for _, m := range f.sortedMessages() {
		if m.SenderID == recipientID || !f.msgs.isMember(m.ChatID, recipientID) {
			continue
		}
		if chatID != 0 && m.ChatID != chatID {
			continue
		}
		if e, ok := f.entries[receiptKey{messageID: m.ID, userID: recipientID}]; ok && e.DeliveredAt != nil {
			continue
		}
		pending = append(pending, ledger.PendingMessage{MessageID: m.ID, SenderID: m.SenderID, ChatID: m.ChatID})
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (f *fakeLedger) sortedMessages() []message.Message {
	out := make([]message.Message, 0, len(f.msgs.msgs))
	for _, m := range f.msgs.msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeLedger) state(messageID, userID int64) ledger.EntryState {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[receiptKey{messageID: messageID, userID: userID}]
	if !ok {
		return ledger.EntryState{MessageID: messageID, UserID: userID}
	}
	return *e
}

type fakePresence struct {
	mu     sync.Mutex
	online map[int64]bool
}

func newFakePresence(userIDs ...int64) *fakePresence {
	p := &fakePresence{online: make(map[int64]bool)}
	for _, id := range userIDs {
		p.online[id] = true
	}
	return p
}

func (p *fakePresence) IsOnline(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) set(userID int64, on bool) {
	p.mu.Lock()
	p.online[userID] = on
	p.mu.Unlock()
}

type fakeNotifier struct {
	mu      sync.Mutex
	batches []notify.Batch
}

func (n *fakeNotifier) Dispatch(batches []notify.Batch) {
	n.mu.Lock()
	n.batches = append(n.batches, batches...)
	n.mu.Unlock()
}

func (n *fakeNotifier) byEvent(event string) []notify.Batch {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Batch
	for _, b := range n.batches {
		if b.Event == event {
			out = append(out, b)
		}
	}
	return out
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	n.batches = nil
	n.mu.Unlock()
}

type fixture struct {
	msgs     *fakeMessages
	receipts *fakeLedger
	presence *fakePresence
	notifier *fakeNotifier
	coord    *Coordinator
}

func newFixture(online ...int64) *fixture {
	msgs := newFakeMessages()
	receipts := newFakeLedger(msgs)
	pres := newFakePresence(online...)
	not := &fakeNotifier{}
	return &fixture{
		msgs:     msgs,
		receipts: receipts,
		presence: pres,
		notifier: not,
		coord:    NewCoordinator(msgs, receipts, pres, not),
	}
}

// ---------------------------------------------------------------------------
// Send flow
// ---------------------------------------------------------------------------

func TestSendMessage_OnlineRecipientAutoDelivered(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.AutoDelivered)

	state := f.receipts.state(res.Message.ID, 2)
	require.NotNil(t, state.DeliveredAt, "receipt must be recorded for online recipient")
	assert.Nil(t, state.ReadAt)

	// Recipient gets the message push.
	newMsgs := f.notifier.byEvent(protocol.EventNewMessage)
	require.Len(t, newMsgs, 1)
	assert.Equal(t, int64(2), newMsgs[0].TargetUserID)

	// Sender gets one delivery notification and the send confirmation.
	delivered := f.notifier.byEvent(protocol.EventMessagesDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, int64(1), delivered[0].TargetUserID)
	dm := delivered[0].Payload.(protocol.MessagesDeliveredMsg)
	assert.Equal(t, []int64{res.Message.ID}, dm.MessageIDs)
	assert.Equal(t, int64(2), dm.UserID)

	sent := f.notifier.byEvent(protocol.EventMessageSent)
	require.Len(t, sent, 1)
	sm := sent[0].Payload.(protocol.MessageSentMsg)
	assert.Equal(t, "tmp-1", sm.ClientTempID)
	assert.Equal(t, res.Message.ID, sm.MessageID)
}

func TestSendMessage_OfflineRecipientStaysPending(t *testing.T) {
	f := newFixture(1) // recipient 2 offline
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)
	assert.Empty(t, res.AutoDelivered)

	state := f.receipts.state(res.Message.ID, 2)
	assert.Nil(t, state.DeliveredAt, "no delivery may be recorded for an offline recipient")

	assert.Empty(t, f.notifier.byEvent(protocol.EventMessagesDelivered))
}

func TestSendMessage_NonParticipantForbidden(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	_, err := f.coord.SendMessage(context.Background(), 3, 10, "hi", "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrNotAParticipant)
	assert.Equal(t, "forbidden", ErrorCode(err))
}

func TestSendMessage_GroupPartialPresence(t *testing.T) {
	f := newFixture(1, 2) // 3 offline
	f.msgs.addChat(20, message.ChatGroup, 1, 2, 3)

	res, err := f.coord.SendMessage(context.Background(), 1, 20, "hi all", "", "")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.AutoDelivered)

	// Push batches go to both recipients; gateways drop the offline one.
	newMsgs := f.notifier.byEvent(protocol.EventNewMessage)
	targets := []int64{newMsgs[0].TargetUserID, newMsgs[1].TargetUserID}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	assert.Equal(t, []int64{2, 3}, targets)
}

// ---------------------------------------------------------------------------
// Sweep flow
// ---------------------------------------------------------------------------

func TestSweepUndelivered_GroupsPerSenderAndChat(t *testing.T) {
	f := newFixture(1, 3) // recipient 2 offline while messages are sent
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)
	f.msgs.addChat(11, message.ChatIndividual, 2, 3)

	m1, err := f.coord.SendMessage(context.Background(), 1, 10, "one", "", "")
	require.NoError(t, err)
	m2, err := f.coord.SendMessage(context.Background(), 1, 10, "two", "", "")
	require.NoError(t, err)
	m3, err := f.coord.SendMessage(context.Background(), 3, 11, "three", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	// Recipient connects.
	f.presence.set(2, true)
	n, err := f.coord.SweepUndelivered(context.Background(), 2, "user-2", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []int64{m1.Message.ID, m2.Message.ID, m3.Message.ID} {
		state := f.receipts.state(id, 2)
		assert.NotNil(t, state.DeliveredAt, "message %d must be delivered by sweep", id)
	}

	// One batch per (sender, chat): sender 1 gets both of theirs in one
	// event, sender 3 gets their own.
	delivered := f.notifier.byEvent(protocol.EventMessagesDelivered)
	require.Len(t, delivered, 2)

	byTarget := make(map[int64]protocol.MessagesDeliveredMsg)
	for _, b := range delivered {
		byTarget[b.TargetUserID] = b.Payload.(protocol.MessagesDeliveredMsg)
	}
	require.Contains(t, byTarget, int64(1))
	require.Contains(t, byTarget, int64(3))
	assert.ElementsMatch(t, []int64{m1.Message.ID, m2.Message.ID}, byTarget[1].MessageIDs)
	assert.Equal(t, []int64{m3.Message.ID}, byTarget[3].MessageIDs)
	assert.Equal(t, int64(2), byTarget[1].UserID)
	assert.Equal(t, "user-2", byTarget[1].DeliveredByName)
}

func TestSweepUndelivered_OfflineSenderNotNotified(t *testing.T) {
	f := newFixture(1)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	// Sender goes offline before the recipient connects.
	f.presence.set(1, false)
	f.presence.set(2, true)

	n, err := f.coord.SweepUndelivered(context.Background(), 2, "user-2", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Delivery state is persisted even though nobody is notified now.
	state := f.receipts.state(res.Message.ID, 2)
	assert.NotNil(t, state.DeliveredAt)
	assert.Empty(t, f.notifier.byEvent(protocol.EventMessagesDelivered))
}

func TestSweepUndelivered_Idempotent(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)
	f.presence.set(2, false)

	_, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)

	f.presence.set(2, true)
	n, err := f.coord.SweepUndelivered(context.Background(), 2, "user-2", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second sweep finds nothing pending.
	n, err = f.coord.SweepUndelivered(context.Background(), 2, "user-2", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ---------------------------------------------------------------------------
// Read flow
// ---------------------------------------------------------------------------

func TestMarkRead_BackfillsDelivery(t *testing.T) {
	f := newFixture(1)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	// The recipient reads without a delivery ack ever arriving.
	require.NoError(t, f.coord.MarkRead(context.Background(), 2, "user-2", res.Message.ID))

	state := f.receipts.state(res.Message.ID, 2)
	require.NotNil(t, state.ReadAt)
	require.NotNil(t, state.DeliveredAt, "read must backfill delivery")
	assert.False(t, state.ReadAt.Before(*state.DeliveredAt))

	// The receipt reaches the chat room (sender excluded) and the sender
	// directly, exactly once each.
	reads := f.notifier.byEvent(protocol.EventMessageRead)
	require.Len(t, reads, 2)

	var toChat, toUser int
	for _, b := range reads {
		if b.TargetChatID == 10 {
			toChat++
			assert.Equal(t, int64(1), b.ExcludeUserID, "room broadcast must exclude the sender")
		}
		if b.TargetUserID == 1 {
			toUser++
		}
	}
	assert.Equal(t, 1, toChat)
	assert.Equal(t, 1, toUser)
}

func TestMarkRead_OwnMessageIsNoOp(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	require.NoError(t, f.coord.MarkRead(context.Background(), 1, "user-1", res.Message.ID))
	assert.Empty(t, f.notifier.byEvent(protocol.EventMessageRead))
	assert.Nil(t, f.receipts.state(res.Message.ID, 1).ReadAt)
}

func TestMarkRead_UnknownMessage(t *testing.T) {
	f := newFixture(1)
	err := f.coord.MarkRead(context.Background(), 1, "user-1", 999)
	require.Error(t, err)
	assert.Equal(t, "message_not_found", ErrorCode(err))
}

func TestMarkAllRead_BatchesPerSender(t *testing.T) {
	f := newFixture(1, 2, 3, 4)
	f.msgs.addChat(20, message.ChatGroup, 1, 2, 3, 4)

	// Two messages from sender 1, one from sender 3, one from the reader.
	m1, err := f.coord.SendMessage(context.Background(), 1, 20, "a", "", "")
	require.NoError(t, err)
	m2, err := f.coord.SendMessage(context.Background(), 1, 20, "b", "", "")
	require.NoError(t, err)
	m3, err := f.coord.SendMessage(context.Background(), 3, 20, "c", "", "")
	require.NoError(t, err)
	_, err = f.coord.SendMessage(context.Background(), 2, 20, "mine", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	n, err := f.coord.MarkAllRead(context.Background(), 2, "user-2", 20)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "reader's own message must not count")

	reads := f.notifier.byEvent(protocol.EventMessageRead)

	// One direct batch per distinct sender plus one room broadcast each.
	bySender := make(map[int64][]int64)
	for _, b := range reads {
		if b.TargetUserID != 0 {
			bySender[b.TargetUserID] = b.Payload.(protocol.MessagesReadMsg).MessageIDs
		}
	}
	require.Len(t, bySender, 2)
	assert.ElementsMatch(t, []int64{m1.Message.ID, m2.Message.ID}, bySender[1])
	assert.Equal(t, []int64{m3.Message.ID}, bySender[3])

	// Second pass transitions nothing and stays silent.
	f.notifier.reset()
	n, err = f.coord.MarkAllRead(context.Background(), 2, "user-2", 20)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.notifier.byEvent(protocol.EventMessageRead))
}

func TestMarkAllRead_NonParticipant(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	_, err := f.coord.MarkAllRead(context.Background(), 9, "user-9", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrNotAParticipant)
}

// ---------------------------------------------------------------------------
// Explicit delivery ack
// ---------------------------------------------------------------------------

func TestAckDelivered_NotifiesOnlineSender(t *testing.T) {
	f := newFixture(1)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	require.NoError(t, f.coord.AckDelivered(context.Background(), 2, "user-2", res.Message.ID))

	state := f.receipts.state(res.Message.ID, 2)
	assert.NotNil(t, state.DeliveredAt)

	delivered := f.notifier.byEvent(protocol.EventMessagesDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, int64(1), delivered[0].TargetUserID)
}

func TestAckDelivered_OwnMessageIsNoOp(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "hello", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	require.NoError(t, f.coord.AckDelivered(context.Background(), 1, "user-1", res.Message.ID))
	assert.Empty(t, f.notifier.byEvent(protocol.EventMessagesDelivered))
}

// ---------------------------------------------------------------------------
// Delete flow
// ---------------------------------------------------------------------------

func TestDeleteMessage_BroadcastsTombstone(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "oops", "", "")
	require.NoError(t, err)
	f.notifier.reset()

	m, err := f.coord.DeleteMessage(context.Background(), 1, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.KindDeleted, m.Kind)
	assert.Equal(t, message.TombstoneContent, m.Content)

	deleted := f.notifier.byEvent(protocol.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, int64(10), deleted[0].TargetChatID)
	dm := deleted[0].Payload.(protocol.MessageDeletedMsg)
	assert.Equal(t, res.Message.ID, dm.MessageID)
	assert.Equal(t, int64(1), dm.DeletedBy)
}

func TestDeleteMessage_OnlySender(t *testing.T) {
	f := newFixture(1, 2)
	f.msgs.addChat(10, message.ChatIndividual, 1, 2)

	res, err := f.coord.SendMessage(context.Background(), 1, 10, "mine", "", "")
	require.NoError(t, err)

	_, err = f.coord.DeleteMessage(context.Background(), 2, res.Message.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, message.ErrForbidden)
	assert.Equal(t, "forbidden", ErrorCode(err))
}
