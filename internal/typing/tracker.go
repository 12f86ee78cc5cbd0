// Package typing tracks ephemeral typing indicators. State is in-memory
// only and self-expiring: an indicator that is not refreshed disappears on
// its own, so a client that crashes mid-typing never leaves a stuck
// "typing..." in the chat. Nothing here is persisted.
package typing

import (
	"sync"
	"time"
)

// DefaultTTL is how long a typing indicator lives without a refresh.
const DefaultTTL = 3 * time.Second

type key struct {
	chatID int64
	userID int64
}

// Tracker holds active typing indicators keyed by (chat, user).
type Tracker struct {
	mu       sync.Mutex
	active   map[key]*time.Timer
	ttl      time.Duration
	onExpire func(chatID, userID int64)
}

// NewTracker creates a tracker. onExpire is invoked from a timer goroutine
// when an indicator times out without an explicit stop; callers use it to
// broadcast the implicit typing-stop. It may be nil.
func NewTracker(ttl time.Duration, onExpire func(chatID, userID int64)) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		active:   make(map[key]*time.Timer),
		ttl:      ttl,
		onExpire: onExpire,
	}
}

// Start records that the user is typing in the chat and returns true if the
// indicator is new. Repeated starts refresh the expiry instead of stacking
// timers.
func (t *Tracker) Start(chatID, userID int64) bool {
	k := key{chatID: chatID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.active[k]; ok {
		timer.Reset(t.ttl)
		return false
	}

	t.active[k] = time.AfterFunc(t.ttl, func() { t.expire(k) })
	return true
}

// Stop clears the indicator. It returns true if the user was typing.
func (t *Tracker) Stop(chatID, userID int64) bool {
	k := key{chatID: chatID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.active[k]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.active, k)
	return true
}

// StopAll clears every indicator held by the user and returns the chats they
// were typing in, so a disconnect can broadcast typing-stop to each.
func (t *Tracker) StopAll(userID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var chats []int64
	for k, timer := range t.active {
		if k.userID != userID {
			continue
		}
		timer.Stop()
		delete(t.active, k)
		chats = append(chats, k.chatID)
	}
	return chats
}

// IsTyping reports whether the user currently has an indicator in the chat.
func (t *Tracker) IsTyping(chatID, userID int64) bool {
	t.mu.Lock()
	_, ok := t.active[key{chatID: chatID, userID: userID}]
	t.mu.Unlock()
	return ok
}

func (t *Tracker) expire(k key) {
	t.mu.Lock()
	if _, ok := t.active[k]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, k)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(k.chatID, k.userID)
	}
}
