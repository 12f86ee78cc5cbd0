package typing

import (
	"sync"
	"testing"
	"time"
)

func TestStartAndStop(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	if !tr.Start(1, 10) {
		t.Fatal("first start should report a new indicator")
	}
	if !tr.IsTyping(1, 10) {
		t.Fatal("user should be typing after start")
	}
	if tr.Start(1, 10) {
		t.Fatal("repeated start should refresh, not report new")
	}

	if !tr.Stop(1, 10) {
		t.Fatal("stop of an active indicator should report true")
	}
	if tr.IsTyping(1, 10) {
		t.Fatal("user should not be typing after stop")
	}
	if tr.Stop(1, 10) {
		t.Fatal("stop of an inactive indicator should report false")
	}
}

func TestExpiryInvokesCallback(t *testing.T) {
	var mu sync.Mutex
	var expired []int64

	tr := NewTracker(20*time.Millisecond, func(chatID, userID int64) {
		mu.Lock()
		expired = append(expired, userID)
		mu.Unlock()
	})

	tr.Start(1, 10)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(expired)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expiry callback never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if expired[0] != 10 {
		t.Fatalf("expected user 10 expired, got %d", expired[0])
	}
	if tr.IsTyping(1, 10) {
		t.Fatal("indicator should be gone after expiry")
	}
}

func TestExplicitStopSuppressesCallback(t *testing.T) {
	var mu sync.Mutex
	fired := false

	tr := NewTracker(20*time.Millisecond, func(chatID, userID int64) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	tr.Start(1, 10)
	tr.Stop(1, 10)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("callback fired after explicit stop")
	}
}

func TestStopAll(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	tr.Start(1, 10)
	tr.Start(2, 10)
	tr.Start(3, 11)

	chats := tr.StopAll(10)
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats cleared, got %v", chats)
	}
	if tr.IsTyping(1, 10) || tr.IsTyping(2, 10) {
		t.Fatal("user 10 indicators should be cleared")
	}
	if !tr.IsTyping(3, 11) {
		t.Fatal("user 11 indicator should survive")
	}
}
