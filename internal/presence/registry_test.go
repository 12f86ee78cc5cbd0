package presence

import (
	"sort"
	"testing"
)

// fakeHandle is a minimal presence handle for tests.
type fakeHandle struct {
	id     string
	writes [][]byte
}

func (h *fakeHandle) SessionID() string { return h.id }
func (h *fakeHandle) WriteMessage(data []byte) error {
	h.writes = append(h.writes, data)
	return nil
}

func TestBindAndResolve(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{id: "s1"}

	if prev := r.Bind(1, h); prev != nil {
		t.Fatalf("expected no previous handle, got %v", prev)
	}
	if !r.IsOnline(1) {
		t.Fatal("expected user 1 online after bind")
	}
	if got := r.Resolve(1); got != h {
		t.Fatalf("expected bound handle, got %v", got)
	}
	if r.IsOnline(2) {
		t.Fatal("user 2 was never bound")
	}
}

func TestBind_LastBindWins(t *testing.T) {
	r := NewRegistry()
	old := &fakeHandle{id: "s1"}
	fresh := &fakeHandle{id: "s2"}

	r.Bind(1, old)
	prev := r.Bind(1, fresh)
	if prev != old {
		t.Fatalf("expected previous handle returned, got %v", prev)
	}
	if got := r.Resolve(1); got != fresh {
		t.Fatalf("expected newest handle to win, got %v", got)
	}
}

func TestUnbind_StaleHandleDoesNotEvict(t *testing.T) {
	r := NewRegistry()
	old := &fakeHandle{id: "s1"}
	fresh := &fakeHandle{id: "s2"}

	r.Bind(1, old)
	r.Bind(1, fresh)

	// The stale connection disconnects after the reconnect; the newer bind
	// must survive.
	if r.Unbind(1, old) {
		t.Fatal("unbind with stale handle should be a no-op")
	}
	if !r.IsOnline(1) {
		t.Fatal("user must remain online after stale unbind")
	}

	if !r.Unbind(1, fresh) {
		t.Fatal("unbind with current handle should remove the entry")
	}
	if r.IsOnline(1) {
		t.Fatal("user should be offline after current handle unbinds")
	}
}

func TestUnbind_Idempotent(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{id: "s1"}

	r.Bind(1, h)
	if !r.Unbind(1, h) {
		t.Fatal("first unbind should succeed")
	}
	if r.Unbind(1, h) {
		t.Fatal("second unbind should be a no-op")
	}
}

func TestListOnlineAndCount(t *testing.T) {
	r := NewRegistry()
	r.Bind(3, &fakeHandle{id: "a"})
	r.Bind(1, &fakeHandle{id: "b"})
	r.Bind(2, &fakeHandle{id: "c"})

	if r.Count() != 3 {
		t.Fatalf("expected 3 online, got %d", r.Count())
	}

	ids := r.ListOnline()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	want := []int64{1, 2, 3}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}
