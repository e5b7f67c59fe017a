package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/postalsys/hostrelay/internal/protocol"
)

type mockChannel struct {
	mu     sync.Mutex
	sent   []protocol.RelayMessage
	closed bool
}

func (m *mockChannel) Send(ctx context.Context, msg protocol.RelayMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := New()
	ch := &mockChannel{}

	id := r.Register(ch)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Register() id %q is not a uuid: %v", id, err)
	}

	h, err := r.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if h.ID != id || h.Channel != ch {
		t.Errorf("Lookup() = %+v, want channel registered under %s", h, id)
	}

	if err := h.Send(context.Background(), &protocol.Cancel{RequestID: 1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(ch.sent) != 1 {
		t.Errorf("channel received %d messages, want 1", len(ch.sent))
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Register(&mockChannel{})
		if seen[id] {
			t.Fatalf("Register() returned duplicate id %s", id)
		}
		seen[id] = true
	}
	if r.Len() != 100 {
		t.Errorf("Len() = %d, want 100", r.Len())
	}
}

func TestRegistry_RetriesCollidingID(t *testing.T) {
	r := New()
	ids := []string{"same", "same", "other"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := r.Register(&mockChannel{})
	second := r.Register(&mockChannel{})
	if first != "same" || second != "other" {
		t.Errorf("Register() ids = %q, %q, want same, other", first, second)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	id := r.Register(&mockChannel{})

	if !r.Unregister(id) {
		t.Error("Unregister() = false, want true")
	}
	if r.Unregister(id) {
		t.Error("second Unregister() = true, want false")
	}

	if _, err := r.Lookup(id); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("Lookup() after Unregister error = %v, want ErrHostNotFound", err)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := New()
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("Lookup() error = %v, want ErrHostNotFound", err)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New()
	a, b := &mockChannel{}, &mockChannel{}
	r.Register(a)
	r.Register(b)

	r.CloseAll()

	if !a.closed || !b.closed {
		t.Errorf("CloseAll() closed = %v, %v, want both closed", a.closed, b.closed)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Register(&mockChannel{})
			if _, err := r.Lookup(id); err != nil {
				t.Errorf("Lookup() error = %v", err)
			}
			r.Unregister(id)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}
