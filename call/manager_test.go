package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chainchat/relay-go/hub"
	"github.com/chainchat/relay-go/ledger"
	"github.com/chainchat/relay-go/models"
	"github.com/chainchat/relay-go/store"
)

// memStore keeps call rows in memory and applies the same compare-and-swap
// semantics as the SQL implementation. The embedded interface panics for
// anything the manager should never touch.
type memStore struct {
	store.Store

	mu    sync.Mutex
	calls map[string]*models.Call
}

func newMemStore() *memStore {
	return &memStore{calls: make(map[string]*models.Call)}
}

func (s *memStore) InsertCall(ctx context.Context, c *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.calls[c.ID] = &cp
	return nil
}

func (s *memStore) CallByID(ctx context.Context, id string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateCallStatus(ctx context.Context, id string, from []models.CallStatus, to models.CallStatus, stamp store.CallStamp) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if c.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	c.Status = to
	if stamp.StartedAt != nil {
		c.StartedAt = stamp.StartedAt
	}
	if stamp.EndedAt != nil {
		c.EndedAt = stamp.EndedAt
	}
	if stamp.DurationSec > 0 {
		c.DurationSec = stamp.DurationSec
	}
	return true, nil
}

type capturedEvent struct {
	Type  models.EventType
	Rooms []string
}

type fakePub struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *fakePub) PublishEvent(ctx context.Context, typ models.EventType, payload any, rooms ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{Type: typ, Rooms: rooms})
	return nil
}

func (p *fakePub) byType(typ models.EventType) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capturedEvent
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func setupManager(t *testing.T, ringTimeout time.Duration) (*Manager, *memStore, *fakePub) {
	t.Helper()
	st := newMemStore()
	pub := &fakePub{}
	return NewManager(st, pub, ringTimeout), st, pub
}

func hasRoom(rooms []string, want string) bool {
	for _, r := range rooms {
		if r == want {
			return true
		}
	}
	return false
}

func TestInitiateRingsReceiver(t *testing.T) {
	m, st, pub := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallVideo, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if c.Status != models.CallRinging {
		t.Errorf("expected ringing, got %s", c.Status)
	}

	events := pub.byType(models.EventCallInitiated)
	if len(events) != 1 {
		t.Fatalf("expected 1 call_initiated event, got %d", len(events))
	}
	// The receiver must be reachable even with no conversation view open.
	if !hasRoom(events[0].Rooms, hub.UserRoom("bob")) {
		t.Errorf("call_initiated not routed to receiver identity room: %v", events[0].Rooms)
	}
	if !hasRoom(events[0].Rooms, hub.ConversationRoom("conv1")) {
		t.Errorf("call_initiated not routed to conversation room: %v", events[0].Rooms)
	}

	row, err := st.CallByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("call row missing: %v", err)
	}
	if row.Status != models.CallRinging {
		t.Errorf("stored status %s, expected ringing", row.Status)
	}
}

func TestAcceptThenEnd(t *testing.T) {
	m, st, pub := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	answered, err := m.Accept(ctx, c.ID, "bob")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if answered.Status != models.CallAnswered {
		t.Errorf("expected answered, got %s", answered.Status)
	}
	if answered.StartedAt == nil {
		t.Error("accept did not stamp started_at")
	}

	ended, err := m.End(ctx, c.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if ended.Status != models.CallCompleted {
		t.Errorf("expected completed, got %s", ended.Status)
	}
	if ended.EndedAt == nil {
		t.Error("end did not stamp ended_at")
	}

	if got := pub.byType(models.EventCallEnded); len(got) != 1 {
		t.Errorf("expected 1 call_ended event, got %d", len(got))
	}

	// Terminal state survives a re-read.
	row, _ := st.CallByID(ctx, c.ID)
	if !row.Status.Terminal() {
		t.Errorf("completed call not terminal: %s", row.Status)
	}
}

func TestAcceptDeclineRace(t *testing.T) {
	m, _, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	if _, err := m.Accept(ctx, c.ID, "bob"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	// The decline arrives after accept already won the row.
	if _, err := m.Decline(ctx, c.ID, "Bob"); ledger.KindOf(err) != ledger.KindConflict {
		t.Fatalf("expected conflict for losing decline, got %v", err)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	m, _, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := m.Accept(ctx, c.ID, "bob"); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}

	again, err := m.Accept(ctx, c.ID, "bob")
	if err != nil {
		t.Fatalf("repeated accept must no-op, got %v", err)
	}
	if again.Status != models.CallAnswered {
		t.Errorf("repeated accept returned status %s", again.Status)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m, _, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := m.Accept(ctx, c.ID, "bob"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	first, err := m.End(ctx, c.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}

	again, err := m.End(ctx, c.ID)
	if err != nil {
		t.Fatalf("second end should no-op, got %v", err)
	}
	if again.Status != models.CallCompleted {
		t.Errorf("expected completed, got %s", again.Status)
	}
	if again.DurationSec != first.DurationSec {
		t.Errorf("second end changed duration: %d != %d", again.DurationSec, first.DurationSec)
	}
}

func TestEndRequiresAnswered(t *testing.T) {
	m, _, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	if _, err := m.End(ctx, c.ID); ledger.KindOf(err) != ledger.KindConflict {
		t.Fatalf("expected conflict ending a ringing call, got %v", err)
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	m, st, pub := setupManager(t, 20*time.Millisecond)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		row, err := st.CallByID(ctx, c.ID)
		if err != nil {
			t.Fatalf("call row missing: %v", err)
		}
		if row.Status == models.CallMissed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("call still %s after ring timeout", row.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := pub.byType(models.EventCallEnded); len(got) != 1 {
		t.Errorf("expected 1 call_ended event after timeout, got %d", len(got))
	}

	// The timed-out call can no longer be answered.
	if _, err := m.Accept(ctx, c.ID, "bob"); ledger.KindOf(err) != ledger.KindConflict {
		t.Fatalf("expected conflict accepting a missed call, got %v", err)
	}
}

func TestCancelStopsRinging(t *testing.T) {
	m, _, pub := setupManager(t, time.Hour)
	ctx := context.Background()

	c, err := m.Initiate(ctx, "conv1", "alice", "bob", models.CallAudio, nil)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	cancelled, err := m.Cancel(ctx, c.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != models.CallCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if got := pub.byType(models.EventCallEnded); len(got) != 1 {
		t.Errorf("expected 1 call_ended event, got %d", len(got))
	}
}
