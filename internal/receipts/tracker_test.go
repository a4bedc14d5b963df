package receipts

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/live"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

type fakeAcker struct {
	mu      sync.Mutex
	batches [][]string
	calls   int
	err     error
	block   chan struct{} // when set, AckRead waits here after registering the call
}

func (f *fakeAcker) AckRead(_ context.Context, sessionID string, messageIDs []string) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	sorted := append([]string(nil), messageIDs...)
	sort.Strings(sorted)
	f.batches = append(f.batches, sorted)
	return nil
}

func (f *fakeAcker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLiveSender records mark-read frames pushed on the live channel.
type fakeLiveSender struct {
	mu     sync.Mutex
	err    error
	frames []live.MarkReadPayload
}

func (f *fakeLiveSender) SendJSON(frameType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if frameType != live.TypeMarkRead {
		return fmt.Errorf("unexpected frame type %q", frameType)
	}
	p := data.(live.MarkReadPayload)
	ids := append([]string(nil), p.MessageIDs...)
	sort.Strings(ids)
	p.MessageIDs = ids
	f.frames = append(f.frames, p)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedSession(t *testing.T, db *store.DB, sessionID string, unread int, msgIDs ...string) {
	t.Helper()
	if err := db.UpsertSession(&store.ChatSession{ID: sessionID, Kind: store.KindGroup, UnreadCount: unread}); err != nil {
		t.Fatal(err)
	}
	for i, id := range msgIDs {
		if err := db.UpsertMessage(&store.Message{
			SessionID: sessionID, MsgID: id, SenderID: "u2",
			Status: store.StatusDelivered, Timestamp: int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}
}

// testTracker builds a tracker with a controllable clock.
func testTracker(db *store.DB, acker Acker, lv LiveSender, b *bus.Bus) (*Tracker, func(d time.Duration)) {
	tr := NewTracker(db, acker, lv, b, 500*time.Millisecond, zap.NewNop())
	current := time.Unix(1000, 0)
	tr.now = func() time.Time { return current }
	return tr, func(d time.Duration) { current = current.Add(d) }
}

func TestFlushBatchesAndDecrementsExactly(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{}
	tr, advance := testTracker(db, acker, nil, bus.New())
	seedSession(t, db, "s1", 3, "m1", "m2", "m3")

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	tr.Observe("m1")
	tr.Observe("m2")
	advance(600 * time.Millisecond)
	tr.promote()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(acker.batches) != 1 {
		t.Fatalf("got %d ack calls, want 1 batched call", len(acker.batches))
	}
	if fmt.Sprint(acker.batches[0]) != "[m1 m2]" {
		t.Errorf("batch = %v, want [m1 m2]", acker.batches[0])
	}

	s, _ := db.GetSession("s1")
	if s.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (3 - 2 flushed)", s.UnreadCount)
	}
}

func TestDebounceRequiresContinuousVisibility(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{}
	tr, advance := testTracker(db, acker, nil, bus.New())
	seedSession(t, db, "s1", 1, "m1")

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	// Scrolled past: visible for less than the debounce, then gone.
	tr.Observe("m1")
	advance(200 * time.Millisecond)
	tr.Unobserve("m1")
	advance(time.Hour)
	tr.promote()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(acker.batches) != 0 {
		t.Fatal("interrupted visibility still produced a receipt")
	}

	// Back on screen long enough this time.
	tr.Observe("m1")
	advance(500 * time.Millisecond)
	tr.promote()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(acker.batches) != 1 {
		t.Fatal("continuous visibility produced no receipt")
	}
}

func TestUnreadNeverGoesNegative(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{}
	tr, advance := testTracker(db, acker, nil, bus.New())
	// Counter already at 0 but two unseen messages are on screen.
	seedSession(t, db, "s1", 0, "m1", "m2")

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tr.Observe("m1")
	tr.Observe("m2")
	advance(time.Second)
	tr.promote()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, _ := db.GetSession("s1")
	if s.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", s.UnreadCount)
	}
}

func TestSessionSwitchFlushesPreviousBatch(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{}
	tr, advance := testTracker(db, acker, nil, bus.New())
	seedSession(t, db, "s1", 1, "m1")
	seedSession(t, db, "s2", 0)

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tr.Observe("m1")
	advance(time.Second)

	// Switching away must flush s1's batch before activating s2.
	if err := tr.SetSession(context.Background(), "s2"); err != nil {
		t.Fatal(err)
	}

	if len(acker.batches) != 1 {
		t.Fatalf("got %d ack calls on switch, want 1", len(acker.batches))
	}
	s, _ := db.GetSession("s1")
	if s.UnreadCount != 0 {
		t.Errorf("s1 unread = %d, want 0 after switch flush", s.UnreadCount)
	}
}

func TestFailedAckRestoresBatch(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{err: fmt.Errorf("server unreachable")}
	tr, advance := testTracker(db, acker, nil, bus.New())
	seedSession(t, db, "s1", 1, "m1")

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tr.Observe("m1")
	advance(time.Second)
	tr.promote()
	if err := tr.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	// Unread untouched, batch retried once the server recovers.
	s, _ := db.GetSession("s1")
	if s.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 after failed ack", s.UnreadCount)
	}

	acker.mu.Lock()
	acker.err = nil
	acker.mu.Unlock()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(acker.batches) != 1 {
		t.Fatal("batch was not retried after ack recovery")
	}
	s, _ = db.GetSession("s1")
	if s.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after retry", s.UnreadCount)
	}
}

func TestFailedAckAfterSessionSwitchDropsBatch(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{err: fmt.Errorf("server unreachable"), block: make(chan struct{})}
	tr, advance := testTracker(db, acker, nil, bus.New())
	seedSession(t, db, "s1", 1, "m1")
	seedSession(t, db, "s2", 0)

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tr.Observe("m1")
	advance(time.Second)
	tr.promote()

	done := make(chan error, 1)
	go func() { done <- tr.Flush(context.Background()) }()
	deadline := time.Now().Add(3 * time.Second)
	for acker.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("flush never reached the acker")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The user switches away while the ack is still in flight.
	if err := tr.SetSession(context.Background(), "s2"); err != nil {
		t.Fatal(err)
	}
	close(acker.block)
	if err := <-done; err == nil {
		t.Fatal("expected flush error")
	}

	// m1 belongs to s1; it must not ride s2's next flush.
	acker.mu.Lock()
	acker.err = nil
	acker.mu.Unlock()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := acker.callCount(); n != 1 {
		t.Fatalf("ack calls = %d, want 1 (stale batch must be dropped, not retried)", n)
	}
	if len(acker.batches) != 0 {
		t.Errorf("acked batches = %v, want none", acker.batches)
	}
	s, _ := db.GetSession("s1")
	if s.UnreadCount != 1 {
		t.Errorf("s1 unread = %d, want 1 (receipt was never delivered)", s.UnreadCount)
	}
}

func TestFlushRidesLiveChannelWhenUp(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{}
	lv := &fakeLiveSender{}
	tr, advance := testTracker(db, acker, lv, bus.New())
	seedSession(t, db, "s1", 2, "m1", "m2")

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tr.Observe("m1")
	tr.Observe("m2")
	advance(time.Second)
	tr.promote()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(lv.frames) != 1 {
		t.Fatalf("mark-read frames = %d, want 1", len(lv.frames))
	}
	if p := lv.frames[0]; p.SessionID != "s1" || fmt.Sprint(p.MessageIDs) != "[m1 m2]" {
		t.Errorf("frame = %+v, want s1 [m1 m2]", p)
	}
	if n := acker.callCount(); n != 0 {
		t.Errorf("http ack calls = %d, want 0 while live channel is up", n)
	}
	s, _ := db.GetSession("s1")
	if s.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", s.UnreadCount)
	}
}

func TestFlushFallsBackToHTTPWhenLiveDown(t *testing.T) {
	db := testDB(t)
	acker := &fakeAcker{}
	lv := &fakeLiveSender{err: fmt.Errorf("channel down")}
	tr, advance := testTracker(db, acker, lv, bus.New())
	seedSession(t, db, "s1", 1, "m1")

	if err := tr.SetSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tr.Observe("m1")
	advance(time.Second)
	tr.promote()
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(acker.batches) != 1 {
		t.Fatalf("http ack calls = %d, want 1 fallback call", len(acker.batches))
	}
	s, _ := db.GetSession("s1")
	if s.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", s.UnreadCount)
	}
}
