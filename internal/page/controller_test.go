package page

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/rest"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// fakeSource serves a fixed backward history in fixed-size pages.
type fakeSource struct {
	mu      sync.Mutex
	pages   []*rest.HistoryPage
	calls   int
	block   chan struct{} // if set, History waits until closed
	cursors []string
}

func (f *fakeSource) History(_ context.Context, sessionID, cursor string, limit int) (*rest.HistoryPage, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.cursors = append(f.cursors, cursor)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if idx >= len(f.pages) {
		return &rest.HistoryPage{HasMore: false}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeViewport replays a fixed sequence of content heights.
type fakeViewport struct {
	heights []int
	i       int
	scroll  int
}

func (v *fakeViewport) ContentHeight() int {
	h := v.heights[v.i]
	if v.i < len(v.heights)-1 {
		v.i++
	}
	return h
}

func (v *fakeViewport) ScrollBy(delta int) { v.scroll += delta }

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

func wire(id string, ts int64) rest.WireMessage {
	return rest.WireMessage{ID: id, SessionID: "s1", SenderID: "u2", Body: "b-" + id, Timestamp: ts}
}

func TestLoadInitialStoresNewestWindow(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{pages: []*rest.HistoryPage{
		{Messages: []rest.WireMessage{wire("m3", 3000), wire("m2", 2000)}, HasMore: true, NextCursor: "c1"},
	}}
	c := NewController(src, db, bus.New(), nil, 2, func() string { return "s1" }, zap.NewNop())

	if err := c.LoadInitial(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListThread("s1", 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !c.HasMore("s1") {
		t.Error("hasMore = false, want true after first page")
	}
	if src.cursors[0] != "" {
		t.Errorf("initial cursor = %q, want empty", src.cursors[0])
	}
}

func TestLoadMorePrependsAndPreservesAnchor(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{pages: []*rest.HistoryPage{
		{Messages: []rest.WireMessage{wire("m3", 3000)}, HasMore: true, NextCursor: "c1"},
		{Messages: []rest.WireMessage{wire("m1", 1000), wire("m2", 2000)}, HasMore: false},
	}}
	// Prepending grows the content from 100 to 160; the anchor shifts by
	// the growth.
	vp := &fakeViewport{heights: []int{100, 160}}
	c := NewController(src, db, bus.New(), vp, 2, func() string { return "s1" }, zap.NewNop())

	if err := c.LoadInitial(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	issued, err := c.LoadMore(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !issued {
		t.Fatal("LoadMore did not issue a fetch")
	}
	if vp.scroll != 60 {
		t.Errorf("scroll delta = %d, want 60", vp.scroll)
	}

	msgs, _ := db.ListThread("s1", 10)
	want := []string{"m1", "m2", "m3"}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, id := range want {
		if msgs[i].MsgID != id {
			t.Errorf("position %d = %q, want %q", i, msgs[i].MsgID, id)
		}
	}
	if src.cursors[1] != "c1" {
		t.Errorf("second fetch cursor = %q, want c1", src.cursors[1])
	}
}

func TestLoadMoreCoalescesConcurrentCalls(t *testing.T) {
	db := testDB(t)
	block := make(chan struct{})
	src := &fakeSource{
		pages: []*rest.HistoryPage{
			{Messages: []rest.WireMessage{wire("m3", 3000)}, HasMore: true, NextCursor: "c1"},
			{Messages: []rest.WireMessage{wire("m2", 2000)}, HasMore: false},
		},
	}
	c := NewController(src, db, bus.New(), nil, 2, func() string { return "s1" }, zap.NewNop())

	if err := c.LoadInitial(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.block = block
	src.mu.Unlock()

	done := make(chan bool, 1)
	go func() {
		issued, _ := c.LoadMore(context.Background(), "s1")
		done <- issued
	}()

	// Wait until the first call is in flight, then try a second.
	deadline := time.Now().Add(2 * time.Second)
	for !c.Loading("s1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	issued, err := c.LoadMore(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if issued {
		t.Error("second LoadMore issued a fetch while one was in flight")
	}

	close(block)
	if first := <-done; !first {
		t.Error("first LoadMore should have issued a fetch")
	}
	if src.callCount() != 2 { // initial + one LoadMore
		t.Errorf("source calls = %d, want 2", src.callCount())
	}
}

func TestExhaustionIsTerminal(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{pages: []*rest.HistoryPage{
		{Messages: []rest.WireMessage{wire("m1", 1000)}, HasMore: false},
	}}
	c := NewController(src, db, bus.New(), nil, 2, func() string { return "s1" }, zap.NewNop())

	if err := c.LoadInitial(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if c.HasMore("s1") {
		t.Fatal("hasMore = true after exhausted initial page")
	}

	for i := 0; i < 3; i++ {
		issued, err := c.LoadMore(context.Background(), "s1")
		if err != nil {
			t.Fatal(err)
		}
		if issued {
			t.Fatal("LoadMore issued a fetch after exhaustion")
		}
	}
	if src.callCount() != 1 {
		t.Errorf("source calls = %d, want 1 (no re-query after hasMore=false)", src.callCount())
	}
}

func TestLateResultForInactiveSessionDiscarded(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{pages: []*rest.HistoryPage{
		{Messages: []rest.WireMessage{wire("m3", 3000)}, HasMore: true, NextCursor: "c1"},
		{Messages: []rest.WireMessage{wire("m2", 2000)}, HasMore: false},
	}}
	active := "s1"
	c := NewController(src, db, bus.New(), nil, 2, func() string { return active }, zap.NewNop())

	if err := c.LoadInitial(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	// Switch away before the next page lands.
	active = "s2"
	if _, err := c.LoadMore(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListThread("s1", 10)
	if len(msgs) != 1 {
		t.Errorf("late page was ingested: %d messages, want 1", len(msgs))
	}
}
