package ratelimit

import (
	"testing"
	"time"
)

// fixed clock helper: tests advance time manually instead of sleeping.
func testLimiter(windows map[Action]Window) (*Limiter, func(d time.Duration)) {
	l := New(windows)
	current := time.Unix(1000, 0)
	l.now = func() time.Time { return current }
	return l, func(d time.Duration) { current = current.Add(d) }
}

func TestAllowWithinWindow(t *testing.T) {
	l, _ := testLimiter(map[Action]Window{
		ActionMicToggle: {Max: 5, Per: 500 * time.Millisecond},
	})

	for i := 0; i < 5; i++ {
		if !l.Allow("u1", ActionMicToggle) {
			t.Fatalf("toggle %d denied, want allowed", i+1)
		}
	}
	if l.Allow("u1", ActionMicToggle) {
		t.Error("6th toggle within window allowed, want denied")
	}
}

func TestWindowResets(t *testing.T) {
	l, advance := testLimiter(map[Action]Window{
		ActionAudioJoin: {Max: 1, Per: 3 * time.Second},
	})

	if !l.Allow("u1", ActionAudioJoin) {
		t.Fatal("first join denied")
	}
	if l.Allow("u1", ActionAudioJoin) {
		t.Error("second join within window allowed")
	}
	advance(3 * time.Second)
	if !l.Allow("u1", ActionAudioJoin) {
		t.Error("join after window reset denied")
	}
}

func TestUsersHaveIndependentBuckets(t *testing.T) {
	l, _ := testLimiter(map[Action]Window{
		ActionTyping: {Max: 1, Per: time.Second},
	})

	if !l.Allow("a", ActionTyping) {
		t.Fatal("user a denied")
	}
	if !l.Allow("b", ActionTyping) {
		t.Error("user b denied, buckets should be per-user")
	}
	if l.Allow("a", ActionTyping) {
		t.Error("user a second typing signal allowed")
	}
}

func TestUnknownActionAlwaysAllowed(t *testing.T) {
	l, _ := testLimiter(map[Action]Window{})
	for i := 0; i < 100; i++ {
		if !l.Allow("u1", Action("unlimited")) {
			t.Fatal("unconfigured action denied")
		}
	}
}
