// Package ratelimit throttles user actions with per-action fixed windows.
package ratelimit

import (
	"sync"
	"time"
)

// Action identifies a rate-limited user action.
type Action string

const (
	ActionMessageSend Action = "message_send"
	ActionTyping      Action = "typing"
	ActionMicToggle   Action = "mic_toggle"
	ActionAudioJoin   Action = "audio_join"
)

// Window is a fixed-window limit: at most Max actions per Per.
type Window struct {
	Max int
	Per time.Duration
}

// DefaultWindows are the stock limits. Message sends get a generous
// per-second cap so normal typing is never blocked; audio-room joins are
// the most expensive action and the most tightly limited.
func DefaultWindows() map[Action]Window {
	return map[Action]Window{
		ActionMessageSend: {Max: 8, Per: time.Second},
		ActionTyping:      {Max: 1, Per: time.Second},
		ActionMicToggle:   {Max: 5, Per: 500 * time.Millisecond},
		ActionAudioJoin:   {Max: 1, Per: 3 * time.Second},
	}
}

type bucketKey struct {
	userID string
	action Action
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter tracks fixed windows per (user, action). Denial has no side
// effect beyond the limiter's own bookkeeping; surfacing feedback is the
// caller's job.
type Limiter struct {
	mu      sync.Mutex
	windows map[Action]Window
	buckets map[bucketKey]*bucket

	now func() time.Time
}

// New creates a limiter with the given windows. Actions without a window
// are always allowed.
func New(windows map[Action]Window) *Limiter {
	return &Limiter{
		windows: windows,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether userID may perform action now, consuming one slot
// of the current window if so.
func (l *Limiter) Allow(userID string, action Action) bool {
	w, ok := l.windows[action]
	if !ok || w.Max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey{userID: userID, action: action}
	b := l.buckets[key]
	if b == nil || now.Sub(b.windowStart) >= w.Per {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return true
	}
	if b.count >= w.Max {
		return false
	}
	b.count++
	return true
}
