// Package audio tracks the local participant's position in an audio room
// as an explicit state machine. Every user action and server confirmation
// is an event; undefined transitions are rejected without side effects.
package audio

import (
	"fmt"
	"sync"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/chaterr"
	"github.com/shannon-team/chatcore/internal/ratelimit"
	"go.uber.org/zap"
)

// State represents the local audio participation state.
type State string

const (
	Idle    State = "IDLE"
	Joining State = "JOINING"
	Live    State = "LIVE"
	Muted   State = "MUTED"
	Leaving State = "LEAVING"
)

// Event drives the machine.
type Event string

const (
	EventJoin       Event = "JOIN_ROOM"
	EventJoined     Event = "JOINED"
	EventJoinFailed Event = "JOIN_FAILED"
	EventMute       Event = "MUTE_MIC"
	EventUnmute     Event = "UNMUTE_MIC"
	EventLeave      Event = "LEAVE_ROOM"
	EventLeft       Event = "LEFT"
)

// transitions defines the allowed moves. An event absent from the current
// state's row is a no-op rejection.
var transitions = map[State]map[Event]State{
	Idle: {
		EventJoin: Joining,
	},
	Joining: {
		EventJoined:     Live,
		EventJoinFailed: Idle,
		EventLeave:      Leaving,
	},
	Live: {
		EventMute:  Muted,
		EventLeave: Leaving,
	},
	Muted: {
		EventUnmute: Live,
		EventLeave:  Leaving,
	},
	Leaving: {
		EventLeft: Idle,
	},
}

// rateActions maps user-initiated events to their rate windows. Server
// confirmations (JOINED, LEFT, JOIN_FAILED) are never rate limited.
var rateActions = map[Event]ratelimit.Action{
	EventJoin:   ratelimit.ActionAudioJoin,
	EventMute:   ratelimit.ActionMicToggle,
	EventUnmute: ratelimit.ActionMicToggle,
}

// StateChange is the payload of audio.state_changed events.
type StateChange struct {
	From  State
	To    State
	Event Event
}

// Machine enforces audio room state transitions for a single user.
type Machine struct {
	mu      sync.RWMutex
	current State
	userID  string
	limiter *ratelimit.Limiter
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewMachine creates a machine starting in Idle.
func NewMachine(userID string, limiter *ratelimit.Limiter, b *bus.Bus, logger *zap.Logger) *Machine {
	return &Machine{
		current: Idle,
		userID:  userID,
		limiter: limiter,
		bus:     b,
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Can reports whether ev is defined for the current state. It does not
// consult the rate limiter.
func (m *Machine) Can(ev Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := transitions[m.current][ev]
	return ok
}

// Fire applies ev. An undefined transition returns an error and leaves the
// state unchanged; a rate-limited user event does the same. The denial
// carries no teardown: the connection and mute state stay as they were.
func (m *Machine) Fire(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := transitions[m.current][ev]
	if !ok {
		return fmt.Errorf("audio: %s not allowed in state %s", ev, m.current)
	}

	if action, limited := rateActions[ev]; limited && m.limiter != nil {
		if !m.limiter.Allow(m.userID, action) {
			m.logger.Debug("audio event rate limited",
				zap.String("event", string(ev)),
				zap.String("state", string(m.current)))
			return fmt.Errorf("audio: %s: %w", ev, chaterr.ErrRateLimited)
		}
	}

	from := m.current
	m.current = to
	m.logger.Info("audio state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(ev)))
	if m.bus != nil {
		m.bus.Emit(bus.KindAudioStateChanged, StateChange{From: from, To: to, Event: ev})
	}
	return nil
}
