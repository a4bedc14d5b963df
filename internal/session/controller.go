// Package session coordinates the user-facing surface of the chat core:
// which session is on screen, message sends and history paging for it,
// typing indicators, and the audio room lifecycle including peer
// connection setup and teardown.
package session

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/shannon-team/chatcore/internal/audio"
	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/live"
	"github.com/shannon-team/chatcore/internal/page"
	"github.com/shannon-team/chatcore/internal/ratelimit"
	"github.com/shannon-team/chatcore/internal/receipts"
	"github.com/shannon-team/chatcore/internal/rtc"
	"github.com/shannon-team/chatcore/internal/store"
	"github.com/shannon-team/chatcore/internal/sync"
	"go.uber.org/zap"
)

// Live is the outbound side of the live channel used by the controller.
type Live interface {
	SendJSON(frameType string, data any) error
}

// RoomState is a snapshot of one session's audio room. Active is derived:
// a room with no participants is not active.
type RoomState struct {
	SessionID    string
	StarterID    string
	StartedAt    int64
	Participants []string
}

// Active reports whether the room currently has participants.
func (r *RoomState) Active() bool {
	return r != nil && len(r.Participants) > 0
}

type roomState struct {
	starterID    string
	startedAt    int64
	participants map[string]struct{}
}

// Controller is the imperative surface the UI drives.
type Controller struct {
	db       *store.DB
	bus      *bus.Bus
	engine   *sync.Engine
	pager    *page.Controller
	receipts *receipts.Tracker
	rtc      *rtc.Engine
	machine  *audio.Machine
	live     Live
	limiter  *ratelimit.Limiter
	userID   string

	typingClear time.Duration
	logger      *zap.Logger

	mu           gosync.Mutex
	active       string
	audioSession string // session whose audio room we joined, if any
	rooms        map[string]*roomState
	typing       map[string]map[string]*time.Timer // session -> user -> clear timer

	cancel context.CancelFunc
}

// NewController wires the user-facing controller.
func NewController(
	db *store.DB,
	b *bus.Bus,
	engine *sync.Engine,
	pager *page.Controller,
	tracker *receipts.Tracker,
	rtcEngine *rtc.Engine,
	machine *audio.Machine,
	lv Live,
	limiter *ratelimit.Limiter,
	userID string,
	typingClear time.Duration,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		db:          db,
		bus:         b,
		engine:      engine,
		pager:       pager,
		receipts:    tracker,
		rtc:         rtcEngine,
		machine:     machine,
		live:        lv,
		limiter:     limiter,
		userID:      userID,
		typingClear: typingClear,
		logger:      logger,
		rooms:       make(map[string]*roomState),
		typing:      make(map[string]map[string]*time.Timer),
	}
}

// ActiveSession returns the session currently on screen.
func (c *Controller) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start begins consuming live-channel events.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("live.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event loop.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// SelectSession switches the visible session. Pending read receipts for
// the previous session are flushed, an audio room joined there is left,
// and the room subscription moves to the new session before its history
// loads.
func (c *Controller) SelectSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	prev := c.active
	c.active = sessionID
	inAudio := c.audioSession != "" && c.audioSession == prev
	c.mu.Unlock()

	if prev == sessionID {
		return nil
	}

	if inAudio {
		if err := c.LeaveAudioRoom(); err != nil {
			c.logger.Warn("leaving audio room on session switch", zap.Error(err))
		}
	}
	if prev != "" {
		if err := c.live.SendJSON(live.TypeLeaveRoom, live.RoomPayload{SessionID: prev}); err != nil {
			c.logger.Debug("leave room frame not sent", zap.Error(err))
		}
	}
	if err := c.live.SendJSON(live.TypeJoinRoom, live.RoomPayload{SessionID: sessionID}); err != nil {
		c.logger.Debug("join room frame not sent", zap.Error(err))
	}

	c.engine.SetActiveSession(sessionID)
	if err := c.receipts.SetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("switch receipt session: %w", err)
	}

	if err := c.pager.LoadInitial(ctx, sessionID); err != nil {
		c.logger.Warn("initial history load failed", zap.String("session", sessionID), zap.Error(err))
	}
	c.bus.Emit(bus.KindSessionSelected, sessionID)
	return nil
}

// SendMessage sends a message to the active session.
func (c *Controller) SendMessage(body string) (*sync.PendingMessage, error) {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return nil, fmt.Errorf("no session selected")
	}
	return c.engine.Send(sessionID, body)
}

// LoadMoreHistory pages the active session backward. Returns whether a
// fetch was issued.
func (c *Controller) LoadMoreHistory(ctx context.Context) (bool, error) {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return false, nil
	}
	return c.pager.LoadMore(ctx, sessionID)
}

// StartTyping signals that the user is composing. Throttled; denied calls
// are silently dropped since the indicator is advisory.
func (c *Controller) StartTyping() {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return
	}
	if !c.limiter.Allow(c.userID, ratelimit.ActionTyping) {
		return
	}
	if err := c.live.SendJSON(live.TypeTypingStart, live.TypingPayload{SessionID: sessionID, UserID: c.userID}); err != nil {
		c.logger.Debug("typing frame not sent", zap.Error(err))
	}
}

// StopTyping signals that the user stopped composing, letting the remote
// side clear its indicator ahead of the timeout.
func (c *Controller) StopTyping() {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return
	}
	if err := c.live.SendJSON(live.TypeTypingStop, live.TypingPayload{SessionID: sessionID, UserID: c.userID}); err != nil {
		c.logger.Debug("typing-stop frame not sent", zap.Error(err))
	}
}

// Sessions returns the chat list, unread sessions first, newest activity
// next.
func (c *Controller) Sessions(limit int) ([]store.ChatSession, error) {
	return c.db.ListSessions(limit)
}

// Thread returns the visible window of the active session's messages.
func (c *Controller) Thread(limit int) ([]store.Message, error) {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return nil, nil
	}
	return c.db.ListThread(sessionID, limit)
}

// MessageReaders returns who has read a message in the active session,
// oldest receipt first. Backs the per-message read-by detail in group
// chats.
func (c *Controller) MessageReaders(msgID string) ([]string, error) {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return nil, nil
	}
	return c.db.Readers(sessionID, msgID)
}

// JoinAudioRoom joins the active session's audio room: microphone first,
// then the join announcement. A refused microphone aborts the attempt and
// returns the machine to idle.
func (c *Controller) JoinAudioRoom(ctx context.Context) error {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return fmt.Errorf("no session selected")
	}
	if err := c.machine.Fire(audio.EventJoin); err != nil {
		return err
	}

	if err := c.rtc.JoinRoom(ctx, sessionID); err != nil {
		_ = c.machine.Fire(audio.EventJoinFailed)
		return err
	}

	c.mu.Lock()
	c.audioSession = sessionID
	c.mu.Unlock()

	if err := c.live.SendJSON(live.TypeJoinAudio, live.RoomPayload{SessionID: sessionID}); err != nil {
		c.rtc.TeardownAll()
		c.mu.Lock()
		c.audioSession = ""
		c.mu.Unlock()
		_ = c.machine.Fire(audio.EventJoinFailed)
		return fmt.Errorf("announce audio join: %w", err)
	}
	return nil
}

// LeaveAudioRoom leaves the joined audio room, tearing down every peer
// link and releasing the microphone regardless of whether the server can
// be told.
func (c *Controller) LeaveAudioRoom() error {
	c.mu.Lock()
	sessionID := c.audioSession
	c.audioSession = ""
	c.mu.Unlock()
	if sessionID == "" {
		return fmt.Errorf("not in an audio room")
	}

	if err := c.machine.Fire(audio.EventLeave); err != nil {
		return err
	}

	c.rtc.TeardownAll()
	if err := c.live.SendJSON(live.TypeLeaveAudio, live.RoomPayload{SessionID: sessionID}); err != nil {
		c.logger.Warn("leave announcement not sent", zap.Error(err))
	}
	// Local state settles immediately; the server-side event echoes to the
	// other participants.
	_ = c.machine.Fire(audio.EventLeft)
	return nil
}

// ToggleMute flips the microphone mute state. The state machine enforces
// the toggle rate window; a denied toggle leaves everything untouched.
func (c *Controller) ToggleMute() error {
	switch c.machine.Current() {
	case audio.Live:
		if err := c.machine.Fire(audio.EventMute); err != nil {
			return err
		}
		c.rtc.SetMuted(true)
	case audio.Muted:
		if err := c.machine.Fire(audio.EventUnmute); err != nil {
			return err
		}
		c.rtc.SetMuted(false)
	default:
		return fmt.Errorf("not in an audio room")
	}
	return nil
}

// AudioState returns the local audio participation state.
func (c *Controller) AudioState() audio.State {
	return c.machine.Current()
}

// Room returns a snapshot of a session's audio room, or nil when no room
// has been observed there.
func (c *Controller) Room(sessionID string) *RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[sessionID]
	if !ok {
		return nil
	}
	snap := &RoomState{
		SessionID:    sessionID,
		StarterID:    r.starterID,
		StartedAt:    r.startedAt,
		Participants: make([]string, 0, len(r.participants)),
	}
	for id := range r.participants {
		snap.Participants = append(snap.Participants, id)
	}
	sort.Strings(snap.Participants)
	return snap
}

// TypingUsers returns who is currently composing in a session.
func (c *Controller) TypingUsers(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.typing[sessionID]))
	for id := range c.typing[sessionID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (c *Controller) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindLiveConnected:
		c.onReconnected()
	case bus.KindLiveTyping:
		if p, ok := evt.Payload.(*live.TypingPayload); ok {
			c.onTyping(p)
		}
	case bus.KindLiveAudioStarted:
		if p, ok := evt.Payload.(*live.AudioRoomPayload); ok {
			c.onAudioStarted(p)
		}
	case bus.KindLiveAudioEnded:
		if p, ok := evt.Payload.(*live.AudioRoomPayload); ok {
			c.onAudioEnded(p)
		}
	case bus.KindLiveAudioJoined:
		if p, ok := evt.Payload.(*live.AudioRoomPayload); ok {
			c.onAudioJoined(p)
		}
	case bus.KindLiveAudioLeft:
		if p, ok := evt.Payload.(*live.AudioRoomPayload); ok {
			c.onAudioLeft(p)
		}
	case bus.KindLiveSignal:
		if p, ok := evt.Payload.(*live.SignalPayload); ok {
			c.onSignal(p)
		}
	}
}

// onReconnected restores the room subscription after the live channel
// comes back; the server forgets subscriptions across connections.
func (c *Controller) onReconnected() {
	sessionID := c.ActiveSession()
	if sessionID == "" {
		return
	}
	if err := c.live.SendJSON(live.TypeJoinRoom, live.RoomPayload{SessionID: sessionID}); err != nil {
		c.logger.Warn("room re-join after reconnect failed", zap.Error(err))
	}
}

// onTyping records a composing user and arms the auto-clear timer. A stop
// signal, or silence for the clear interval, removes the indicator.
func (c *Controller) onTyping(p *live.TypingPayload) {
	if p.UserID == c.userID {
		return
	}
	c.mu.Lock()
	byUser := c.typing[p.SessionID]
	if byUser == nil {
		byUser = make(map[string]*time.Timer)
		c.typing[p.SessionID] = byUser
	}
	if t := byUser[p.UserID]; t != nil {
		t.Stop()
		delete(byUser, p.UserID)
	}
	if p.Started {
		sessionID, userID := p.SessionID, p.UserID
		byUser[userID] = time.AfterFunc(c.typingClear, func() {
			c.mu.Lock()
			if m := c.typing[sessionID]; m != nil {
				delete(m, userID)
			}
			c.mu.Unlock()
			c.bus.Emit(bus.KindSessionTyping, sessionID)
		})
	}
	c.mu.Unlock()
	c.bus.Emit(bus.KindSessionTyping, p.SessionID)
}

func (c *Controller) onAudioStarted(p *live.AudioRoomPayload) {
	c.mu.Lock()
	r := &roomState{
		starterID:    p.UserID,
		startedAt:    p.StartedAt,
		participants: make(map[string]struct{}),
	}
	if p.UserID != "" {
		r.participants[p.UserID] = struct{}{}
	}
	c.rooms[p.SessionID] = r
	c.mu.Unlock()

	c.bus.Emit(bus.KindAudioRoomChanged, c.Room(p.SessionID))
	c.bus.Emit(bus.KindSessionFlash, fmt.Sprintf("audio room started in %s", p.SessionID))
}

func (c *Controller) onAudioEnded(p *live.AudioRoomPayload) {
	c.mu.Lock()
	delete(c.rooms, p.SessionID)
	ours := c.audioSession == p.SessionID
	if ours {
		c.audioSession = ""
	}
	c.mu.Unlock()

	if ours {
		c.rtc.TeardownAll()
		// Forced exit: walk the machine home through whatever state it is
		// in.
		_ = c.machine.Fire(audio.EventLeave)
		_ = c.machine.Fire(audio.EventLeft)
	}
	c.bus.Emit(bus.KindAudioRoomChanged, &RoomState{SessionID: p.SessionID})
}

// onAudioJoined adds the participant and, when we are in that room,
// initiates the peer connection toward the newcomer. The side already in
// the room observes the join and is the offerer.
func (c *Controller) onAudioJoined(p *live.AudioRoomPayload) {
	c.mu.Lock()
	r := c.rooms[p.SessionID]
	if r == nil {
		r = &roomState{participants: make(map[string]struct{})}
		c.rooms[p.SessionID] = r
	}
	r.participants[p.UserID] = struct{}{}
	inRoom := c.audioSession == p.SessionID
	c.mu.Unlock()

	if p.UserID == c.userID {
		if c.machine.Current() == audio.Joining {
			_ = c.machine.Fire(audio.EventJoined)
		}
	} else if inRoom && c.machine.Current() != audio.Idle {
		if err := c.rtc.ConnectTo(p.UserID); err != nil {
			c.logger.Warn("peer connect failed", zap.String("peer", p.UserID), zap.Error(err))
		}
	}
	c.bus.Emit(bus.KindAudioRoomChanged, c.Room(p.SessionID))
}

func (c *Controller) onAudioLeft(p *live.AudioRoomPayload) {
	c.mu.Lock()
	r := c.rooms[p.SessionID]
	if r != nil {
		delete(r.participants, p.UserID)
		if len(r.participants) == 0 {
			delete(c.rooms, p.SessionID)
		}
	}
	inRoom := c.audioSession == p.SessionID
	c.mu.Unlock()

	if p.UserID != c.userID && inRoom {
		c.rtc.Teardown(p.UserID)
	}
	c.bus.Emit(bus.KindAudioRoomChanged, c.Room(p.SessionID))
}

// onSignal routes offer/answer/candidate frames addressed to us into the
// signaling engine.
func (c *Controller) onSignal(p *live.SignalPayload) {
	if p.To != "" && p.To != c.userID {
		return
	}
	var err error
	switch p.Kind {
	case live.TypeOffer:
		err = c.rtc.HandleOffer(p.From, p.Body)
	case live.TypeAnswer:
		err = c.rtc.HandleAnswer(p.From, p.Body)
	case live.TypeCandidate:
		err = c.rtc.HandleCandidate(p.From, p.Body)
	}
	if err != nil {
		c.logger.Warn("signal handling failed",
			zap.String("kind", p.Kind), zap.String("from", p.From), zap.Error(err))
	}
}

// SignalRelay adapts the live channel to the signaling engine's sender.
type SignalRelay struct {
	Live   Live
	UserID string
}

// SendSignal relays one signaling payload to a peer through the server.
func (r *SignalRelay) SendSignal(sessionID, to, kind string, payload []byte) error {
	return r.Live.SendJSON(kind, live.SignalPayload{
		SessionID: sessionID,
		From:      r.UserID,
		To:        to,
		Body:      payload,
	})
}

var _ rtc.SignalSender = (*SignalRelay)(nil)
