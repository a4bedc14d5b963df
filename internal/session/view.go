package session

import (
	"context"
	gosync "sync"
	"time"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// View caches renderable state and signals the UI when it changes. It
// listens for local mutations on the bus and re-reads the store, so the
// UI never touches the database directly.
type View struct {
	mu gosync.RWMutex

	controller *Controller
	bus        *bus.Bus
	logger     *zap.Logger

	sessions []store.ChatSession
	thread   []store.Message
	typing   []string
	room     *RoomState
	flash    string
	flashAt  time.Time

	threadLimit int
	refreshCh   chan struct{}
	cancel      context.CancelFunc
}

// NewView creates a view bound to the controller.
func NewView(c *Controller, b *bus.Bus, threadLimit int, logger *zap.Logger) *View {
	if threadLimit <= 0 {
		threadLimit = 200
	}
	return &View{
		controller:  c,
		bus:         b,
		logger:      logger,
		threadLimit: threadLimit,
		refreshCh:   make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals a pending UI refresh.
func (v *View) RefreshCh() <-chan struct{} {
	return v.refreshCh
}

func (v *View) signalRefresh() {
	select {
	case v.refreshCh <- struct{}{}:
	default:
	}
}

// Start subscribes to state-change events and keeps the caches current.
func (v *View) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)

	msgCh, unsubMsg := v.bus.Subscribe("message.", 128)
	sesCh, unsubSes := v.bus.Subscribe("session.", 128)
	audCh, unsubAud := v.bus.Subscribe("audio.", 128)

	go func() {
		defer unsubMsg()
		defer unsubSes()
		defer unsubAud()
		for {
			select {
			case <-msgCh:
				v.reload()
			case evt := <-sesCh:
				if evt.Kind == bus.KindSessionFlash {
					if s, ok := evt.Payload.(string); ok {
						v.setFlash(s)
					}
				}
				v.reload()
			case <-audCh:
				v.reload()
			case <-ctx.Done():
				return
			}
		}
	}()

	v.reload()
}

// Stop halts the event loop.
func (v *View) Stop() {
	if v.cancel != nil {
		v.cancel()
	}
}

// reload re-reads everything the UI renders and signals a refresh.
func (v *View) reload() {
	sessions, err := v.controller.Sessions(100)
	if err != nil {
		v.logger.Warn("loading chat list", zap.Error(err))
	}
	thread, err := v.controller.Thread(v.threadLimit)
	if err != nil {
		v.logger.Warn("loading thread", zap.Error(err))
	}
	active := v.controller.ActiveSession()

	v.mu.Lock()
	v.sessions = sessions
	v.thread = thread
	v.typing = v.controller.TypingUsers(active)
	v.room = v.controller.Room(active)
	v.mu.Unlock()

	v.signalRefresh()
}

func (v *View) setFlash(s string) {
	v.mu.Lock()
	v.flash = s
	v.flashAt = time.Now()
	v.mu.Unlock()
}

// Sessions returns the cached chat list.
func (v *View) Sessions() []store.ChatSession {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sessions
}

// Thread returns the cached message window for the active session.
func (v *View) Thread() []store.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.thread
}

// MessageReaders returns the reader ids recorded for a message in the
// active session. Read on demand; the set is only rendered when the user
// opens a message's detail.
func (v *View) MessageReaders(msgID string) []string {
	readers, err := v.controller.MessageReaders(msgID)
	if err != nil {
		v.logger.Warn("loading message readers", zap.Error(err))
		return nil
	}
	return readers
}

// TypingUsers returns who is composing in the active session.
func (v *View) TypingUsers() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.typing
}

// Room returns the active session's audio room snapshot, if any.
func (v *View) Room() *RoomState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.room
}

// Flash returns the most recent flash message if it is younger than ttl.
func (v *View) Flash(ttl time.Duration) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.flash == "" || time.Since(v.flashAt) > ttl {
		return ""
	}
	return v.flash
}
