// Package receipts turns message visibility into batched read-receipt
// acknowledgements. The UI reports which messages are at least half
// visible through Observe/Unobserve; a message that stays visible for the
// debounce interval becomes a candidate, candidates are flushed as one
// batch, and the session's unread counter drops by exactly the number of
// messages that actually changed.
package receipts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/live"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// Acker acknowledges read batches to the server over HTTP.
type Acker interface {
	AckRead(ctx context.Context, sessionID string, messageIDs []string) error
}

// LiveSender pushes read batches over the live channel. May be nil; a nil
// or failing sender falls back to the Acker.
type LiveSender interface {
	SendJSON(frameType string, data any) error
}

// FlushResult is the payload of a message.read_flushed event.
type FlushResult struct {
	SessionID string
	Count     int
}

// Tracker batches visibility-driven read receipts for the active session.
type Tracker struct {
	db       *store.DB
	acker    Acker
	live     LiveSender
	bus      *bus.Bus
	debounce time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	sessionID string
	visible   map[string]time.Time // msgID -> first continuously-visible at
	pending   map[string]struct{}  // debounced, awaiting flush

	now    func() time.Time
	cancel context.CancelFunc
}

// NewTracker creates a read-receipt tracker.
func NewTracker(db *store.DB, acker Acker, lv LiveSender, b *bus.Bus, debounce time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:       db,
		acker:    acker,
		live:     lv,
		bus:      b,
		debounce: debounce,
		logger:   logger,
		visible:  make(map[string]time.Time),
		pending:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// Start begins the promote-and-flush loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(250 * time.Millisecond)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.promote()
				if err := t.Flush(ctx); err != nil {
					t.logger.Warn("read receipt flush failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop without flushing.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// SetSession switches the tracked session, flushing any batch pending for
// the previous one first.
func (t *Tracker) SetSession(ctx context.Context, sessionID string) error {
	t.promote()
	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("flush on session switch failed", zap.Error(err))
	}

	t.mu.Lock()
	t.sessionID = sessionID
	t.visible = make(map[string]time.Time)
	t.pending = make(map[string]struct{})
	t.mu.Unlock()
	return nil
}

// Observe reports that a message is at least half visible.
func (t *Tracker) Observe(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.visible[msgID]; !seen {
		t.visible[msgID] = t.now()
	}
}

// Unobserve reports that a message left the viewport before the debounce
// elapsed; its visibility clock restarts on the next Observe.
func (t *Tracker) Unobserve(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.visible, msgID)
}

// promote moves messages visible for at least the debounce interval into
// the pending batch.
func (t *Tracker) promote() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, since := range t.visible {
		if now.Sub(since) >= t.debounce {
			t.pending[id] = struct{}{}
			delete(t.visible, id)
		}
	}
}

// Flush sends the pending batch as a single acknowledgement and decrements
// the session's unread counter by the number of messages that actually
// flipped to read. The batch rides the live channel when it is up, HTTP
// otherwise. On failure the batch is restored for retry.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	sessionID := t.sessionID
	if sessionID == "" || len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := make([]string, 0, len(t.pending))
	for id := range t.pending {
		batch = append(batch, id)
	}
	t.pending = make(map[string]struct{})
	t.mu.Unlock()

	acked := false
	if t.live != nil {
		err := t.live.SendJSON(live.TypeMarkRead, live.MarkReadPayload{SessionID: sessionID, MessageIDs: batch})
		acked = err == nil
	}
	if !acked {
		if err := t.acker.AckRead(ctx, sessionID, batch); err != nil {
			t.mu.Lock()
			// Restore only if the tracked session has not moved on; a batch
			// captured for the previous session must never ride the next one.
			if t.sessionID == sessionID {
				for _, id := range batch {
					t.pending[id] = struct{}{}
				}
			}
			t.mu.Unlock()
			return fmt.Errorf("ack read batch: %w", err)
		}
	}

	changed, err := t.db.MarkMessagesRead(sessionID, batch)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := t.db.DecrementUnread(sessionID, changed); err != nil {
		return fmt.Errorf("decrement unread: %w", err)
	}

	t.logger.Info("read receipts flushed",
		zap.String("session", sessionID),
		zap.Int("batch", len(batch)),
		zap.Int("changed", changed))
	t.bus.Emit(bus.KindMessagesRead, &FlushResult{SessionID: sessionID, Count: changed})
	return nil
}
