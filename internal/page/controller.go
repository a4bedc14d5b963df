// Package page implements cursor-based backward paging of message history
// with scroll-anchor preservation.
package page

import (
	"context"
	"fmt"
	"sync"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/rest"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// Source fetches history pages from the remote API.
type Source interface {
	History(ctx context.Context, sessionID, cursor string, limit int) (*rest.HistoryPage, error)
}

// Viewport is the scroll-measurement capability provided by the UI. The
// controller measures content height around a prepend and scrolls by the
// delta so the visual position does not jump. A nil Viewport skips
// anchoring (headless use).
type Viewport interface {
	ContentHeight() int
	ScrollBy(delta int)
}

type sessionState struct {
	cursor   string
	hasMore  bool
	loaded   bool
	inFlight bool
}

// Controller pages message history backward, one session at a time.
type Controller struct {
	src      Source
	db       *store.DB
	bus      *bus.Bus
	viewport Viewport
	pageSize int
	logger   *zap.Logger

	// active reports the currently selected session; late results for a
	// session that is no longer active are discarded.
	active func() string

	mu     sync.Mutex
	states map[string]*sessionState
}

// NewController creates a pagination controller.
func NewController(src Source, db *store.DB, b *bus.Bus, vp Viewport, pageSize int, active func() string, logger *zap.Logger) *Controller {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Controller{
		src:      src,
		db:       db,
		bus:      b,
		viewport: vp,
		pageSize: pageSize,
		active:   active,
		logger:   logger,
		states:   make(map[string]*sessionState),
	}
}

// LoadInitial fetches the most recent window for a session and stores it.
func (c *Controller) LoadInitial(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	st := c.state(sessionID)
	if st.inFlight {
		c.mu.Unlock()
		return nil
	}
	st.inFlight = true
	c.mu.Unlock()
	defer c.clearInFlight(sessionID)

	page, err := c.src.History(ctx, sessionID, "", c.pageSize)
	if err != nil {
		return fmt.Errorf("initial history for %s: %w", sessionID, err)
	}

	if err := c.ingest(sessionID, page.Messages); err != nil {
		return err
	}

	c.mu.Lock()
	st.cursor = page.NextCursor
	st.hasMore = page.HasMore
	st.loaded = true
	c.mu.Unlock()

	c.bus.Emit(bus.KindMessageUpserted, sessionID)
	return nil
}

// LoadMore fetches the next older page. Calls while a fetch is in flight,
// or after backward history is exhausted, are no-ops. Returns whether a
// fetch was issued.
func (c *Controller) LoadMore(ctx context.Context, sessionID string) (bool, error) {
	c.mu.Lock()
	st := c.state(sessionID)
	if !st.loaded || !st.hasMore || st.inFlight {
		c.mu.Unlock()
		return false, nil
	}
	st.inFlight = true
	cursor := st.cursor
	c.mu.Unlock()
	defer c.clearInFlight(sessionID)

	before := 0
	if c.viewport != nil {
		before = c.viewport.ContentHeight()
	}

	page, err := c.src.History(ctx, sessionID, cursor, c.pageSize)
	if err != nil {
		return true, fmt.Errorf("load more for %s: %w", sessionID, err)
	}

	// The user may have switched away while the fetch was in flight.
	if c.active != nil && c.active() != sessionID {
		c.logger.Debug("discarding late history page", zap.String("session", sessionID))
		return true, nil
	}

	if err := c.ingest(sessionID, page.Messages); err != nil {
		return true, err
	}

	c.mu.Lock()
	st.cursor = page.NextCursor
	st.hasMore = page.HasMore
	c.mu.Unlock()

	if c.viewport != nil {
		c.viewport.ScrollBy(c.viewport.ContentHeight() - before)
	}

	c.bus.Emit(bus.KindMessageUpserted, sessionID)
	return true, nil
}

// HasMore reports whether older history remains for a session.
func (c *Controller) HasMore(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		return true
	}
	return !st.loaded || st.hasMore
}

// Loading reports whether a fetch is in flight for a session.
func (c *Controller) Loading(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	return ok && st.inFlight
}

// Reset forgets a session's pagination state so the next LoadInitial
// starts over. hasMore=false is terminal otherwise.
func (c *Controller) Reset(sessionID string) {
	c.mu.Lock()
	delete(c.states, sessionID)
	c.mu.Unlock()
}

// state returns the tracked state for a session; callers hold c.mu.
func (c *Controller) state(sessionID string) *sessionState {
	st, ok := c.states[sessionID]
	if !ok {
		st = &sessionState{hasMore: true}
		c.states[sessionID] = st
	}
	return st
}

func (c *Controller) clearInFlight(sessionID string) {
	c.mu.Lock()
	if st, ok := c.states[sessionID]; ok {
		st.inFlight = false
	}
	c.mu.Unlock()
}

// ingest upserts a fetched page; the unique (session, msg id) constraint
// makes overlap with concurrent appends harmless.
func (c *Controller) ingest(sessionID string, msgs []rest.WireMessage) error {
	for i := range msgs {
		m := msgs[i].ToStoreMessage()
		m.SessionID = sessionID
		if err := c.db.UpsertMessage(m); err != nil {
			return fmt.Errorf("store history message %s: %w", m.MsgID, err)
		}
	}
	if len(msgs) > 0 {
		newest := msgs[0]
		for _, m := range msgs {
			if m.Timestamp > newest.Timestamp {
				newest = m
			}
		}
		if err := c.db.TouchSession(sessionID, newest.Timestamp, newest.Body); err != nil {
			return fmt.Errorf("touch session %s: %w", sessionID, err)
		}
	}
	return nil
}

var _ Source = (*rest.Client)(nil)
