// Package sync implements the dual-channel message pipeline: optimistic
// sends over the live channel with an HTTP fallback, idempotent ingestion
// of inbound messages, and reconciliation of client-generated ids with
// server-confirmed ones.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/chaterr"
	"github.com/shannon-team/chatcore/internal/live"
	"github.com/shannon-team/chatcore/internal/ratelimit"
	"github.com/shannon-team/chatcore/internal/rest"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// echoBucket bounds the timestamp window of the last-resort duplicate
// match for servers that echo a send without the correlation id.
const echoBucket = int64(5000)

// LiveChannel is the push side of the transport. A send error means the
// channel is down and the caller should escalate to the fallback.
type LiveChannel interface {
	SendJSON(frameType string, data any) error
}

// Fallback is the stateless HTTP send path.
type Fallback interface {
	SendMessage(ctx context.Context, sessionID, clientMsgID, body string) (*rest.WireMessage, error)
}

// PendingMessage tracks one optimistic send until confirmation or terminal
// failure.
type PendingMessage struct {
	ClientMsgID string
	SessionID   string
	Body        string
	Channel     string // live, http
	Attempts    int
	Deadline    time.Time

	timer *time.Timer
}

// Engine is the message synchronization engine.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	live     LiveChannel
	fallback Fallback
	userID   string
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingMessage
	active  string

	ctx    context.Context
	cancel context.CancelFunc
}

// SendFailure is the payload of a message.send_failed event.
type SendFailure struct {
	ClientMsgID string
	SessionID   string
	Err         string
}

// MessageRef is the payload of message.upserted and message.send_ack
// events.
type MessageRef struct {
	SessionID string
	MsgID     string
}

// NewEngine creates a sync engine. timeout is the live→HTTP escalation
// deadline for unacknowledged sends.
func NewEngine(db *store.DB, b *bus.Bus, limiter *ratelimit.Limiter, lc LiveChannel, fb Fallback, userID string, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		limiter:  limiter,
		live:     lc,
		fallback: fb,
		userID:   userID,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*PendingMessage),
	}
}

// Start subscribes to inbound live-channel events on the bus and resumes
// sends left stranded by a previous run.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("live.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()
	go e.resumeOutbox()
}

// resumeOutbox re-registers outbox entries that were queued or mid-send
// when the previous run stopped and pushes them through the HTTP fallback.
// The optimistic entry survived in the store, so confirmation rewrites it
// and a terminal failure rolls it back through the usual paths.
func (e *Engine) resumeOutbox() {
	entries, err := e.db.PendingOutbox()
	if err != nil {
		e.logger.Error("outbox scan failed", zap.Error(err))
		return
	}
	for i := range entries {
		entry := entries[i]
		e.mu.Lock()
		if _, inFlight := e.pending[entry.ClientMsgID]; inFlight {
			e.mu.Unlock()
			continue
		}
		e.pending[entry.ClientMsgID] = &PendingMessage{
			ClientMsgID: entry.ClientMsgID,
			SessionID:   entry.SessionID,
			Body:        entry.Body,
			Channel:     "http",
			Attempts:    entry.Attempts,
			Deadline:    time.Now().Add(e.timeout),
		}
		e.mu.Unlock()

		e.logger.Info("resuming interrupted send",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("session", entry.SessionID))
		e.fireFallback(entry.ClientMsgID)
	}
}

// Stop stops the engine and abandons in-flight fallback timers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// SetActiveSession tells the engine which session is on screen; messages
// for other sessions bump unread counters instead of the visible thread.
func (e *Engine) SetActiveSession(sessionID string) {
	e.mu.Lock()
	e.active = sessionID
	e.mu.Unlock()
}

// ActiveSession returns the session currently marked on screen.
func (e *Engine) ActiveSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Send creates a message optimistically and submits it on the live
// channel, escalating to the HTTP fallback if no acknowledgement arrives
// within the timeout. The returned PendingMessage reflects the initial
// channel choice.
func (e *Engine) Send(sessionID, body string) (*PendingMessage, error) {
	if !e.limiter.Allow(e.userID, ratelimit.ActionMessageSend) {
		return nil, fmt.Errorf("send message: %w", chaterr.ErrRateLimited)
	}

	clientID := uuid.New().String()
	now := time.Now().UnixMilli()

	// Optimistic entry first: the UI never waits for the network.
	if err := e.db.UpsertMessage(&store.Message{
		SessionID:   sessionID,
		MsgID:       clientID,
		ClientMsgID: clientID,
		SenderID:    e.userID,
		Body:        body,
		ContentType: "text",
		FromMe:      true,
		Status:      store.StatusPending,
		Timestamp:   now,
	}); err != nil {
		return nil, fmt.Errorf("optimistic insert: %w", err)
	}

	// Registered in flight before the outbox row lands so the resume scan
	// never picks up a send this run already owns.
	pm := &PendingMessage{
		ClientMsgID: clientID,
		SessionID:   sessionID,
		Body:        body,
		Channel:     "live",
		Attempts:    1,
		Deadline:    time.Now().Add(e.timeout),
	}
	e.mu.Lock()
	e.pending[clientID] = pm
	e.mu.Unlock()

	if err := e.db.QueueOutbox(clientID, sessionID, body); err != nil {
		e.mu.Lock()
		delete(e.pending, clientID)
		e.mu.Unlock()
		return nil, fmt.Errorf("queue outbox: %w", err)
	}
	_ = e.db.TouchSession(sessionID, now, body)
	e.bus.Emit(bus.KindMessageUpserted, &MessageRef{SessionID: sessionID, MsgID: clientID})

	_ = e.db.MarkOutboxSending(clientID, "live")
	err := e.live.SendJSON(live.TypeSendMessage, live.SendPayload{
		ClientMsgID: clientID,
		SessionID:   sessionID,
		Body:        body,
		ContentType: "text",
	})
	if err != nil {
		// Live channel is down: skip straight to the fallback.
		e.logger.Info("live send unavailable, using http fallback",
			zap.String("client_msg_id", clientID), zap.Error(err))
		go e.fireFallback(clientID)
		return pm, nil
	}

	pm.timer = time.AfterFunc(e.timeout, func() { e.fireFallback(clientID) })
	return pm, nil
}

// fireFallback submits the payload over HTTP once. Both paths are allowed
// to race; ConfirmMessage guarantees at most one visible entry.
func (e *Engine) fireFallback(clientID string) {
	e.mu.Lock()
	pm := e.pending[clientID]
	if pm == nil {
		e.mu.Unlock()
		return
	}
	pm.Channel = "http"
	pm.Attempts++
	e.mu.Unlock()

	_ = e.db.MarkOutboxSending(clientID, "http")

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	msg, err := e.fallback.SendMessage(ctx, pm.SessionID, clientID, pm.Body)
	if err != nil {
		e.failSend(clientID, err)
		return
	}
	e.Reconcile(clientID, msg.ToStoreMessage())
}

// failSend rolls back an optimistic entry after both channels failed. The
// user always gets an explicit failure signal; a message is never dropped
// silently.
func (e *Engine) failSend(clientID string, cause error) {
	e.mu.Lock()
	pm := e.pending[clientID]
	delete(e.pending, clientID)
	e.mu.Unlock()
	if pm == nil {
		return
	}
	if pm.timer != nil {
		pm.timer.Stop()
	}

	e.logger.Warn("message send failed on both channels",
		zap.String("client_msg_id", clientID), zap.Error(cause))

	_ = e.db.MarkOutboxFailed(clientID, cause.Error())
	_ = e.db.DeleteMessage(pm.SessionID, clientID)
	e.bus.Emit(bus.KindMessageSendFailed, &SendFailure{
		ClientMsgID: clientID,
		SessionID:   pm.SessionID,
		Err:         cause.Error(),
	})
}

// Reconcile rewrites the optimistic entry for clientID with its
// server-confirmed counterpart. Safe to call from both ack paths; the
// second caller finds nothing pending and returns.
func (e *Engine) Reconcile(clientID string, serverMsg *store.Message) {
	e.mu.Lock()
	pm := e.pending[clientID]
	delete(e.pending, clientID)
	e.mu.Unlock()
	if pm == nil {
		return
	}
	if pm.timer != nil {
		pm.timer.Stop()
	}

	replaced, err := e.db.ConfirmMessage(pm.SessionID, clientID, serverMsg.MsgID, serverMsg.Timestamp)
	if err != nil {
		e.logger.Error("reconcile failed", zap.Error(err), zap.String("client_msg_id", clientID))
		return
	}
	_ = e.db.MarkOutboxSent(clientID, serverMsg.MsgID)
	_ = e.db.TouchSession(pm.SessionID, serverMsg.Timestamp, pm.Body)

	e.logger.Info("message confirmed",
		zap.String("client_msg_id", clientID),
		zap.String("server_msg_id", serverMsg.MsgID),
		zap.Bool("rewritten", replaced))
	e.bus.Emit(bus.KindMessageSendAck, &MessageRef{SessionID: pm.SessionID, MsgID: serverMsg.MsgID})
}

// OnIncoming ingests a message observed on the live channel. Duplicates
// are dropped by server id; an unacknowledged echo of an own send is
// matched by correlation id first, then by the content+time-bucket
// heuristic as a last resort. Returns the stored message, or nil if the
// event was a duplicate or an echo.
func (e *Engine) OnIncoming(m *store.Message) (*store.Message, error) {
	// Echo of an own optimistic send, correlated by client id.
	if m.ClientMsgID != "" {
		e.mu.Lock()
		_, isPending := e.pending[m.ClientMsgID]
		e.mu.Unlock()
		if isPending {
			e.Reconcile(m.ClientMsgID, m)
			return nil, nil
		}
	}

	exists, err := e.db.HasMessage(m.SessionID, m.MsgID)
	if err != nil {
		return nil, fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		return nil, nil
	}

	m.FromMe = m.SenderID == e.userID
	if m.FromMe {
		// Last-resort echo suppression when the server did not echo the
		// correlation id.
		echo, err := e.db.FindPendingEcho(m.SessionID, m.Body, m.Timestamp, echoBucket)
		if err != nil {
			return nil, fmt.Errorf("echo match: %w", err)
		}
		if echo != nil {
			e.Reconcile(echo.ClientMsgID, m)
			return nil, nil
		}
	}

	if m.Status == "" || m.Status == store.StatusPending {
		m.Status = store.StatusDelivered
	}
	if err := e.db.UpsertMessage(m); err != nil {
		return nil, fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.TouchSession(m.SessionID, m.Timestamp, m.Body); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	// Messages for a backgrounded session still reorder the chat list and
	// bump its unread counter.
	if !m.FromMe && m.SessionID != e.ActiveSession() {
		_ = e.db.IncrementUnread(m.SessionID)
	}

	e.bus.Emit(bus.KindMessageUpserted, &MessageRef{SessionID: m.SessionID, MsgID: m.MsgID})
	return m, nil
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindLiveMessage:
		w, ok := evt.Payload.(*live.WireMessage)
		if !ok {
			return
		}
		if _, err := e.OnIncoming(w.ToStoreMessage()); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", w.ID))
		}
	case bus.KindLiveMessageAck:
		p, ok := evt.Payload.(*live.AckPayload)
		if !ok {
			return
		}
		e.Reconcile(p.ClientMsgID, p.Message.ToStoreMessage())
	case bus.KindLiveDelivered:
		e.applyStatus(evt, store.StatusDelivered)
	case bus.KindLiveRead:
		e.applyStatus(evt, store.StatusRead)
	}
}

// applyStatus advances the delivery walk for a batch of own messages and
// records the reader on read receipts.
func (e *Engine) applyStatus(evt bus.Event, to store.MessageStatus) {
	p, ok := evt.Payload.(*live.StatusPayload)
	if !ok {
		return
	}
	if err := e.db.AdvanceStatus(p.SessionID, p.MessageIDs, to); err != nil {
		e.logger.Error("status walk failed", zap.Error(err), zap.String("session", p.SessionID))
		return
	}
	if to == store.StatusRead && p.UserID != "" {
		for _, id := range p.MessageIDs {
			_ = e.db.AddReader(p.SessionID, id, p.UserID, p.At)
		}
	}
	e.bus.Emit(bus.KindMessageUpserted, &MessageRef{SessionID: p.SessionID})
}
