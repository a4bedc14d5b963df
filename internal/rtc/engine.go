// Package rtc negotiates the audio mesh: one peer link per remote
// participant, offer/answer/candidate exchange relayed over the live
// channel, and exclusive ownership of the local microphone.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/chaterr"
	"go.uber.org/zap"
)

// ConnState mirrors the peer connection lifecycle.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// Signal kinds exchanged through the relay.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// PeerLink is one negotiated connection to a remote participant. The pion
// adapter implements it; tests use fakes.
type PeerLink interface {
	// CreateOffer produces the local offer (caller role).
	CreateOffer() ([]byte, error)
	// AcceptOffer applies a remote offer and produces the answer (callee
	// role). After it returns, queued candidates may be applied.
	AcceptOffer(offer []byte) (answer []byte, err error)
	// AcceptAnswer applies the remote answer on the caller side.
	AcceptAnswer(answer []byte) error
	// AddCandidate applies one remote candidate.
	AddCandidate(candidate []byte) error
	// OnCandidate registers the local-candidate callback.
	OnCandidate(fn func(candidate []byte))
	// OnStateChange registers the connection-state callback.
	OnStateChange(fn func(state ConnState))
	Close() error
}

// LinkFactory builds peer links.
type LinkFactory interface {
	NewLink(peerID string) (PeerLink, error)
}

// Media owns the local microphone. Acquire errors map to permission
// denial; Release is idempotent and always called on teardown, including
// error paths.
type Media interface {
	Acquire(ctx context.Context) error
	SetMuted(muted bool)
	Release()
}

// SignalSender relays signaling payloads to a peer (over the live
// channel).
type SignalSender interface {
	SendSignal(sessionID, to, kind string, payload []byte) error
}

// PeerState is the payload of audio.peer_state events.
type PeerState struct {
	SessionID string
	PeerID    string
	State     ConnState
}

type peer struct {
	id        string
	link      PeerLink
	caller    bool
	remoteSet bool
	queued    [][]byte
	state     ConnState
}

// Engine manages the peer mesh for at most one audio room at a time.
type Engine struct {
	factory LinkFactory
	media   Media
	sender  SignalSender
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	sessionID string
	peers     map[string]*peer
	early     map[string][][]byte // candidates that arrived before the offer
}

// NewEngine creates a signaling engine.
func NewEngine(factory LinkFactory, media Media, sender SignalSender, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		factory: factory,
		media:   media,
		sender:  sender,
		bus:     b,
		logger:  logger,
		peers:   make(map[string]*peer),
		early:   make(map[string][][]byte),
	}
}

// JoinRoom acquires the microphone and binds the engine to a room. A
// refused microphone is terminal for this attempt; the caller decides
// whether to retry.
func (e *Engine) JoinRoom(ctx context.Context, sessionID string) error {
	if err := e.media.Acquire(ctx); err != nil {
		return fmt.Errorf("join audio room %s: %w", sessionID, errors.Join(chaterr.ErrPermissionDenied, err))
	}
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
	return nil
}

// ConnectTo initiates a connection to a newly observed participant. The
// side that observes the join event deterministically takes the caller
// role.
func (e *Engine) ConnectTo(peerID string) error {
	e.mu.Lock()
	if _, exists := e.peers[peerID]; exists {
		e.mu.Unlock()
		return nil
	}
	sessionID := e.sessionID
	link, err := e.newLinkLocked(peerID, true)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	offer, err := link.CreateOffer()
	if err != nil {
		e.Teardown(peerID)
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := e.sender.SendSignal(sessionID, peerID, SignalOffer, offer); err != nil {
		e.Teardown(peerID)
		return fmt.Errorf("send offer to %s: %w", peerID, err)
	}
	return nil
}

// HandleOffer answers an incoming offer (callee role).
func (e *Engine) HandleOffer(fromPeerID string, offer []byte) error {
	e.mu.Lock()
	if p, exists := e.peers[fromPeerID]; exists && p.caller {
		// Glare: we already initiated toward this peer. First connection
		// object wins; the remote answers our offer instead.
		e.mu.Unlock()
		e.logger.Debug("ignoring offer from peer we already called", zap.String("peer", fromPeerID))
		return nil
	}
	sessionID := e.sessionID
	link, err := e.newLinkLocked(fromPeerID, false)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	answer, err := link.AcceptOffer(offer)
	if err != nil {
		e.Teardown(fromPeerID)
		return fmt.Errorf("accept offer from %s: %w", fromPeerID, err)
	}
	e.markRemoteSet(fromPeerID)

	if err := e.sender.SendSignal(sessionID, fromPeerID, SignalAnswer, answer); err != nil {
		e.Teardown(fromPeerID)
		return fmt.Errorf("send answer to %s: %w", fromPeerID, err)
	}
	return nil
}

// HandleAnswer applies the remote answer on the caller side.
func (e *Engine) HandleAnswer(fromPeerID string, answer []byte) error {
	e.mu.Lock()
	p := e.peers[fromPeerID]
	e.mu.Unlock()
	if p == nil {
		return &chaterr.ProtocolError{Kind: SignalAnswer, Err: fmt.Errorf("answer from unknown peer %s", fromPeerID)}
	}
	if err := p.link.AcceptAnswer(answer); err != nil {
		return fmt.Errorf("accept answer from %s: %w", fromPeerID, err)
	}
	e.markRemoteSet(fromPeerID)
	return nil
}

// HandleCandidate applies a remote candidate, queueing it if the remote
// description is not set yet. Queued candidates are flushed in arrival
// order and never dropped.
func (e *Engine) HandleCandidate(fromPeerID string, candidate []byte) error {
	e.mu.Lock()
	p := e.peers[fromPeerID]
	if p == nil {
		// Candidate raced ahead of the offer; hold it for the link.
		e.early[fromPeerID] = append(e.early[fromPeerID], candidate)
		e.mu.Unlock()
		return nil
	}
	if !p.remoteSet {
		p.queued = append(p.queued, candidate)
		e.mu.Unlock()
		return nil
	}
	link := p.link
	e.mu.Unlock()

	if err := link.AddCandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", fromPeerID, err)
	}
	return nil
}

// Teardown closes the link to one peer. Idempotent.
func (e *Engine) Teardown(peerID string) {
	e.mu.Lock()
	p := e.peers[peerID]
	delete(e.peers, peerID)
	delete(e.early, peerID)
	e.mu.Unlock()

	if p != nil {
		if err := p.link.Close(); err != nil {
			e.logger.Debug("peer link close", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// TeardownAll closes every peer link, releases the microphone, and
// unbinds the room. Idempotent; safe on error paths.
func (e *Engine) TeardownAll() {
	e.mu.Lock()
	peers := e.peers
	e.peers = make(map[string]*peer)
	e.early = make(map[string][][]byte)
	e.sessionID = ""
	e.mu.Unlock()

	for id, p := range peers {
		if err := p.link.Close(); err != nil {
			e.logger.Debug("peer link close", zap.String("peer", id), zap.Error(err))
		}
	}
	e.media.Release()
}

// SetMuted toggles the local microphone track.
func (e *Engine) SetMuted(muted bool) {
	e.media.SetMuted(muted)
}

// Peers returns a snapshot of peer connection states.
func (e *Engine) Peers() map[string]ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ConnState, len(e.peers))
	for id, p := range e.peers {
		out[id] = p.state
	}
	return out
}

// newLinkLocked builds and registers a link; e.mu must be held.
func (e *Engine) newLinkLocked(peerID string, caller bool) (PeerLink, error) {
	link, err := e.factory.NewLink(peerID)
	if err != nil {
		return nil, fmt.Errorf("new link for %s: %w", peerID, err)
	}
	p := &peer{id: peerID, link: link, caller: caller, state: StateNew}
	if held := e.early[peerID]; len(held) > 0 {
		p.queued = append(p.queued, held...)
		delete(e.early, peerID)
	}
	e.peers[peerID] = p

	sessionID := e.sessionID
	link.OnCandidate(func(candidate []byte) {
		if err := e.sender.SendSignal(sessionID, peerID, SignalCandidate, candidate); err != nil {
			e.logger.Warn("failed to relay candidate", zap.String("peer", peerID), zap.Error(err))
		}
	})
	link.OnStateChange(func(state ConnState) {
		e.mu.Lock()
		if cur, ok := e.peers[peerID]; ok {
			cur.state = state
		}
		e.mu.Unlock()
		// Failed links are reported upward, never retried here; recovery
		// is a user-initiated rejoin.
		e.bus.Emit(bus.KindAudioPeerState, &PeerState{SessionID: sessionID, PeerID: peerID, State: state})
	})
	return link, nil
}

// markRemoteSet flushes candidates queued before the remote description.
func (e *Engine) markRemoteSet(peerID string) {
	e.mu.Lock()
	p := e.peers[peerID]
	if p == nil {
		e.mu.Unlock()
		return
	}
	p.remoteSet = true
	queued := p.queued
	p.queued = nil
	link := p.link
	e.mu.Unlock()

	for _, candidate := range queued {
		if err := link.AddCandidate(candidate); err != nil {
			e.logger.Warn("failed to apply queued candidate", zap.String("peer", peerID), zap.Error(err))
		}
	}
}
