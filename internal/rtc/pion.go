package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionFactory builds peer links on pion peer connections configured with
// the ICE servers from the config file.
type PionFactory struct {
	config webrtc.Configuration
	logger *zap.Logger
}

// NewPionFactory creates a factory using the given STUN/TURN URLs.
func NewPionFactory(iceServers []string, logger *zap.Logger) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{config: cfg, logger: logger}
}

// NewLink builds a peer connection with a single bidirectional audio
// transceiver.
func (f *PionFactory) NewLink(peerID string) (PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("peer connection for %s: %w", peerID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("audio transceiver for %s: %w", peerID, err)
	}
	return &pionLink{pc: pc, logger: f.logger.With(zap.String("peer", peerID))}, nil
}

type pionLink struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

func (l *pionLink) CreateOffer() ([]byte, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (l *pionLink) AcceptOffer(offer []byte) ([]byte, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (l *pionLink) AcceptAnswer(answer []byte) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) AddCandidate(candidate []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return l.pc.AddICECandidate(init)
}

func (l *pionLink) OnCandidate(fn func(candidate []byte)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.logger.Warn("encode local candidate", zap.Error(err))
			return
		}
		fn(b)
	})
}

func (l *pionLink) OnStateChange(fn func(state ConnState)) {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateNew:
			fn(StateNew)
		case webrtc.PeerConnectionStateConnecting:
			fn(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(StateDisconnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			fn(StateFailed)
		}
	})
}

func (l *pionLink) Close() error { return l.pc.Close() }

var _ LinkFactory = (*PionFactory)(nil)

// NullMedia is the headless microphone: negotiation proceeds but no local
// audio is captured. A UI embedding the core supplies a real Media.
type NullMedia struct {
	mu       sync.Mutex
	acquired bool
	muted    bool
}

func (m *NullMedia) Acquire(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = true
	return nil
}

func (m *NullMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *NullMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = false
	m.muted = false
}

var _ Media = (*NullMedia)(nil)
