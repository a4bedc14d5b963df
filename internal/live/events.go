package live

import (
	"encoding/json"
	"time"

	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/chaterr"
	"github.com/shannon-team/chatcore/internal/store"
	"go.uber.org/zap"
)

// Frame is the envelope for every event on the live channel.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame types consumed from the server.
const (
	TypeNewMessage   = "new-message"
	TypeMessageAck   = "message-ack"
	TypeDelivered    = "message-delivered"
	TypeRead         = "message-read"
	TypeTypingStart  = "typing-start"
	TypeTypingStop   = "typing-stop"
	TypeAudioStarted = "audio-room-started"
	TypeAudioEnded   = "audio-room-ended"
	TypeAudioJoined  = "user-joined-audio-room"
	TypeAudioLeft    = "user-left-audio-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "candidate"
)

// Frame types produced by the client.
const (
	TypeSendMessage = "send-message"
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeJoinAudio   = "join-audio-room"
	TypeLeaveAudio  = "leave-audio-room"
	TypeMarkRead    = "mark-messages-read"
)

// WireMessage is a message as carried on the live channel.
type WireMessage struct {
	ID          string `json:"id"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	SessionID   string `json:"sessionId"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	Body        string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ToStoreMessage converts a wire message for the local store. The caller
// fills FromMe and Status.
func (w *WireMessage) ToStoreMessage() *store.Message {
	ct := w.ContentType
	if ct == "" {
		ct = "text"
	}
	return &store.Message{
		SessionID:   w.SessionID,
		MsgID:       w.ID,
		ClientMsgID: w.ClientMsgID,
		SenderID:    w.SenderID,
		SenderName:  w.SenderName,
		Body:        w.Body,
		ContentType: ct,
		Timestamp:   w.Timestamp,
	}
}

// AckPayload confirms a send; ClientMsgID correlates it to the optimistic
// entry.
type AckPayload struct {
	ClientMsgID string      `json:"clientMsgId"`
	Message     WireMessage `json:"message"`
}

// StatusPayload carries delivered/read notifications.
type StatusPayload struct {
	SessionID  string   `json:"sessionId"`
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
	At         int64    `json:"at"`
}

// TypingPayload carries typing-start/stop signals.
type TypingPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Started   bool   `json:"-"`
}

// AudioRoomPayload carries audio-room lifecycle events.
type AudioRoomPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
}

// SignalPayload relays offer/answer/candidate messages between peers.
type SignalPayload struct {
	SessionID string          `json:"sessionId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      string          `json:"-"` // offer, answer, candidate; set from the frame type
	Body      json.RawMessage `json:"body"`
}

// SendPayload is the produced send-message frame.
type SendPayload struct {
	ClientMsgID string `json:"clientMsgId"`
	SessionID   string `json:"sessionId"`
	Body        string `json:"content"`
	ContentType string `json:"contentType"`
}

// RoomPayload is the produced join/leave frame for room subscriptions.
type RoomPayload struct {
	SessionID string `json:"sessionId"`
}

// MarkReadPayload acknowledges a batch of read messages.
type MarkReadPayload struct {
	SessionID  string   `json:"sessionId"`
	MessageIDs []string `json:"messageIds"`
}

// Handler parses inbound frames and publishes the corresponding domain
// events on the bus. Malformed payloads are logged and dropped; they never
// take down the session view.
type Handler struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewHandler creates a frame handler.
func NewHandler(b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{bus: b, logger: logger}
}

// Handle dispatches one inbound frame.
func (h *Handler) Handle(f Frame) {
	switch f.Type {
	case TypeNewMessage:
		var w WireMessage
		h.publish(f, &w, bus.KindLiveMessage, func() any { return &w })
	case TypeMessageAck:
		var p AckPayload
		h.publish(f, &p, bus.KindLiveMessageAck, func() any { return &p })
	case TypeDelivered:
		var p StatusPayload
		h.publish(f, &p, bus.KindLiveDelivered, func() any { return &p })
	case TypeRead:
		var p StatusPayload
		h.publish(f, &p, bus.KindLiveRead, func() any { return &p })
	case TypeTypingStart, TypeTypingStop:
		var p TypingPayload
		h.publish(f, &p, bus.KindLiveTyping, func() any {
			p.Started = f.Type == TypeTypingStart
			return &p
		})
	case TypeAudioStarted:
		var p AudioRoomPayload
		h.publish(f, &p, bus.KindLiveAudioStarted, func() any { return &p })
	case TypeAudioEnded:
		var p AudioRoomPayload
		h.publish(f, &p, bus.KindLiveAudioEnded, func() any { return &p })
	case TypeAudioJoined:
		var p AudioRoomPayload
		h.publish(f, &p, bus.KindLiveAudioJoined, func() any { return &p })
	case TypeAudioLeft:
		var p AudioRoomPayload
		h.publish(f, &p, bus.KindLiveAudioLeft, func() any { return &p })
	case TypeOffer, TypeAnswer, TypeCandidate:
		var p SignalPayload
		h.publish(f, &p, bus.KindLiveSignal, func() any {
			p.Kind = f.Type
			return &p
		})
	default:
		h.logger.Debug("ignoring unknown frame type", zap.String("type", f.Type))
	}
}

func (h *Handler) publish(f Frame, dst any, kind string, payload func() any) {
	if err := json.Unmarshal(f.Data, dst); err != nil {
		perr := &chaterr.ProtocolError{Kind: f.Type, Err: err}
		h.logger.Warn("dropping malformed frame", zap.Error(perr))
		return
	}
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload()})
}
