package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the chat core. Subscribers filter by namespace
// prefix, so "live." matches every inbound live-channel event and
// "message." every local message mutation.
const (
	// Inbound live-channel events (published by live.Handler).
	KindLiveConnected    = "live.connected"
	KindLiveDisconnected = "live.disconnected"
	KindLiveMessage      = "live.message"
	KindLiveMessageAck   = "live.message_ack"
	KindLiveDelivered    = "live.delivered"
	KindLiveRead         = "live.read"
	KindLiveTyping       = "live.typing"
	KindLiveAudioStarted = "live.audio_started"
	KindLiveAudioEnded   = "live.audio_ended"
	KindLiveAudioJoined  = "live.audio_joined"
	KindLiveAudioLeft    = "live.audio_left"
	KindLiveSignal       = "live.signal"

	// Local message store mutations (published by the sync engine).
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessagesRead      = "message.read_flushed"

	// Audio room and peer connection lifecycle.
	KindAudioStateChanged = "audio.state_changed"
	KindAudioPeerState    = "audio.peer_state"
	KindAudioRoomChanged  = "audio.room_changed"

	// Session-level UI signals.
	KindSessionSelected = "session.selected"
	KindSessionFlash    = "session.flash"
	KindSessionTyping   = "session.typing"
)

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
