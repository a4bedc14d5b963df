package store

// SessionKind distinguishes two-party and group conversations.
type SessionKind string

const (
	KindPersonal SessionKind = "personal"
	KindGroup    SessionKind = "group"
)

// MessageStatus is the delivery status walk of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the status walk; updates never move a message backward.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ChatSession is one conversation in the chat list.
type ChatSession struct {
	ID                 string
	Name               string
	Kind               SessionKind
	AudioEnabled       bool
	MemberCount        int
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one entry in a session's ordered log. MsgID is the
// client-generated id until the server confirms, then the server id.
type Message struct {
	RowID       int64
	SessionID   string
	MsgID       string
	ClientMsgID string
	SenderID    string
	SenderName  string
	Body        string
	ContentType string // text, file
	FromMe      bool
	Status      MessageStatus
	Timestamp   int64
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	SessionID    string
	Body         string
	Channel      string // live, http
	Attempts     int
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
