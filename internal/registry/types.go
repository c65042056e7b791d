package registry

// State is the lifecycle state of a session
type State string

const (
	StateInitializing State = "initializing"
	StateQRReady      State = "qr_ready"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateAuthFailure  State = "auth_failure"
	StateError        State = "error"
)

// Direction tells whether a message was received or sent
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Broadcast event names
const (
	EventSessions       = "sessions"
	EventSessionUpdate  = "session_update"
	EventSessionDeleted = "session_deleted"
	EventChats          = "chats"
	EventAllChats       = "all_chats"
	EventMessage        = "message"
)

// Broadcaster fans events out to every observer. It must not block and
// must not retain data past the call.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Chat is a one-to-one conversation of a session
type Chat struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"sessionId"`
	Name        *string `json:"name"`
	LastMessage *string `json:"lastMessage"`
	Timestamp   *int64  `json:"timestamp"`
}

// Message is one received or sent message
type Message struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	PeerID          string    `json:"from"`
	Body            string    `json:"body"`
	Timestamp       int64     `json:"timestamp"`
	Direction       Direction `json:"direction"`
	FromMe          bool      `json:"fromMe"`
	MediaURL        *string   `json:"mediaUrl"`
	MediaType       *string   `json:"mediaType"`
	MediaUnreadable bool      `json:"mediaUnreadable,omitempty"`
}

// Snapshot describes a session. As a session_update payload only the
// changed fields besides id are set.
type Snapshot struct {
	ID     string `json:"id"`
	Status State  `json:"status,omitempty"`
	Name   string `json:"name,omitempty"`
	QRCode string `json:"qrCode,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChatsUpdate is the payload of the chats event
type ChatsUpdate struct {
	SessionID string `json:"sessionId"`
	Chats     []Chat `json:"chats"`
}

// SessionStatus is one row of the status document
type SessionStatus struct {
	ID         string `json:"id"`
	Status     State  `json:"status"`
	ChatsCount int    `json:"chatsCount"`
	Name       string `json:"name"`
}

// Status is the administrative status document
type Status struct {
	Server     string          `json:"server"`
	Sessions   []SessionStatus `json:"sessions"`
	TotalChats int             `json:"totalChats"`
}
