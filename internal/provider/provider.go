// Package provider defines the boundary to a chat-network client. One Client
// is bound to one account; it reports lifecycle and inbound traffic through
// Events and serves outbound requests.
package provider

import (
	"context"
	"errors"
)

// ErrNoMedia is returned by DownloadMedia when the message carries no
// attachment or it is no longer available.
var ErrNoMedia = errors.New("no media available")

// InboundMessage is a message received on the account
type InboundMessage struct {
	ID        string
	From      string // peer id, "<local>@<domain>"
	Body      string
	Timestamp int64 // seconds since epoch
	HasMedia  bool
}

// SentMessage is the network's acknowledgement of an outbound message
type SentMessage struct {
	ID        string
	Timestamp int64
}

// ChatSummary is one conversation as listed by the network
type ChatSummary struct {
	ID          string
	Name        string
	IsGroup     bool
	LastMessage *string
	Timestamp   *int64
}

// Media is a downloaded attachment. Data is base64 encoded.
type Media struct {
	MimeType string
	Data     string
	Filename string
}

// Events receives what a Client observes. Calls may come from any goroutine
// and may block.
type Events interface {
	// OnQR delivers a pairing code to be shown to the account owner
	OnQR(code string)
	// OnReady reports that the account is paired and usable
	OnReady()
	// OnAuthFailure reports rejected credentials
	OnAuthFailure(reason string)
	// OnDisconnected reports the end of a connected session
	OnDisconnected(reason string)
	// OnMessage delivers an inbound message
	OnMessage(msg InboundMessage)
}

// Client is a connection to one account
type Client interface {
	// Initialize starts connecting. Pairing and readiness are reported
	// through Events; an error means the client could not start at all.
	Initialize(ctx context.Context) error
	// Identity returns the account's user part (phone number)
	Identity(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, to, body string) (SentMessage, error)
	GetChats(ctx context.Context) ([]ChatSummary, error)
	DownloadMedia(ctx context.Context, msg InboundMessage) (*Media, error)
	// Destroy releases the connection. It is safe to call more than once.
	Destroy() error
}

// Factory creates clients. credentialsDir is owned by the client and
// survives restarts.
type Factory interface {
	New(sessionID, credentialsDir string, events Events) (Client, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(sessionID, credentialsDir string, events Events) (Client, error)

// New calls f
func (f FactoryFunc) New(sessionID, credentialsDir string, events Events) (Client, error) {
	return f(sessionID, credentialsDir, events)
}
