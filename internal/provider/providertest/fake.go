// Package providertest provides a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Camifryou/whatsappcrm/internal/provider"
)

// Sent records one SendMessage call
type Sent struct {
	To   string
	Body string
}

// Client is a provider.Client driven by the test. Events are emitted with
// the Emit* helpers.
type Client struct {
	SessionID      string
	CredentialsDir string
	Events         provider.Events

	mu          sync.Mutex
	initErr     error
	identity    string
	identityErr error
	chats       []provider.ChatSummary
	chatsErr    error
	sendErr     error
	sendGate    chan struct{}
	chatsGate   chan struct{}
	media       map[string]*provider.Media
	mediaErr    error
	sent        []Sent
	sendCalls   int
	inits       int
	chatCalls   int
	destroyed   int
	seq         int
}

// Factory hands out Clients and remembers them by session id
type Factory struct {
	mu      sync.Mutex
	clients map[string][]*Client
	// Configure, when set, runs on every client before it is returned
	Configure func(*Client)
	// Err, when set, fails client creation
	Err error
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{clients: make(map[string][]*Client)}
}

// New implements provider.Factory
func (f *Factory) New(sessionID, credentialsDir string, events provider.Events) (provider.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Client{
		SessionID:      sessionID,
		CredentialsDir: credentialsDir,
		Events:         events,
		identity:       "5491100000000",
		media:          make(map[string]*provider.Media),
	}
	if f.Configure != nil {
		f.Configure(c)
	}
	f.clients[sessionID] = append(f.clients[sessionID], c)
	return c, nil
}

// Client returns the latest client created for a session
func (f *Factory) Client(sessionID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.clients[sessionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Count returns how many clients were created in total
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.clients {
		n += len(list)
	}
	return n
}

// SetInitError makes Initialize fail
func (c *Client) SetInitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initErr = err
}

// SetIdentity sets what Identity returns
func (c *Client) SetIdentity(identity string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity, c.identityErr = identity, err
}

// SetChats sets what GetChats returns
func (c *Client) SetChats(chats []provider.ChatSummary, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats, c.chatsErr = chats, err
}

// SetSendError makes SendMessage fail with err
func (c *Client) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// HoldSends makes SendMessage wait until the returned function is called
func (c *Client) HoldSends() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.sendGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HoldChats makes GetChats wait until the returned function is called. The
// result is the chat list set when the call started.
func (c *Client) HoldChats() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.chatsGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetMedia registers an attachment for a message id
func (c *Client) SetMedia(messageID string, media *provider.Media) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media[messageID] = media
}

// SetMediaError makes every DownloadMedia fail
func (c *Client) SetMediaError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaErr = err
}

// Sent returns a copy of every successful SendMessage call
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SendCalls returns how often SendMessage was entered, including held and
// failed calls
func (c *Client) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

// Inits returns how often Initialize ran
func (c *Client) Inits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits
}

// ChatCalls returns how often GetChats ran
func (c *Client) ChatCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatCalls
}

// Destroyed returns how often Destroy ran
func (c *Client) Destroyed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Client) EmitQR(code string) { c.Events.OnQR(code) }
func (c *Client) EmitReady() { c.Events.OnReady() }
func (c *Client) EmitAuthFailure(reason string) { c.Events.OnAuthFailure(reason) }
func (c *Client) EmitDisconnected(reason string) { c.Events.OnDisconnected(reason) }
func (c *Client) EmitMessage(m provider.InboundMessage) { c.Events.OnMessage(m) }

// Initialize implements provider.Client
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.initErr
}

// Identity implements provider.Client
func (c *Client) Identity(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.identityErr
}

// SendMessage implements provider.Client
func (c *Client) SendMessage(ctx context.Context, to, body string) (provider.SentMessage, error) {
	c.mu.Lock()
	c.sendCalls++
	gate := c.sendGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return provider.SentMessage{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed > 0 {
		return provider.SentMessage{}, errors.New("client destroyed")
	}
	if c.sendErr != nil {
		return provider.SentMessage{}, c.sendErr
	}
	c.seq++
	c.sent = append(c.sent, Sent{To: to, Body: body})
	return provider.SentMessage{ID: fmt.Sprintf("out-%d", c.seq)}, nil
}

// GetChats implements provider.Client
func (c *Client) GetChats(ctx context.Context) ([]provider.ChatSummary, error) {
	c.mu.Lock()
	c.chatCalls++
	gate := c.chatsGate
	chats, err := append([]provider.ChatSummary(nil), c.chats...), c.chatsErr
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return chats, err
}

// DownloadMedia implements provider.Client
func (c *Client) DownloadMedia(ctx context.Context, msg provider.InboundMessage) (*provider.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mediaErr != nil {
		return nil, c.mediaErr
	}
	media, ok := c.media[msg.ID]
	if !ok {
		return nil, provider.ErrNoMedia
	}
	return media, nil
}

// Destroy implements provider.Client
func (c *Client) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	return nil
}
