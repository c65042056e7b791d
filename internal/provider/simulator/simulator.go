// Package simulator is a provider that emulates a chat account with files
// in the session's credentials directory. A new session shows a QR code and
// pairs itself after a delay; inbound messages are injected by dropping JSON
// files into <credentials>/inbox/.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/provider"
)

// ErrNotReady is returned by operations that need a paired account
var ErrNotReady = errors.New("simulator: client not ready")

// ErrDestroyed is returned after Destroy
var ErrDestroyed = errors.New("simulator: client destroyed")

// Options tunes the simulator
type Options struct {
	// PairDelay is how long a shown QR code waits before it counts as scanned
	PairDelay time.Duration
	// IdentityPrefix starts every generated phone number
	IdentityPrefix string
	Logger         *logger.Logger
	Clock          func() time.Time
}

// Factory creates simulator clients
type Factory struct {
	opts Options
}

// NewFactory creates a factory
func NewFactory(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Factory{opts: opts}
}

// New implements provider.Factory
func (f *Factory) New(sessionID, credentialsDir string, events provider.Events) (provider.Client, error) {
	if credentialsDir == "" {
		return nil, errors.New("simulator: credentials directory required")
	}
	return &Client{
		id:     sessionID,
		dir:    credentialsDir,
		events: events,
		opts:   f.opts,
		log:    f.opts.Logger.WithPrefix("simulator:" + sessionID),
		media:  make(map[string]*provider.Media),
		convos: make(map[string]provider.ChatSummary),
	}, nil
}

// Client is one simulated account
type Client struct {
	id     string
	dir    string
	events provider.Events
	opts   Options
	log    *logger.Logger

	mu        sync.Mutex
	identity  string
	ready     bool
	started   bool
	destroyed bool
	cancel    context.CancelFunc
	media     map[string]*provider.Media
	convos    map[string]provider.ChatSummary
	wg        sync.WaitGroup
}

// Initialize implements provider.Client. It returns once the background
// pairing and inbox loops run.
func (c *Client) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(c.inboxPath(), 0755); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("simulator: already initialized")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	// The caller's ctx ends with the session
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer c.wg.Done()
		defer stop()
		c.run(runCtx)
	}()
	return nil
}

func (c *Client) run(ctx context.Context) {
	dev, err := readDevice(c.dir)
	switch {
	case errors.Is(err, errBadDevice):
		c.log.Warn("%v", err)
		c.events.OnAuthFailure(err.Error())
		return
	case err != nil:
		c.log.Error("Failed to read device: %v", err)
		c.events.OnAuthFailure(err.Error())
		return
	case dev == nil:
		dev = c.pair(ctx)
		if dev == nil {
			return
		}
	default:
		c.log.Info("Restored paired device %s", dev.Identity)
	}

	c.mu.Lock()
	c.identity = dev.Identity
	c.ready = true
	c.mu.Unlock()
	c.events.OnReady()

	if err := c.watch(ctx); err != nil {
		c.log.Error("Inbox watcher stopped: %v", err)
	}
}

// pair shows a QR code and waits for the simulated scan. It returns nil
// when ctx ends first.
func (c *Client) pair(ctx context.Context) *device {
	code := fmt.Sprintf("whatsappcrm-sim:%s:%s", c.id, uuid.NewString())
	c.log.Info("Waiting %s for QR scan", c.opts.PairDelay)
	c.events.OnQR(code)

	timer := time.NewTimer(c.opts.PairDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	dev := device{
		Identity: newIdentity(c.opts.IdentityPrefix),
		PairedAt: c.opts.Clock().Unix(),
	}
	if err := writeDevice(c.dir, dev); err != nil {
		c.log.Error("Failed to save device: %v", err)
	}
	c.log.Info("Paired as %s", dev.Identity)
	return &dev
}

// newIdentity returns prefix followed by ten random digits
func newIdentity(prefix string) string {
	u := uuid.New()
	n := binary.BigEndian.Uint64(u[:8]) % 10_000_000_000
	return fmt.Sprintf("%s%010d", prefix, n)
}

func (c *Client) inboxPath() string {
	return filepath.Join(c.dir, InboxDir)
}

// Identity implements provider.Client
func (c *Client) Identity(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return "", ErrNotReady
	}
	return c.identity, nil
}

// SendMessage implements provider.Client. Sent messages are appended to
// outbox.jsonl.
func (c *Client) SendMessage(ctx context.Context, to, body string) (provider.SentMessage, error) {
	if err := c.usable(); err != nil {
		return provider.SentMessage{}, err
	}
	to = normalizePeer(to)
	if to == "" {
		return provider.SentMessage{}, errors.New("simulator: empty recipient")
	}

	sent := provider.SentMessage{ID: uuid.NewString(), Timestamp: c.opts.Clock().Unix()}
	if err := appendOutbox(c.dir, outboxEntry{ID: sent.ID, To: to, Body: body, Timestamp: sent.Timestamp}); err != nil {
		return provider.SentMessage{}, fmt.Errorf("simulator: write outbox: %w", err)
	}
	c.remember(to, body, sent.Timestamp)
	return sent, nil
}

// GetChats implements provider.Client. Chats listed in chats.json come
// first; conversations seen since start are merged in.
func (c *Client) GetChats(ctx context.Context) ([]provider.ChatSummary, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	seeded, err := readChats(c.dir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]provider.ChatSummary, 0, len(seeded)+len(c.convos))
	listed := make(map[string]bool, len(seeded))
	for _, chat := range seeded {
		if convo, ok := c.convos[chat.ID]; ok {
			chat.LastMessage, chat.Timestamp = convo.LastMessage, convo.Timestamp
		}
		listed[chat.ID] = true
		out = append(out, chat)
	}

	extra := make([]string, 0, len(c.convos))
	for id := range c.convos {
		if !listed[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, c.convos[id])
	}
	return out, nil
}

// DownloadMedia implements provider.Client
func (c *Client) DownloadMedia(ctx context.Context, msg provider.InboundMessage) (*provider.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	media, ok := c.media[msg.ID]
	if !ok {
		return nil, provider.ErrNoMedia
	}
	return media, nil
}

// Destroy implements provider.Client
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.ready = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.Debug("Destroyed")
	return nil
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return ErrDestroyed
	case !c.ready:
		return ErrNotReady
	}
	return nil
}

// remember updates the conversation list with the latest message
func (c *Client) remember(peer, text string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat := c.convos[peer]
	chat.ID = peer
	chat.LastMessage = &text
	chat.Timestamp = &ts
	c.convos[peer] = chat
}
