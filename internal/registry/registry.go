// Package registry owns every session: its lifecycle state machine, its
// provider client and its chat and message caches. All state lives on a
// single actor goroutine; provider I/O runs on helper goroutines that post
// their results back to the mailbox.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Camifryou/whatsappcrm/internal/actor"
	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/pairing"
	"github.com/Camifryou/whatsappcrm/internal/provider"
	"github.com/Camifryou/whatsappcrm/internal/store"
)

// ActorID is the id of the registry actor
const ActorID = "registry"

const (
	defaultMailboxSize    = 256
	defaultAutoReplyDelay = time.Second
)

// Options configures a Registry
type Options struct {
	Factory     provider.Factory
	Metadata    *store.MetadataStore
	Credentials *store.CredentialStore
	Media       *store.MediaStore
	Broadcaster Broadcaster
	// QRPrinter, when set, also shows pairing codes on a terminal
	QRPrinter      *pairing.Printer
	AutoReply      bool
	AutoReplyDelay time.Duration
	PurgeOnDelete  bool
	MailboxSize    int
	Logger         *logger.Logger
	Clock          func() time.Time
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, any) {}

// Registry is the session registry actor
type Registry struct {
	ref     *actor.ActorRef
	factory provider.Factory
	meta    *store.MetadataStore
	creds   *store.CredentialStore
	media   *store.MediaStore
	out     Broadcaster
	qr      *pairing.Printer
	log     *logger.Logger
	now     func() time.Time

	autoReply  bool
	replyDelay time.Duration
	purge      bool

	// Owned by the actor goroutine
	ctx      context.Context
	sessions map[string]*session
	order    []string
	lastID   int64
}

// New creates a registry. Start it through Ref().Start or an actor.System.
func New(opts Options) *Registry {
	r := &Registry{
		factory:    opts.Factory,
		meta:       opts.Metadata,
		creds:      opts.Credentials,
		media:      opts.Media,
		out:        opts.Broadcaster,
		qr:         opts.QRPrinter,
		log:        opts.Logger,
		now:        opts.Clock,
		autoReply:  opts.AutoReply,
		replyDelay: opts.AutoReplyDelay,
		purge:      opts.PurgeOnDelete,
		sessions:   make(map[string]*session),
	}
	if r.out == nil {
		r.out = noopBroadcaster{}
	}
	if r.log == nil {
		r.log = logger.Global()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.replyDelay <= 0 {
		r.replyDelay = defaultAutoReplyDelay
	}
	size := opts.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	r.ref = actor.NewActorRef(ActorID, r, size)
	return r
}

// Ref returns the actor reference driving the registry
func (r *Registry) Ref() *actor.ActorRef {
	return r.ref
}

// ID implements actor.Actor
func (r *Registry) ID() string {
	return ActorID
}

// Start implements actor.Actor
func (r *Registry) Start(ctx context.Context) error {
	if r.factory == nil || r.meta == nil || r.creds == nil || r.media == nil {
		return errors.New("registry: factory and stores are required")
	}
	r.ctx = ctx
	return nil
}

// Stop implements actor.Actor. It runs after the mailbox loop exited and
// destroys every client.
func (r *Registry) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.order {
		sess := r.sessions[id]
		sess.close()
		client := sess.client
		sess.client = nil
		if client == nil {
			continue
		}
		g.Go(func() error {
			if err := client.Destroy(); err != nil {
				return fmt.Errorf("destroy %s: %w", sess.id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		r.log.Info("All sessions closed")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the actor goroutine
type call struct {
	name string
	fn   func()
}

func (c call) Type() string { return c.name }

// sessionCall runs fn on the actor goroutine if sess is still registered.
// onDrop runs instead when the session was deleted in the meantime.
type sessionCall struct {
	name   string
	sess   *session
	fn     func()
	onDrop func()
}

func (c sessionCall) Type() string { return c.name }

// Receive implements actor.Actor
func (r *Registry) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case call:
		m.fn()
	case sessionCall:
		if !r.current(m.sess) {
			m.sess.log.Debug("discarding %s for removed session", m.name)
			if m.onDrop != nil {
				m.onDrop()
			}
			return nil
		}
		m.fn()
	default:
		return fmt.Errorf("unsupported message type: %T", msg)
	}
	return nil
}

func (r *Registry) current(sess *session) bool {
	return sess != nil && r.sessions[sess.id] == sess
}

// post hands a completion back to the actor. It blocks until there is room
// in the mailbox and gives up once the session is closed.
func (r *Registry) post(sess *session, name string, fn func()) {
	r.postOrDrop(sess, name, fn, nil)
}

func (r *Registry) postOrDrop(sess *session, name string, fn, onDrop func()) {
	msg := sessionCall{name: name, sess: sess, fn: fn, onDrop: onDrop}
	if err := r.ref.Deliver(sess.ctx, msg); err != nil {
		sess.log.Debug("dropped %s: %v", name, err)
		if onDrop != nil {
			onDrop()
		}
	}
}

type reply[T any] struct {
	value T
	err   error
}

// ask runs fn on the actor and waits for the value it passes to done
func ask[T any](ctx context.Context, r *Registry, name string, fn func(done func(T, error))) (T, error) {
	var zero T
	ch := make(chan reply[T], 1)
	done := func(v T, err error) {
		select {
		case ch <- reply[T]{value: v, err: err}:
		default:
		}
	}

	if err := r.ref.Deliver(ctx, call{name: name, fn: func() { fn(done) }}); err != nil {
		return zero, err
	}

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.ref.Done():
		select {
		case res := <-ch:
			return res.value, res.err
		default:
		}
		return zero, fmt.Errorf("registry: %w", actor.ErrStopped)
	}
}

// query runs fn on the actor and returns its result
func query[T any](ctx context.Context, r *Registry, name string, fn func() (T, error)) (T, error) {
	return ask(ctx, r, name, func(done func(T, error)) { done(fn()) })
}

// CreateSession registers a new session and starts its client. State
// changes arrive later as broadcasts.
func (r *Registry) CreateSession(ctx context.Context) (string, error) {
	return query(ctx, r, "create_session", func() (string, error) {
		return r.createSession(r.nextID()), nil
	})
}

// Restore recreates one session per credentials directory, reusing the
// stored credentials. It returns the restored ids.
func (r *Registry) Restore(ctx context.Context) ([]string, error) {
	ids, err := r.creds.List()
	if err != nil {
		return nil, err
	}
	return query(ctx, r, "restore", func() ([]string, error) {
		restored := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, exists := r.sessions[id]; exists {
				continue
			}
			r.log.Info("Restoring session %s", id)
			restored = append(restored, r.createSession(id))
		}
		return restored, nil
	})
}

// DeleteSession releases a session's client and forgets it. It reports
// whether the session existed.
func (r *Registry) DeleteSession(ctx context.Context, id string) (bool, error) {
	return query(ctx, r, "delete_session", func() (bool, error) {
		return r.deleteSession(id), nil
	})
}

// RenameSession changes the display name of a registered session
func (r *Registry) RenameSession(ctx context.Context, id, name string) error {
	_, err := query(ctx, r, "rename_session", func() (struct{}, error) {
		return struct{}{}, r.renameSession(id, name, false)
	})
	return err
}

// AssignName stores a display name for id whether or not the session is
// registered, and applies it to the live session if there is one.
func (r *Registry) AssignName(ctx context.Context, id, name string) error {
	_, err := query(ctx, r, "assign_name", func() (struct{}, error) {
		return struct{}{}, r.renameSession(id, name, true)
	})
	return err
}

// ApplyNameChanges applies names edited in the metadata file by hand
func (r *Registry) ApplyNameChanges(ctx context.Context, changes []store.NameChange) error {
	_, err := query(ctx, r, "apply_name_changes", func() (struct{}, error) {
		for _, c := range changes {
			sess, ok := r.sessions[c.SessionID]
			if !ok || sess.name == c.Name {
				continue
			}
			sess.log.Info("Name changed on disk: %s", c.Name)
			sess.name = c.Name
			r.out.Broadcast(EventSessionUpdate, Snapshot{ID: sess.id, Name: sess.name})
		}
		return struct{}{}, nil
	})
	return err
}

// Snapshot describes one session, or returns nil when it is unknown
func (r *Registry) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	return query(ctx, r, "get_session", func() (*Snapshot, error) {
		sess, ok := r.sessions[id]
		if !ok {
			return nil, nil
		}
		snap := sess.snapshot()
		return &snap, nil
	})
}

// Snapshots describes every session in creation order
func (r *Registry) Snapshots(ctx context.Context) ([]Snapshot, error) {
	return query(ctx, r, "sessions", func() ([]Snapshot, error) {
		return r.snapshots(), nil
	})
}

// Observe calls join with every session and the full chat feed. join runs
// on the registry goroutine: nothing is broadcast between the state it is
// given and its return.
func (r *Registry) Observe(ctx context.Context, join func([]Snapshot, []Chat)) error {
	_, err := query(ctx, r, "observe", func() (struct{}, error) {
		join(r.snapshots(), r.feed())
		return struct{}{}, nil
	})
	return err
}

func (r *Registry) snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].snapshot())
	}
	return out
}

// SendMessage sends body to peerID through a connected session. The
// returned message is already recorded and broadcast.
func (r *Registry) SendMessage(ctx context.Context, sessionID, peerID, body string) (*Message, error) {
	return ask(ctx, r, "send_message", func(done func(*Message, error)) {
		r.sendMessage(sessionID, peerID, body, done)
	})
}

// RefreshChats reloads the chat list of one connected session, or of every
// connected session when sessionID is nil.
func (r *Registry) RefreshChats(ctx context.Context, sessionID *string) (bool, error) {
	return query(ctx, r, "refresh_chats", func() (bool, error) {
		if sessionID == nil {
			for _, id := range r.order {
				if sess := r.sessions[id]; sess.state == StateConnected {
					r.loadChats(sess)
				}
			}
			return true, nil
		}
		sess, ok := r.sessions[*sessionID]
		if !ok || sess.state != StateConnected {
			return false, nil
		}
		r.loadChats(sess)
		return true, nil
	})
}

// SessionChats returns a session's chats, newest first
func (r *Registry) SessionChats(ctx context.Context, sessionID string) ([]Chat, error) {
	return query(ctx, r, "get_session_chats", func() ([]Chat, error) {
		sess, ok := r.sessions[sessionID]
		if !ok {
			return []Chat{}, nil
		}
		return copyChats(sess.chats), nil
	})
}

// AllChats returns the chats of every session, newest first
func (r *Registry) AllChats(ctx context.Context) ([]Chat, error) {
	return query(ctx, r, "get_all_chats", func() ([]Chat, error) {
		return r.feed(), nil
	})
}

// Messages returns the conversation with peerID in arrival order
func (r *Registry) Messages(ctx context.Context, sessionID, peerID string) ([]Message, error) {
	return query(ctx, r, "get_messages", func() ([]Message, error) {
		sess, ok := r.sessions[sessionID]
		if !ok {
			return []Message{}, nil
		}
		return append([]Message{}, sess.messages[peerID]...), nil
	})
}

// Status builds the administrative status document
func (r *Registry) Status(ctx context.Context) (*Status, error) {
	return query(ctx, r, "status", func() (*Status, error) {
		st := &Status{Server: "running", Sessions: []SessionStatus{}}
		for _, id := range r.order {
			sess := r.sessions[id]
			st.TotalChats += len(sess.chats)
			if sess.client == nil {
				continue
			}
			st.Sessions = append(st.Sessions, SessionStatus{
				ID:         sess.id,
				Status:     sess.state,
				ChatsCount: len(sess.chats),
				Name:       r.storedOrDefaultName(sess.id),
			})
		}
		return st, nil
	})
}

// nextID returns "session_<millis>", strictly increasing within the process
func (r *Registry) nextID() string {
	ms := r.now().UnixMilli()
	if ms <= r.lastID {
		ms = r.lastID + 1
	}
	for {
		id := fmt.Sprintf("session_%d", ms)
		if _, exists := r.sessions[id]; !exists {
			r.lastID = ms
			return id
		}
		ms++
	}
}

// defaultName is the positional fallback shown until a name is stored
func defaultName(id string) string {
	parts := strings.Split(id, "_")
	if len(parts) > 1 && parts[1] != "" {
		return "Sesión " + parts[1]
	}
	return "Sesión " + id
}

func (r *Registry) storedOrDefaultName(id string) string {
	if name := r.meta.Name(id); name != "" {
		return name
	}
	return defaultName(id)
}

func (r *Registry) createSession(id string) string {
	sess := newSession(r.ctx, id, r.storedOrDefaultName(id), r.log.WithPrefix(id))
	r.sessions[id] = sess
	r.order = append(r.order, id)
	sess.log.Info("Creating session")

	dir := r.creds.Dir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.failInit(sess, err)
		return id
	}

	client, err := r.factory.New(id, dir, &sessionEvents{r: r, sess: sess})
	if err != nil {
		r.failInit(sess, err)
		return id
	}
	sess.client = client

	r.out.Broadcast(EventSessionUpdate, Snapshot{ID: id, Status: sess.state, Name: sess.name})

	go func() {
		sess.log.Info("Initializing client")
		if err := client.Initialize(sess.ctx); err != nil {
			r.post(sess, "init_failure", func() { r.failInit(sess, err) })
		}
	}()
	return id
}

func (r *Registry) deleteSession(id string) bool {
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}

	sess.close()
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if err := r.meta.Remove(id); err != nil {
		sess.log.Error("Failed to remove metadata: %v", err)
	}

	client := sess.client
	sess.client = nil
	purge := r.purge
	go func() {
		if client != nil {
			if err := client.Destroy(); err != nil {
				sess.log.Warn("Destroy failed: %v", err)
			}
		}
		if !purge {
			return
		}
		if err := r.creds.Purge(id); err != nil {
			sess.log.Error("%v", err)
		}
		if err := r.media.Purge(id); err != nil {
			sess.log.Error("%v", err)
		}
	}()

	sess.log.Info("Session deleted")
	r.out.Broadcast(EventSessionDeleted, id)
	r.out.Broadcast(EventAllChats, r.feed())
	return true
}

func (r *Registry) renameSession(id, name string, lenient bool) error {
	sess, ok := r.sessions[id]
	if !ok && !lenient {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if name == "" {
		return ErrInvalidName
	}

	if err := r.meta.SetName(id, name); err != nil {
		r.log.Error("Failed to save metadata: %v", err)
	}
	if ok {
		sess.name = name
	}
	r.out.Broadcast(EventSessionUpdate, Snapshot{ID: id, Name: name})
	return nil
}

func (r *Registry) sendMessage(sessionID, peerID, body string, done func(*Message, error)) {
	sess, ok := r.sessions[sessionID]
	if !ok || sess.state != StateConnected || sess.client == nil {
		done(nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID))
		return
	}
	if peerID == "" || body == "" {
		done(nil, fmt.Errorf("%w: recipient and message are required", ErrInvalidInput))
		return
	}

	client := sess.client
	sess.log.Info("Sending message to %s", peerID)
	go func() {
		sent, err := client.SendMessage(sess.ctx, peerID, body)
		r.postOrDrop(sess, "send_result", func() {
			if err != nil {
				sess.log.Error("Send to %s failed: %v", peerID, err)
				done(nil, &DeliveryError{Cause: err})
				return
			}
			msg := r.recordOutbound(sess, peerID, body, sent)
			r.updateChatPreview(sess, peerID, body, msg.Timestamp)
			r.out.Broadcast(EventMessage, msg)
			done(&msg, nil)
		}, func() {
			done(nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID))
		})
	}()
}

func (r *Registry) recordOutbound(sess *session, peerID, body string, sent provider.SentMessage) Message {
	ts := sent.Timestamp
	if ts == 0 {
		ts = r.now().Unix()
	}
	msg := Message{
		ID:        sent.ID,
		SessionID: sess.id,
		PeerID:    peerID,
		Body:      body,
		Timestamp: ts,
		Direction: Outbound,
		FromMe:    true,
	}
	sess.messages[peerID] = append(sess.messages[peerID], msg)
	return msg
}
