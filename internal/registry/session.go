package registry

import (
	"context"
	"time"

	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/provider"
)

// session is owned by the registry actor. Helper goroutines may only read
// the immutable fields: id, ctx and log.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	name      string
	state     State
	qrCode    string
	phone     string
	lastError string
	reason    string
	client    provider.Client

	chats    []Chat
	messages map[string][]Message
	chatGen  int
	inbound  []*pendingInbound
	timers   []*time.Timer
}

func newSession(parent context.Context, id, name string, log *logger.Logger) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		name:     name,
		state:    StateInitializing,
		chats:    []Chat{},
		messages: make(map[string][]Message),
	}
}

// close cancels in-flight work and pending timers
func (s *session) close() {
	s.cancel()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:     s.id,
		Status: s.state,
		Name:   s.name,
		QRCode: s.qrCode,
		Phone:  s.phone,
	}
	switch s.state {
	case StateAuthFailure, StateError:
		snap.Error = s.lastError
	case StateDisconnected:
		snap.Reason = s.reason
	}
	return snap
}

// sessionEvents forwards provider events of one session to the actor
type sessionEvents struct {
	r    *Registry
	sess *session
}

func (e *sessionEvents) OnQR(code string) {
	e.r.post(e.sess, "qr", func() { e.r.handleQR(e.sess, code) })
}

func (e *sessionEvents) OnReady() {
	e.r.post(e.sess, "ready", func() { e.r.handleReady(e.sess) })
}

func (e *sessionEvents) OnAuthFailure(reason string) {
	e.r.post(e.sess, "auth_failure", func() { e.r.handleAuthFailure(e.sess, reason) })
}

func (e *sessionEvents) OnDisconnected(reason string) {
	e.r.post(e.sess, "disconnected", func() { e.r.handleDisconnected(e.sess, reason) })
}

func (e *sessionEvents) OnMessage(msg provider.InboundMessage) {
	e.r.post(e.sess, "message", func() { e.r.handleInbound(e.sess, msg) })
}
