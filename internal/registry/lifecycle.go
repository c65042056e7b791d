package registry

import (
	"fmt"

	"github.com/Camifryou/whatsappcrm/internal/pairing"
)

// accepts reports whether event is an edge out of the session's state
func (s *session) accepts(event string) bool {
	switch event {
	case "qr", "ready":
		return s.state == StateInitializing || s.state == StateQRReady
	case "auth_failure":
		return true
	case "disconnected":
		return s.state == StateConnected
	case "init_failure":
		return s.state == StateInitializing
	default:
		return false
	}
}

func (r *Registry) ignore(sess *session, event string) {
	sess.log.Debug("Ignoring %s in state %s", event, sess.state)
}

func (r *Registry) handleQR(sess *session, code string) {
	if !sess.accepts("qr") {
		r.ignore(sess, "qr")
		return
	}
	sess.log.Info("QR code generated")

	url, err := pairing.DataURL(code)
	if err != nil {
		sess.log.Error("QR render failed: %v", err)
		return
	}
	if err := r.qr.Print(sess.id, code); err != nil {
		sess.log.Warn("QR print failed: %v", err)
	}

	sess.state = StateQRReady
	sess.qrCode = url
	r.out.Broadcast(EventSessionUpdate, Snapshot{
		ID:     sess.id,
		Status: sess.state,
		QRCode: sess.qrCode,
		Name:   sess.name,
	})
}

func (r *Registry) handleReady(sess *session) {
	if !sess.accepts("ready") {
		r.ignore(sess, "ready")
		return
	}
	sess.log.Info("Client ready")
	sess.state = StateConnected
	sess.qrCode = ""

	client := sess.client
	go func() {
		identity, err := client.Identity(sess.ctx)
		r.post(sess, "identity", func() { r.handleIdentity(sess, identity, err) })
	}()
}

// handleIdentity completes the ready transition once the account identity
// is known or could not be fetched.
func (r *Registry) handleIdentity(sess *session, identity string, err error) {
	switch {
	case err != nil:
		sess.log.Error("Failed to fetch identity: %v", err)
	case identity != "":
		sess.phone = identity
		sess.log.Info("Phone number: +%s", identity)
		if r.meta.Name(sess.id) == "" {
			sess.name = "+" + identity
			if err := r.meta.SetName(sess.id, sess.name); err != nil {
				sess.log.Error("Failed to save metadata: %v", err)
			}
		}
	}

	if sess.state != StateConnected {
		return
	}
	r.out.Broadcast(EventSessionUpdate, Snapshot{
		ID:     sess.id,
		Status: sess.state,
		Name:   sess.name,
		Phone:  sess.phone,
	})
	r.loadChats(sess)
}

func (r *Registry) handleAuthFailure(sess *session, reason string) {
	if !sess.accepts("auth_failure") {
		r.ignore(sess, "auth_failure")
		return
	}
	sess.state = StateAuthFailure
	sess.lastError = reason
	sess.qrCode = ""
	sess.log.Error("%v", sess.snapshot().Err())

	r.out.Broadcast(EventSessionUpdate, Snapshot{
		ID:     sess.id,
		Status: sess.state,
		Error:  reason,
		Name:   sess.name,
	})
}

func (r *Registry) handleDisconnected(sess *session, reason string) {
	if !sess.accepts("disconnected") {
		r.ignore(sess, "disconnected")
		return
	}
	sess.log.Info("Client disconnected: %s", reason)
	sess.state = StateDisconnected
	sess.reason = reason

	r.out.Broadcast(EventSessionUpdate, Snapshot{
		ID:     sess.id,
		Status: sess.state,
		Reason: reason,
		Name:   sess.name,
	})

	client := sess.client
	sess.client = nil
	if client != nil {
		go func() {
			if err := client.Destroy(); err != nil {
				sess.log.Warn("Destroy failed: %v", err)
			}
		}()
	}
}

func (r *Registry) failInit(sess *session, err error) {
	if !sess.accepts("init_failure") {
		r.ignore(sess, "init_failure")
		return
	}
	text := err.Error()

	sess.state = StateError
	sess.lastError = text
	sess.log.Error("Failed to initialize: %v", fmt.Errorf("%w: %v", ErrProviderError, err))

	r.out.Broadcast(EventSessionUpdate, Snapshot{
		ID:     sess.id,
		Status: sess.state,
		Error:  text,
		Name:   sess.name,
	})
}
