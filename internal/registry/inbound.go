package registry

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Camifryou/whatsappcrm/internal/provider"
)

const autoReplyText = "¡Hola! Gracias por comunicarte. ¿En qué podemos ayudarte hoy?"

var greetingKeywords = []string{"hola", "buenos días", "buenas"}

// pendingInbound is a received message waiting for its attachment. Inbound
// messages are recorded strictly in arrival order.
type pendingInbound struct {
	msg        provider.InboundMessage
	ready      bool
	mediaURL   string
	mediaType  string
	unreadable bool
}

func isGreeting(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range greetingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// mediaPlaceholder is the preview of a message without text
func mediaPlaceholder(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "📷 Imagen"
	case strings.HasPrefix(mimeType, "audio/"):
		return "🔊 Audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "🎥 Video"
	default:
		return "📎 Archivo"
	}
}

func (r *Registry) handleInbound(sess *session, msg provider.InboundMessage) {
	sess.log.Info("New message from %s: %s", msg.From, msg.Body)

	p := &pendingInbound{msg: msg}
	sess.inbound = append(sess.inbound, p)

	switch {
	case !msg.HasMedia:
		p.ready = true
	case sess.client == nil:
		p.ready, p.unreadable = true, true
	default:
		client := sess.client
		go func() {
			url, mimeType, err := r.fetchMedia(client, sess, msg)
			r.post(sess, "media_fetched", func() {
				if err != nil {
					sess.log.Error("Attachment of %s unreadable: %v", msg.ID, err)
					p.unreadable = true
				} else {
					sess.log.Info("Attachment saved: %s", url)
				}
				p.mediaURL, p.mediaType, p.ready = url, mimeType, true
				r.drainInbound(sess)
			})
		}()
	}
	r.drainInbound(sess)
}

// fetchMedia downloads, decodes and stores an attachment. The MIME type is
// returned whenever it is known, even on failure.
func (r *Registry) fetchMedia(client provider.Client, sess *session, msg provider.InboundMessage) (string, string, error) {
	media, err := client.DownloadMedia(sess.ctx, msg)
	if err != nil {
		return "", "", err
	}
	if media == nil {
		return "", "", provider.ErrNoMedia
	}

	data, err := base64.StdEncoding.DecodeString(media.Data)
	if err != nil {
		return "", media.MimeType, fmt.Errorf("%w: %v", ErrAttachmentDecodeFailed, err)
	}
	url, err := r.media.Save(sess.id, msg.ID, media.MimeType, data)
	if err != nil {
		return "", media.MimeType, err
	}
	return url, media.MimeType, nil
}

// drainInbound records every message at the head of the queue that is ready
func (r *Registry) drainInbound(sess *session) {
	for len(sess.inbound) > 0 && sess.inbound[0].ready {
		p := sess.inbound[0]
		sess.inbound[0] = nil
		sess.inbound = sess.inbound[1:]
		r.recordInbound(sess, p)
	}
}

func (r *Registry) recordInbound(sess *session, p *pendingInbound) {
	msg := Message{
		ID:              p.msg.ID,
		SessionID:       sess.id,
		PeerID:          p.msg.From,
		Body:            p.msg.Body,
		Timestamp:       p.msg.Timestamp,
		Direction:       Inbound,
		MediaUnreadable: p.unreadable,
	}
	if p.mediaURL != "" {
		url := p.mediaURL
		msg.MediaURL = &url
	}
	if p.mediaType != "" {
		mimeType := p.mediaType
		msg.MediaType = &mimeType
	}
	sess.messages[msg.PeerID] = append(sess.messages[msg.PeerID], msg)

	// A message without text still counts as the latest one
	preview := msg.Body
	if preview == "" {
		preview = mediaPlaceholder(p.mediaType)
	}
	r.updateChatPreview(sess, msg.PeerID, preview, msg.Timestamp)
	r.out.Broadcast(EventMessage, msg)

	if r.autoReply && isGreeting(msg.Body) {
		r.scheduleAutoReply(sess, msg.PeerID)
	}
}

// scheduleAutoReply sends the greeting reply after a short delay. A session
// closed before the timer fires never replies.
func (r *Registry) scheduleAutoReply(sess *session, peerID string) {
	var t *time.Timer
	t = time.AfterFunc(r.replyDelay, func() {
		r.post(sess, "auto_reply", func() {
			sess.forgetTimer(t)
			r.sendAutoReply(sess, peerID)
		})
	})
	sess.timers = append(sess.timers, t)
}

func (s *session) forgetTimer(t *time.Timer) {
	for i, other := range s.timers {
		if other == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

func (r *Registry) sendAutoReply(sess *session, peerID string) {
	if sess.client == nil {
		sess.log.Warn("Auto-reply to %s skipped: no client", peerID)
		return
	}
	client := sess.client
	go func() {
		sent, err := client.SendMessage(sess.ctx, peerID, autoReplyText)
		r.post(sess, "auto_reply_sent", func() {
			if err != nil {
				sess.log.Error("Auto-reply to %s failed: %v", peerID, err)
				return
			}
			msg := r.recordOutbound(sess, peerID, autoReplyText, sent)
			r.out.Broadcast(EventMessage, msg)
		})
	}()
}
