package registry

import (
	"sort"
	"strings"

	"github.com/Camifryou/whatsappcrm/internal/provider"
)

// sortChats orders chats newest first. Chats without a timestamp go last;
// equal keys keep their previous order.
func sortChats(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		ti, tj := chats[i].Timestamp, chats[j].Timestamp
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return *ti > *tj
		}
	})
}

func copyChats(chats []Chat) []Chat {
	return append([]Chat{}, chats...)
}

// feed is every session's chats in creation order, then sorted
func (r *Registry) feed() []Chat {
	all := []Chat{}
	for _, id := range r.order {
		all = append(all, r.sessions[id].chats...)
	}
	sortChats(all)
	return all
}

// publishChats broadcasts a session's chats followed by the global feed
func (r *Registry) publishChats(sess *session) {
	r.out.Broadcast(EventChats, ChatsUpdate{SessionID: sess.id, Chats: copyChats(sess.chats)})
	all := r.feed()
	r.log.Debug("Broadcasting %d combined chats", len(all))
	r.out.Broadcast(EventAllChats, all)
}

// loadChats replaces a session's chat cache with the provider's list. Only
// the most recently started load is applied.
func (r *Registry) loadChats(sess *session) {
	if sess.client == nil {
		sess.log.Error("Cannot load chats: no client")
		return
	}
	sess.chatGen++
	gen := sess.chatGen
	client := sess.client

	sess.log.Info("Loading chats")
	go func() {
		summaries, err := client.GetChats(sess.ctx)
		r.post(sess, "chats_loaded", func() {
			if gen != sess.chatGen {
				sess.log.Debug("Discarding superseded chat load")
				return
			}
			if err != nil {
				sess.log.Error("Failed to load chats: %v", err)
				return
			}
			r.replaceChats(sess, summaries)
		})
	}()
}

func (r *Registry) replaceChats(sess *session, summaries []provider.ChatSummary) {
	chats := make([]Chat, 0, len(summaries))
	for _, s := range summaries {
		if s.IsGroup {
			continue
		}
		chat := Chat{
			ID:          s.ID,
			SessionID:   sess.id,
			LastMessage: s.LastMessage,
			Timestamp:   s.Timestamp,
		}
		if s.Name != "" {
			name := s.Name
			chat.Name = &name
		}
		chats = append(chats, chat)
	}
	sortChats(chats)

	sess.chats = chats
	sess.log.Info("Loaded %d chats (%d listed)", len(chats), len(summaries))
	r.publishChats(sess)
}

// updateChatPreview records the latest text of a conversation, creating the
// chat on first contact.
func (r *Registry) updateChatPreview(sess *session, peerID, text string, timestamp int64) {
	preview, ts := text, timestamp

	found := false
	for i := range sess.chats {
		if sess.chats[i].ID == peerID {
			sess.chats[i].LastMessage = &preview
			sess.chats[i].Timestamp = &ts
			found = true
			break
		}
	}
	if !found {
		name, _, _ := strings.Cut(peerID, "@")
		sess.chats = append(sess.chats, Chat{
			ID:          peerID,
			SessionID:   sess.id,
			Name:        &name,
			LastMessage: &preview,
			Timestamp:   &ts,
		})
		sess.log.Debug("New chat %s", peerID)
	}

	sortChats(sess.chats)
	r.publishChats(sess)
}
