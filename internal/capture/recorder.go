// Package capture records group chat traffic into the message archive so
// digests and exports have content to work on.
package capture

import (
	"context"
	"sync"

	"chatdigest/internal/digest"
	"chatdigest/internal/transport"
	"chatdigest/pkg/logx"
)

// GeneralTopic names thread 0: the general topic of a forum, or the whole
// chat when topics are off.
const GeneralTopic = "general"

type Archive interface {
	TouchChannel(ctx context.Context, owner, channelID int64, name string) error
	Record(ctx context.Context, owner int64, it digest.Item) error
}

type Recorder struct {
	arc Archive
	log logx.Logger

	mu    sync.Mutex
	known map[[2]int64]bool
}

func New(arc Archive, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{arc: arc, log: log.With(logx.String("comp", "capture")), known: map[[2]int64]bool{}}
}

// Handle stores one update. Private chats are ignored; errors are logged
// since a lost message must not stall the update stream.
func (r *Recorder) Handle(ctx context.Context, up transport.Update) {
	m := up.Message
	if m == nil || !m.IsGroup {
		return
	}
	thread := int64(m.ThreadID)

	if up.Kind == transport.UpdateTopic {
		if err := r.arc.TouchChannel(ctx, m.ChatID, thread, m.TopicName); err != nil {
			r.log.Warn("topic rename not stored", logx.Int64("chat_id", m.ChatID), logx.Int64("thread", thread), logx.Err(err))
			return
		}
		r.remember(m.ChatID, thread)
		return
	}

	if !r.seen(m.ChatID, thread) {
		name := ""
		if thread == 0 {
			name = GeneralTopic
		}
		if err := r.arc.TouchChannel(ctx, m.ChatID, thread, name); err != nil {
			r.log.Warn("channel not stored", logx.Int64("chat_id", m.ChatID), logx.Int64("thread", thread), logx.Err(err))
			return
		}
		r.remember(m.ChatID, thread)
	}

	if err := r.arc.Record(ctx, m.ChatID, ItemFromMessage(m)); err != nil {
		r.log.Warn("message not stored", logx.Int64("chat_id", m.ChatID), logx.Int("msg_id", m.ID), logx.Err(err))
	}
}

func (r *Recorder) seen(chat, thread int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[[2]int64{chat, thread}]
}

func (r *Recorder) remember(chat, thread int64) {
	r.mu.Lock()
	r.known[[2]int64{chat, thread}] = true
	r.mu.Unlock()
}

// ItemFromMessage maps a chat message to an archive item. Links become
// embeds since Telegram has no richer preview data in updates.
func ItemFromMessage(m *transport.Message) digest.Item {
	author := m.FromUsername
	if author == "" {
		author = m.FromName
	}
	it := digest.Item{
		ID:          int64(m.ID),
		ResourceID:  int64(m.ThreadID),
		Timestamp:   m.Date,
		AuthorID:    m.FromID,
		AuthorName:  author,
		DisplayName: m.FromName,
		AuthorIsBot: m.FromBot,
		Text:        m.Text,
		ReplyTo:     int64(m.ReplyTo),
		EditedAt:    m.EditedAt,
		Mentions:    append([]string(nil), m.Mentions...),
		Attachments: append([]string(nil), m.Attachments...),
	}
	for _, l := range m.Links {
		it.Embeds = append(it.Embeds, digest.Embed{URL: l})
	}
	return it
}
