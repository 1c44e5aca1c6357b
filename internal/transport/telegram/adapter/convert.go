package adapter

import (
	"strings"
	"time"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"

	"chatdigest/internal/transport"
)

func convertMessage(m *tele.Message) transport.Message {
	out := transport.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ChatTitle: m.Chat.Title,
		IsGroup:   m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		ThreadID:  m.ThreadID,
		Date:      time.Unix(m.Unixtime, 0).UTC(),
	}
	if m.LastEdit > 0 {
		out.EditedAt = time.Unix(m.LastEdit, 0).UTC()
	}
	if u := m.Sender; u != nil {
		out.FromID = u.ID
		out.FromUsername = u.Username
		out.FromName = strings.TrimSpace(u.FirstName + " " + u.LastName)
		out.FromBot = u.IsBot
	}
	// Inside a forum topic every message implicitly replies to the topic's
	// service message; that is not a real reply.
	if r := m.ReplyTo; r != nil && r.ID != m.ThreadID {
		out.ReplyTo = r.ID
	}

	text, entities := m.Text, m.Entities
	if text == "" {
		text, entities = m.Caption, m.CaptionEntities
	}
	out.Text = text
	for _, e := range entities {
		switch e.Type {
		case tele.EntityMention:
			out.Mentions = append(out.Mentions, entityText(text, e.Offset, e.Length))
		case tele.EntityTMention:
			if e.User != nil {
				out.Mentions = append(out.Mentions, strings.TrimSpace(e.User.FirstName+" "+e.User.LastName))
			}
		case tele.EntityURL:
			out.Links = append(out.Links, entityText(text, e.Offset, e.Length))
		case tele.EntityTextLink:
			out.Links = append(out.Links, e.URL)
		}
	}
	out.Attachments = attachments(m)
	return out
}

func attachments(m *tele.Message) []string {
	var out []string
	switch {
	case m.Photo != nil:
		out = append(out, "photo")
	case m.Document != nil:
		name := m.Document.FileName
		if name == "" {
			name = "document"
		}
		out = append(out, name)
	case m.Video != nil:
		out = append(out, "video")
	case m.Animation != nil:
		out = append(out, "animation")
	case m.Audio != nil:
		out = append(out, "audio")
	case m.Voice != nil:
		out = append(out, "voice")
	case m.VideoNote != nil:
		out = append(out, "video_note")
	case m.Sticker != nil:
		out = append(out, "sticker "+m.Sticker.Emoji)
	}
	return out
}

// convertTopic extracts a topic name from a forum service message.
func convertTopic(m *tele.Message) (transport.Message, bool) {
	var name string
	switch {
	case m.TopicCreated != nil:
		name = m.TopicCreated.Name
	case m.TopicEdited != nil:
		name = m.TopicEdited.Name
	}
	name = strings.TrimSpace(name)
	if name == "" || m.ThreadID == 0 {
		return transport.Message{}, false
	}
	return transport.Message{ChatID: m.Chat.ID, ChatTitle: m.Chat.Title, IsGroup: true, ThreadID: m.ThreadID, TopicName: name}, true
}

// entityText slices text by a Telegram entity range, which is measured in
// UTF-16 code units.
func entityText(text string, offset, length int) string {
	u := utf16.Encode([]rune(text))
	if offset < 0 || length <= 0 || offset >= len(u) {
		return ""
	}
	end := min(offset+length, len(u))
	return string(utf16.Decode(u[offset:end]))
}
