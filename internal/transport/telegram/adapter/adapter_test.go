package adapter

import (
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

func TestConvertMessage(t *testing.T) {
	text := "héllo @ann see https://x.io 👍 @bob"
	m := &tele.Message{
		ID:       55,
		ThreadID: 9,
		Unixtime: 1700000000,
		LastEdit: 1700000100,
		Chat:     &tele.Chat{ID: -1001, Title: "Team", Type: tele.ChatSuperGroup},
		Sender:   &tele.User{ID: 42, Username: "ann", FirstName: "Ann", LastName: "Lee"},
		ReplyTo:  &tele.Message{ID: 50},
		Text:     text,
		Entities: tele.Entities{
			{Type: tele.EntityMention, Offset: 6, Length: 4},
			{Type: tele.EntityURL, Offset: 15, Length: 12},
			// 👍 is two UTF-16 units, so @bob starts at 31.
			{Type: tele.EntityMention, Offset: 31, Length: 4},
			{Type: tele.EntityTextLink, Offset: 0, Length: 5, URL: "https://y.io"},
		},
	}
	got := convertMessage(m)

	if got.ChatID != -1001 || got.ThreadID != 9 || !got.IsGroup || got.ChatTitle != "Team" {
		t.Fatalf("chat fields: %+v", got)
	}
	if got.FromID != 42 || got.FromName != "Ann Lee" || got.FromUsername != "ann" || got.FromBot {
		t.Fatalf("sender fields: %+v", got)
	}
	if got.ReplyTo != 50 {
		t.Fatalf("reply = %d", got.ReplyTo)
	}
	if !got.Date.Equal(time.Unix(1700000000, 0)) || !got.EditedAt.Equal(time.Unix(1700000100, 0)) {
		t.Fatalf("times: %v %v", got.Date, got.EditedAt)
	}
	if strings.Join(got.Mentions, ",") != "@ann,@bob" {
		t.Fatalf("mentions = %q", got.Mentions)
	}
	if strings.Join(got.Links, ",") != "https://x.io,https://y.io" {
		t.Fatalf("links = %q", got.Links)
	}
}

func TestConvertMessageTopicReplyAndCaption(t *testing.T) {
	m := &tele.Message{
		ID:       70,
		ThreadID: 9,
		Chat:     &tele.Chat{ID: -1001, Type: tele.ChatSuperGroup},
		ReplyTo:  &tele.Message{ID: 9},
		Caption:  "report attached",
		Document: &tele.Document{FileName: "q3.pdf"},
	}
	got := convertMessage(m)
	if got.ReplyTo != 0 {
		t.Fatalf("topic root is not a reply, got %d", got.ReplyTo)
	}
	if got.Text != "report attached" || len(got.Attachments) != 1 || got.Attachments[0] != "q3.pdf" {
		t.Fatalf("got %+v", got)
	}
	if got.FromID != 0 {
		t.Fatalf("no sender expected, got %d", got.FromID)
	}
}

func TestConvertTopic(t *testing.T) {
	m := &tele.Message{ThreadID: 12, Chat: &tele.Chat{ID: -1}, TopicCreated: &tele.Topic{Name: " Releases "}}
	got, ok := convertTopic(m)
	if !ok || got.TopicName != "Releases" || got.ThreadID != 12 {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
	if _, ok := convertTopic(&tele.Message{Chat: &tele.Chat{ID: -1}, TopicEdited: &tele.Topic{Name: ""}}); ok {
		t.Fatal("empty rename should be ignored")
	}
}

func TestSplitTelegramText(t *testing.T) {
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("line\n", 10)
	parts := splitTelegramText(long, 12, "")
	for _, p := range parts {
		if len([]rune(p)) > 12 {
			t.Fatalf("chunk too long: %q", p)
		}
		if strings.HasPrefix(p, "\n") || strings.HasSuffix(p, "\n") {
			t.Fatalf("chunk keeps newline: %q", p)
		}
	}
	if strings.ReplaceAll(strings.Join(parts, ""), "\n", "") != strings.Repeat("line", 10) {
		t.Fatalf("content lost: %q", parts)
	}

	html := "aaaaaaa <b>bold</b>"
	parts = splitTelegramText(html, 10, "HTML")
	if parts[0] != "aaaaaaa " {
		t.Fatalf("tag split: %q", parts)
	}
}

func TestEntityTextBounds(t *testing.T) {
	if got := entityText("abc", 5, 1); got != "" {
		t.Fatalf("got %q", got)
	}
	if got := entityText("abc", 1, 10); got != "bc" {
		t.Fatalf("got %q", got)
	}
}
