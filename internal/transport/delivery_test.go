package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

var (
	_ digest.Sink = (*Delivery)(nil)
	_ logx.Sender = (*Delivery)(nil)
)

type sent struct {
	to       ChatTarget
	text     string
	mode     string
	path     string
	filename string
}

type fakeAdapter struct {
	out []sent
	err error
}

func (f *fakeAdapter) Start(context.Context, chan<- Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                 { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	f.out = append(f.out, sent{to: to, text: text, mode: opt.ParseMode})
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.out)}, f.err
}

func (f *fakeAdapter) SendDocument(_ context.Context, to ChatTarget, path, filename, _ string) (MessageRef, error) {
	f.out = append(f.out, sent{to: to, path: path, filename: filename})
	return MessageRef{}, f.err
}

func TestDeliveryRoutesToThread(t *testing.T) {
	fa := &fakeAdapter{}
	d := NewDelivery(fa)
	ctx := context.Background()

	if err := d.SendText(ctx, -100, 7, "<b>hi</b>"); err != nil {
		t.Fatal(err)
	}
	if err := d.SendDocument(ctx, -100, 0, "/tmp/x.pdf", "x.pdf"); err != nil {
		t.Fatal(err)
	}
	if err := d.SendLog(ctx, -200, 3, "[WARN] x"); err != nil {
		t.Fatal(err)
	}

	if len(fa.out) != 3 {
		t.Fatalf("sent %d", len(fa.out))
	}
	if fa.out[0].to != (ChatTarget{ChatID: -100, ThreadID: 7}) || fa.out[0].mode != "HTML" {
		t.Fatalf("text: %+v", fa.out[0])
	}
	if fa.out[1].to.ThreadID != 0 || fa.out[1].filename != "x.pdf" {
		t.Fatalf("doc: %+v", fa.out[1])
	}
	if fa.out[2].mode != "" || fa.out[2].to.ChatID != -200 {
		t.Fatalf("log: %+v", fa.out[2])
	}
}

func TestDeliveryWrapsErrors(t *testing.T) {
	boom := errors.New("flood wait")
	d := NewDelivery(&fakeAdapter{err: boom})
	err := d.SendDocument(context.Background(), -100, 4, "/tmp/a.xlsx", "a.xlsx")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "a.xlsx to -100/4") {
		t.Fatalf("err = %v", err)
	}
}

func TestDeliveryMarksDeletedTopic(t *testing.T) {
	gone := errors.New("telegram: Bad Request: message thread not found (400)")
	d := NewDelivery(&fakeAdapter{err: gone})
	err := d.SendText(context.Background(), -100, 4, "hi")
	if !errors.Is(err, digest.ErrTargetGone) || !errors.Is(err, gone) {
		t.Fatalf("err = %v", err)
	}

	d = NewDelivery(&fakeAdapter{err: errors.New("flood wait")})
	if err := d.SendText(context.Background(), -100, 4, "hi"); errors.Is(err, digest.ErrTargetGone) {
		t.Fatalf("flood wait classified as gone: %v", err)
	}
}

func TestIsCommand(t *testing.T) {
	cases := map[string]bool{"/digest run": true, "/": false, "hello": false, "": false}
	for text, want := range cases {
		if got := (&Message{Text: text}).IsCommand(); got != want {
			t.Errorf("%q: got %v", text, got)
		}
	}
	var m *Message
	if m.IsCommand() {
		t.Fatal("nil message is not a command")
	}
}
