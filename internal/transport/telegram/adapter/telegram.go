// Package adapter implements transport.Adapter over the Telegram Bot API
// using telebot.
package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatdigest/internal/runtime/supervisor"
	"chatdigest/internal/transport"
	"chatdigest/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	// droppedUpdates counts updates the consumer was too slow for. It is
	// reported periodically instead of per update.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's supervisor, nil when not started.
func (a *Adapter) Supervisor() *supervisor.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	forward := func(kind transport.UpdateKind) tele.HandlerFunc {
		return func(c tele.Context) error {
			if m := c.Message(); m != nil && m.Chat != nil {
				msg := convertMessage(m)
				a.sendUpdate(transport.Update{Kind: kind, Message: &msg})
			}
			return nil
		}
	}
	a.bot.Handle(tele.OnText, forward(transport.UpdateMessage))
	a.bot.Handle(tele.OnMedia, forward(transport.UpdateMessage))
	a.bot.Handle(tele.OnEdited, forward(transport.UpdateEdited))

	topic := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		if msg, ok := convertTopic(m); ok {
			a.sendUpdate(transport.Update{Kind: transport.UpdateTopic, Message: &msg})
		}
		return nil
	}
	a.bot.Handle(tele.OnTopicCreated, topic)
	a.bot.Handle(tele.OnTopicEdited, topic)
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go("updates.drop_report", func(c context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})

	// telebot's Start blocks until Stop; stop it when the context ends.
	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop cancels polling and waits a short grace period. A long poll still
// in flight is not waited for past that.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, path, filename, caption string) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	doc := &tele.Document{File: tele.FromDisk(path), FileName: filename, Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, doc, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// UpdateMenuCommands publishes the command menu. It only calls Telegram
// when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
