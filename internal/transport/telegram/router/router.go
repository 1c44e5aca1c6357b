// Package router dispatches Telegram slash commands through a command tree
// to a bounded worker pool, and hands every other update to a passive
// consumer (message capture).
package router

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatdigest/internal/runtime/supervisor"
	"chatdigest/internal/transport"
	"chatdigest/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "digest schedule add".
	Route       string
	Aliases     []string // root-level shortcuts, e.g. "dg"
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Path    []string
	Command string

	Args      []string // positional args after the route
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool

	ReqID  string
	Logger logx.Logger

	adapter transport.Adapter
}

// ReplyHTML answers in the chat and topic the command came from.
func (r *Request) ReplyHTML(ctx context.Context, html string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, html, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (r *Request) ReplyText(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// PassiveFunc consumes non-command updates in arrival order.
type PassiveFunc func(ctx context.Context, up transport.Update)

type Option func(*Router)

func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

func WithPassive(fn PassiveFunc) Option { return func(r *Router) { r.passive = fn } }

type Router struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	menu   []transport.BotCommand
	owners []int64

	log     logx.Logger
	adapter transport.Adapter
	passive PassiveFunc
	workers int

	jobs     chan func(ctx context.Context)
	captured chan transport.Update
	dropped  atomic.Uint64
}

func New(log logx.Logger, adapter transport.Adapter, owners []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		root:     newRoot(),
		alias:    map[string]*cmdNode{},
		owners:   append([]int64(nil), owners...),
		log:      log.With(logx.String("comp", "router")),
		adapter:  adapter,
		workers:  2,
		jobs:     make(chan func(ctx context.Context), 64),
		captured: make(chan transport.Update, 1024),
	}
	for _, o := range opts {
		o(r)
	}
	r.workers = max(1, r.workers)
	return r
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry replaces the command set. A /help command is always added.
func (r *Router) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Description: "show commands",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	var leaves []Command
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		leaves = append(leaves, c)
		// Multi-token routes get a /a_b shortcut for Telegram autocomplete.
		if len(route) > 1 {
			if menu, ok := telegramCommandNameFromRoute(route); ok {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				alias[sa] = leaf
			}
		}
	}
	menu := buildTelegramMenuCommands(root, leaves)

	r.mu.Lock()
	r.root, r.alias, r.menu = root, alias, menu
	r.mu.Unlock()
}

// Menu returns the command menu derived from the registry.
func (r *Router) Menu() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]transport.BotCommand(nil), r.menu...)
}

// Run dispatches updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("router.worker."+strconv.Itoa(i), r.worker, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	if r.passive != nil {
		sup.GoRestart("router.capture", r.capture, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.dropped.Swap(0); n > 0 {
				r.log.Warn("captured updates dropped (queue full)", logx.Uint64("count", n))
			}
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.jobs:
			job(ctx)
		}
	}
}

func (r *Router) capture(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-r.captured:
			r.passive(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	if up.Message == nil {
		return
	}
	if up.Message.IsCommand() {
		if up.Kind == transport.UpdateMessage {
			r.routeCommand(ctx, up)
		}
		return
	}
	if r.passive == nil {
		return
	}
	select {
	case r.captured <- up:
	default:
		r.dropped.Add(1)
	}
}

func (r *Router) routeCommand(ctx context.Context, up transport.Update) {
	msg := up.Message
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	args := parts[1:]

	r.mu.RLock()
	root, alias := r.root, r.alias
	r.mu.RUnlock()

	var (
		node *cmdNode
		path []string
	)
	if leaf, ok := alias[word]; ok {
		node, path = leaf, splitRoute(leaf.cmd.Route)
	} else if top, ok := root.child(word); ok {
		var sub []string
		node, sub, args = top.walk(args)
		path = append([]string{top.name}, sub...)
	} else {
		// Unknown commands may belong to another bot in the group.
		return
	}

	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if node.cmd == nil {
		text := r.helpText(path)
		r.enqueue(chat, func(ctx context.Context) {
			_, _ = r.adapter.SendText(ctx, chat, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
		})
		return
	}

	cmd := *node.cmd
	if cmd.Access == AccessOwnerOnly && !r.IsOwner(msg.FromID) {
		r.enqueue(chat, func(ctx context.Context) {
			_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		})
		return
	}

	pos, flags, bools := parseFlags(args)
	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   args,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		adapter: r.adapter,
	}
	final := Chain(cmd.Handle, MWReplyError(), MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))
	r.enqueue(chat, func(ctx context.Context) { _ = final(ctx, req) })
}

func (r *Router) enqueue(chat transport.ChatTarget, job func(ctx context.Context)) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("command queue full", logx.Int64("chat_id", chat.ChatID))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
		}()
	}
}
