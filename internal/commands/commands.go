// Package commands implements the owner-only /digest command set on top of
// the router. The owner is the chat a command is sent in; the current topic
// is the default target of every scoped subcommand.
package commands

import (
	"context"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/internal/task/scheduler"
	"chatdigest/internal/transport/telegram/router"
	"chatdigest/pkg/logx"
)

// Registry is the subset of the scheduler registry the commands drive.
type Registry interface {
	Register(ctx context.Context, job digest.Job) (digest.Job, error)
	Unregister(ctx context.Context, key digest.JobKey) (bool, error)
	SetEnabled(ctx context.Context, key digest.JobKey, enabled bool) (digest.Job, error)
	RunNow(ctx context.Context, key digest.JobKey) error
	List(ctx context.Context, owner int64) ([]digest.Job, error)
	Handles() []scheduler.HandleInfo
}

type Store interface {
	LoadOwner(ctx context.Context, owner int64) (digest.OwnerState, error)
	UpdateOwner(ctx context.Context, owner int64, fn func(st *digest.OwnerState) error) error
}

// Archive exposes the discovered topics and their categories.
type Archive interface {
	ListResources(ctx context.Context, owner int64) ([]digest.Resource, error)
	ListGroupings(ctx context.Context, owner int64) ([]digest.Grouping, error)
	SetCategory(ctx context.Context, owner, channelID int64, category string) error
}

type Runner interface {
	Run(ctx context.Context, job digest.Job) (digest.RunSummary, error)
}

type Deps struct {
	Registry Registry
	Store    Store
	Archive  Archive
	Runner   Runner
	Log      logx.Logger

	// RunTimeout bounds ad-hoc runs and manual job triggers.
	RunTimeout time.Duration
	// Location formats timestamps in replies; nil means local time.
	Location *time.Location
}

const defaultRunTimeout = 30 * time.Minute

type Digest struct {
	reg   Registry
	store Store
	arc   Archive
	run   Runner
	log   logx.Logger

	runTimeout time.Duration
	loc        *time.Location
}

func New(d Deps) *Digest {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.RunTimeout <= 0 {
		d.RunTimeout = defaultRunTimeout
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	return &Digest{
		reg:        d.Registry,
		store:      d.Store,
		arc:        d.Archive,
		run:        d.Runner,
		log:        d.Log.With(logx.String("comp", "commands")),
		runTimeout: d.RunTimeout,
		loc:        d.Location,
	}
}

const scopeUsage = "[here|all|ungrouped|category <name>|channel:<id>]"

// Commands returns the /digest command tree.
func (d *Digest) Commands() []router.Command {
	owner := router.AccessOwnerOnly
	short := 15 * time.Second
	return []router.Command{
		{Route: "digest run", Aliases: []string{"summary"}, Access: owner, Timeout: d.runTimeout,
			Description: "summarize topics now",
			Usage:       "/digest run " + scopeUsage + " [--format=text|pdf|both] [--max=N]",
			Handle:      d.handleRun(digest.KindDigest)},
		{Route: "digest export", Aliases: []string{"export"}, Access: owner, Timeout: d.runTimeout,
			Description: "export topics to a workbook now",
			Usage:       "/digest export " + scopeUsage + " [--single] [--max=N]",
			Handle:      d.handleRun(digest.KindExport)},

		{Route: "digest schedule add", Access: owner, Timeout: d.runTimeout,
			Description: "create or replace a recurring job",
			Usage:       "/digest schedule add <digest|export> " + scopeUsage + " <every> [now] [--single] [--format=..] [--max=N] [--name=..]",
			Handle:      d.handleScheduleAdd},
		{Route: "digest schedule remove", Aliases: []string{"unschedule"}, Access: owner, Timeout: short,
			Description: "delete a recurring job",
			Usage:       "/digest schedule remove <digest|export> " + scopeUsage,
			Handle:      d.handleScheduleRemove},
		{Route: "digest schedule list", Aliases: []string{"jobs"}, Access: owner, Timeout: short,
			Description: "list recurring jobs",
			Usage:       "/digest schedule list",
			Handle:      d.handleScheduleList},
		{Route: "digest schedule run", Access: owner, Timeout: d.runTimeout,
			Description: "run a recurring job now",
			Usage:       "/digest schedule run <digest|export> " + scopeUsage,
			Handle:      d.handleScheduleRun},
		{Route: "digest schedule enable", Access: owner, Timeout: short,
			Description: "resume a recurring job",
			Usage:       "/digest schedule enable <digest|export> " + scopeUsage,
			Handle:      d.handleScheduleEnabled(true)},
		{Route: "digest schedule disable", Access: owner, Timeout: short,
			Description: "pause a recurring job",
			Usage:       "/digest schedule disable <digest|export> " + scopeUsage,
			Handle:      d.handleScheduleEnabled(false)},

		{Route: "digest exclude", Access: owner, Timeout: short,
			Description: "skip a topic or category",
			Usage:       "/digest exclude <digest|export> <here|category <name>|channel:<id>>",
			Handle:      d.handleExclusion(true)},
		{Route: "digest include", Access: owner, Timeout: short,
			Description: "undo an exclusion",
			Usage:       "/digest include <digest|export> <here|category <name>|channel:<id>>",
			Handle:      d.handleExclusion(false)},

		{Route: "digest category set", Access: owner, Timeout: short,
			Description: "put this topic in a category",
			Usage:       "/digest category set <name>",
			Handle:      d.handleCategorySet},
		{Route: "digest category clear", Access: owner, Timeout: short,
			Description: "remove this topic from its category",
			Usage:       "/digest category clear",
			Handle:      d.handleCategoryClear},
		{Route: "digest category list", Aliases: []string{"topics"}, Access: owner, Timeout: short,
			Description: "list known topics by category",
			Usage:       "/digest category list",
			Handle:      d.handleCategoryList},

		{Route: "digest config show", Access: owner, Timeout: short,
			Description: "show settings",
			Usage:       "/digest config show",
			Handle:      d.handleConfigShow},
		{Route: "digest config enable", Access: owner, Timeout: short,
			Description: "turn digests on",
			Usage:       "/digest config enable",
			Handle:      d.handleConfigEnabled(true)},
		{Route: "digest config disable", Access: owner, Timeout: short,
			Description: "turn digests off",
			Usage:       "/digest config disable",
			Handle:      d.handleConfigEnabled(false)},
		{Route: "digest config model", Access: owner, Timeout: short,
			Description: "set the summarizer model",
			Usage:       "/digest config model <name|default>",
			Handle:      d.handleConfigModel},
		{Route: "digest config apibase", Access: owner, Timeout: short,
			Description: "set the summarizer API base URL",
			Usage:       "/digest config apibase <url|default>",
			Handle:      d.handleConfigAPIBase},
		{Route: "digest config apikey", Access: owner, Timeout: short,
			Description: "set the summarizer API key",
			Usage:       "/digest config apikey <key|default>",
			Handle:      d.handleConfigAPIKey},
		{Route: "digest config maxitems", Access: owner, Timeout: short,
			Description: "messages read per topic",
			Usage:       "/digest config maxitems <10..1000>",
			Handle:      d.handleConfigMaxItems},
		{Route: "digest config summarychannel", Access: owner, Timeout: short,
			Description: "send every digest to one topic",
			Usage:       "/digest config summarychannel <here|off|channel:<id>>",
			Handle:      d.handleConfigSummaryChannel},
		{Route: "digest config includebots", Access: owner, Timeout: short,
			Description: "include bot messages",
			Usage:       "/digest config includebots <on|off>",
			Handle:      d.handleConfigIncludeBots},

		{Route: "digest status", Access: owner, Timeout: short,
			Description: "show live job handles",
			Usage:       "/digest status",
			Handle:      d.handleStatus},
	}
}

func ownerOf(req *router.Request) int64 { return req.Chat.ChatID }

func threadOf(req *router.Request) int64 { return int64(req.Chat.ThreadID) }
