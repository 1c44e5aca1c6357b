package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/internal/task/scheduler"
	"chatdigest/internal/transport/telegram/router"
	"chatdigest/pkg/logx"
	"chatdigest/pkg/tgui"
)

func (d *Digest) handleRun(kind digest.Kind) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		owner := ownerOf(req)
		sc, rest, err := parseScopeArgs(req, req.Args)
		if err != nil {
			return err
		}
		single := req.BoolFlags["single"]
		for _, a := range rest {
			if kind == digest.KindExport && strings.EqualFold(a, "single") {
				single = true
				continue
			}
			return digest.Invalidf("unexpected argument %q", a)
		}
		maxItems, err := parseMaxFlag(req)
		if err != nil {
			return err
		}
		format, err := parseFormatFlag(req)
		if err != nil {
			return err
		}
		h, err := d.checkScope(ctx, owner, sc)
		if err != nil {
			return err
		}

		job := digest.Job{
			OwnerID:    owner,
			Kind:       kind,
			Scope:      sc.Key(),
			Enabled:    true,
			MaxItems:   maxItems,
			SingleFile: single && kind == digest.KindExport,
			Format:     format,
			DeliverTo:  threadOf(req),
		}
		_ = req.ReplyHTML(ctx, "⏳ "+tgui.Esc(fmt.Sprintf("Working on %s...", h.describe(sc))).String())

		sum, err := d.run.Run(ctx, job)
		if err != nil {
			return err
		}
		req.Logger.Info("ad-hoc run done",
			logx.String("job", job.Key().String()),
			logx.String("run", sum.RunID),
			logx.Int("ok", sum.Succeeded),
			logx.Int("failed", sum.Failed),
		)
		return nil
	}
}

func (d *Digest) handleScheduleAdd(ctx context.Context, req *router.Request) error {
	owner := ownerOf(req)
	if len(req.Args) == 0 {
		return digest.Invalidf("job kind required (digest or export)")
	}
	kind, err := digest.ParseKind(req.Args[0])
	if err != nil {
		return err
	}
	sc, rest, err := parseScopeArgs(req, req.Args[1:])
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return digest.Invalidf("schedule required, e.g. 24 (hours), 6h or \"0 9 * * *\"")
	}
	parsed, err := scheduler.ParseSchedule(rest[0])
	if err != nil {
		return err
	}
	runNow, single := false, req.BoolFlags["single"]
	for _, a := range rest[1:] {
		switch strings.ToLower(a) {
		case "now":
			runNow = true
		case "single":
			if kind != digest.KindExport {
				return digest.Invalidf("single only applies to exports")
			}
			single = true
		default:
			return digest.Invalidf("unexpected argument %q", a)
		}
	}
	maxItems, err := parseMaxFlag(req)
	if err != nil {
		return err
	}
	format, err := parseFormatFlag(req)
	if err != nil {
		return err
	}
	h, err := d.checkScope(ctx, owner, sc)
	if err != nil {
		return err
	}

	job, err := d.reg.Register(ctx, digest.Job{
		OwnerID:     owner,
		Kind:        kind,
		Scope:       sc.Key(),
		Interval:    parsed.Interval,
		Cron:        parsed.Cron,
		Enabled:     true,
		MaxItems:    maxItems,
		SingleFile:  single && kind == digest.KindExport,
		Format:      format,
		DisplayName: strings.TrimSpace(req.Flags["name"]),
		DeliverTo:   threadOf(req),
	})
	if err != nil {
		return err
	}
	msg := tgui.Lines(
		tgui.H("✅ Scheduled "+string(kind)+" for ")+tgui.Esc(h.describe(sc)),
		"Every: "+tgui.Code(scheduleText(job)),
	)
	if err := req.ReplyHTML(ctx, msg.String()); err != nil {
		return err
	}
	if runNow {
		return d.reg.RunNow(ctx, job.Key())
	}
	return nil
}

func (d *Digest) handleScheduleRemove(ctx context.Context, req *router.Request) error {
	kind, sc, err := parseKindScope(req)
	if err != nil {
		return err
	}
	removed, err := d.reg.Unregister(ctx, digest.JobKey{OwnerID: ownerOf(req), Kind: kind, Scope: sc.Key()})
	if err != nil {
		return err
	}
	if !removed {
		return digest.Invalidf("no %s job for %s", kind, sc.Key())
	}
	return req.ReplyHTML(ctx, "🗑 Removed "+tgui.Code(string(kind)+" "+sc.Key()).String())
}

func (d *Digest) handleScheduleRun(ctx context.Context, req *router.Request) error {
	kind, sc, err := parseKindScope(req)
	if err != nil {
		return err
	}
	return d.reg.RunNow(ctx, digest.JobKey{OwnerID: ownerOf(req), Kind: kind, Scope: sc.Key()})
}

func (d *Digest) handleScheduleEnabled(enabled bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		kind, sc, err := parseKindScope(req)
		if err != nil {
			return err
		}
		job, err := d.reg.SetEnabled(ctx, digest.JobKey{OwnerID: ownerOf(req), Kind: kind, Scope: sc.Key()}, enabled)
		if err != nil {
			return err
		}
		verb := "⏸ Paused "
		if job.Enabled {
			verb = "▶️ Resumed "
		}
		return req.ReplyHTML(ctx, verb+tgui.Code(string(kind)+" "+sc.Key()).String())
	}
}

func (d *Digest) handleScheduleList(ctx context.Context, req *router.Request) error {
	owner := ownerOf(req)
	jobs, err := d.reg.List(ctx, owner)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return req.ReplyText(ctx, "No scheduled jobs. Add one with /digest schedule add.")
	}
	h, err := d.loadHierarchy(ctx, owner)
	if err != nil {
		return err
	}
	next := map[string]time.Time{}
	for _, hi := range d.reg.Handles() {
		if hi.Key.OwnerID == owner {
			next[hi.Key.ID()] = hi.Next
		}
	}

	lines := []tgui.H{tgui.B(fmt.Sprintf("Scheduled jobs (%d)", len(jobs)))}
	for _, j := range jobs {
		lines = append(lines, d.jobLine(j, h, next[j.Key().ID()]))
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...).String())
}

func (d *Digest) jobLine(j digest.Job, h hierarchy, next time.Time) tgui.H {
	icon := "🟢"
	if !j.Enabled {
		icon = "⏸"
	}
	target := j.Scope
	if sc, err := j.ParsedScope(); err == nil {
		target = h.describe(sc)
	}
	parts := []string{string(j.Kind) + " " + target, "every " + scheduleText(j)}
	if j.Format != "" {
		parts = append(parts, "format "+string(j.Format))
	}
	if j.SingleFile {
		parts = append(parts, "single file")
	}
	if j.MaxItems > 0 {
		parts = append(parts, fmt.Sprintf("max %d", j.MaxItems))
	}
	line := tgui.H(icon+" ") + tgui.Esc(strings.Join(parts, " · "))
	if j.DisplayName != "" {
		line += tgui.H(" ") + tgui.I(j.DisplayName)
	}
	if j.Enabled && !next.IsZero() {
		line += tgui.H("\n    next ") + tgui.Code(d.fmtTime(next))
	}
	return line
}

func (d *Digest) handleStatus(ctx context.Context, req *router.Request) error {
	owner := ownerOf(req)
	var mine []scheduler.HandleInfo
	for _, hi := range d.reg.Handles() {
		if hi.Key.OwnerID == owner {
			mine = append(mine, hi)
		}
	}
	if len(mine) == 0 {
		return req.ReplyText(ctx, "No active jobs.")
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("Active jobs (%d)", len(mine)))}
	for _, hi := range mine {
		state := "idle"
		if hi.Running {
			state = "running"
		}
		line := tgui.Code(hi.Key.ID()) + tgui.Esc(fmt.Sprintf(" %s · %s · runs %d", hi.Spec, state, hi.Runs))
		if !hi.Next.IsZero() {
			line += tgui.Esc(" · next ") + tgui.Code(d.fmtTime(hi.Next))
		}
		if !hi.LastRun.IsZero() {
			line += tgui.Esc(" · last ") + tgui.Code(d.fmtTime(hi.LastRun))
		}
		if hi.LastErr != "" {
			line += tgui.H("\n    ⚠️ ") + tgui.Esc(tgui.TruncRunes(hi.LastErr, 200))
		}
		lines = append(lines, line)
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...).String())
}

func (d *Digest) fmtTime(t time.Time) string {
	return t.In(d.loc).Format("2006-01-02 15:04 MST")
}

func scheduleText(j digest.Job) string {
	if j.Cron != "" {
		return "cron " + j.Cron
	}
	return shortDuration(j.Interval)
}

// shortDuration drops zero minute and second suffixes: 24h0m0s becomes 24h.
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
