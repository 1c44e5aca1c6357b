package commands

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"chatdigest/internal/digest"
	"chatdigest/internal/transport/telegram/router"
	"chatdigest/pkg/logx"
	"chatdigest/pkg/tgui"
)

// handleExclusion adds (exclude) or removes (include) a rule. Rules only
// take topic and category targets; "all" would make every job a no-op.
func (d *Digest) handleExclusion(exclude bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		owner := ownerOf(req)
		if len(req.Args) < 2 {
			return digest.Invalidf("usage: /digest %s <digest|export> <here|category <name>|channel:<id>>", verbFor(exclude))
		}
		kind, sc, err := parseKindScope(req)
		if err != nil {
			return err
		}
		if sc.IsAll() {
			return digest.Invalidf("cannot %s everything; use /digest config disable", verbFor(exclude))
		}
		var h hierarchy
		if exclude {
			// Removing a stale rule must work even when its target is gone.
			if h, err = d.checkScope(ctx, owner, sc); err != nil {
				return err
			}
		} else if h, err = d.loadHierarchy(ctx, owner); err != nil {
			return err
		}

		changed := false
		err = d.store.UpdateOwner(ctx, owner, func(st *digest.OwnerState) error {
			rs := st.Rules[kind]
			switch {
			case sc.Type == digest.ScopeResource && exclude:
				changed = rs.AddResource(sc.ResourceID)
			case sc.Type == digest.ScopeResource:
				changed = rs.RemoveResource(sc.ResourceID)
			case exclude:
				changed = rs.AddGrouping(sc.Grouping)
			default:
				changed = rs.RemoveGrouping(sc.Grouping)
			}
			st.Rules[kind] = rs
			return nil
		})
		if err != nil {
			return err
		}

		what := h.describe(sc)
		switch {
		case !changed && exclude:
			return req.ReplyText(ctx, fmt.Sprintf("%s is already excluded from %ss.", what, kind))
		case !changed:
			return req.ReplyText(ctx, fmt.Sprintf("%s was not excluded from %ss.", what, kind))
		case exclude:
			return req.ReplyText(ctx, fmt.Sprintf("🚫 %s excluded from %ss.", what, kind))
		default:
			return req.ReplyText(ctx, fmt.Sprintf("✅ %s included in %ss again.", what, kind))
		}
	}
}

func verbFor(exclude bool) string {
	if exclude {
		return "exclude"
	}
	return "include"
}

func (d *Digest) handleCategorySet(ctx context.Context, req *router.Request) error {
	name := strings.TrimSpace(strings.Join(req.Args, " "))
	if name == "" {
		return digest.Invalidf("category name required")
	}
	if err := d.arc.SetCategory(ctx, ownerOf(req), threadOf(req), name); err != nil {
		return err
	}
	return req.ReplyHTML(ctx, "📁 This topic is now in "+tgui.B(name).String())
}

func (d *Digest) handleCategoryClear(ctx context.Context, req *router.Request) error {
	if err := d.arc.SetCategory(ctx, ownerOf(req), threadOf(req), ""); err != nil {
		return err
	}
	return req.ReplyText(ctx, "📂 This topic is no longer in a category.")
}

func (d *Digest) handleCategoryList(ctx context.Context, req *router.Request) error {
	h, err := d.loadHierarchy(ctx, ownerOf(req))
	if err != nil {
		return err
	}
	if len(h.resources) == 0 {
		return req.ReplyText(ctx, "No topics seen yet.")
	}
	byGroup := map[string][]digest.Resource{}
	for _, r := range h.resources {
		g := r.GroupingName()
		byGroup[g] = append(byGroup[g], r)
	}
	names := make([]string, 0, len(byGroup))
	for g := range byGroup {
		if g != digest.UngroupedName {
			names = append(names, g)
		}
	}
	sort.Strings(names)
	if _, ok := byGroup[digest.UngroupedName]; ok {
		names = append(names, digest.UngroupedName)
	}

	var lines []tgui.H
	for _, g := range names {
		lines = append(lines, tgui.B("📁 "+g))
		for _, r := range byGroup[g] {
			lines = append(lines, tgui.H("  #")+tgui.Esc(r.Name)+tgui.H(" ")+tgui.Code("channel:"+strconv.FormatInt(r.ID, 10)))
		}
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...).String())
}

func (d *Digest) handleConfigShow(ctx context.Context, req *router.Request) error {
	owner := ownerOf(req)
	st, err := d.store.LoadOwner(ctx, owner)
	if err != nil {
		return err
	}
	h, err := d.loadHierarchy(ctx, owner)
	if err != nil {
		return err
	}
	s := st.Settings
	orDefault := func(v string) string {
		if v == "" {
			return "default"
		}
		return v
	}
	key := "not set"
	if s.APIKey != "" {
		key = "set"
	}
	channel := "topic of each job"
	if s.SummaryChannel != nil {
		channel = h.describe(digest.ResourceScope(*s.SummaryChannel))
	}

	lines := []tgui.H{
		tgui.B("Digest settings"),
		tgui.Esc("Enabled: " + onOff(s.Enabled)),
		tgui.Esc("Model: ") + tgui.Code(orDefault(s.Model)),
		tgui.Esc("API base: ") + tgui.Code(orDefault(s.APIBase)),
		tgui.Esc("API key: " + key),
		tgui.Esc(fmt.Sprintf("Max messages per topic: %d", s.MaxItems)),
		tgui.Esc("Summary channel: " + channel),
		tgui.Esc("Include bots: " + onOff(s.IncludeBots)),
	}
	for _, kind := range []digest.Kind{digest.KindDigest, digest.KindExport} {
		rs := st.Rules[kind]
		var ex []string
		for _, id := range rs.ResourceIDs {
			ex = append(ex, h.describe(digest.ResourceScope(id)))
		}
		for _, g := range rs.GroupingNames {
			ex = append(ex, "category "+g)
		}
		if len(ex) == 0 {
			ex = []string{"none"}
		}
		lines = append(lines, tgui.Esc(fmt.Sprintf("Excluded from %ss: %s", kind, strings.Join(ex, ", "))))
	}
	return req.ReplyHTML(ctx, tgui.Lines(lines...).String())
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// updateSettings applies fn to the owner's settings and logs the change.
func (d *Digest) updateSettings(ctx context.Context, req *router.Request, field string, fn func(s *digest.Settings) error) error {
	err := d.store.UpdateOwner(ctx, ownerOf(req), func(st *digest.OwnerState) error {
		return fn(&st.Settings)
	})
	if err != nil {
		return err
	}
	d.log.Info("settings updated", logx.Int64("owner", ownerOf(req)), logx.String("field", field), logx.Int64("by", req.FromID))
	return nil
}

func (d *Digest) handleConfigEnabled(enabled bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		err := d.updateSettings(ctx, req, "enabled", func(s *digest.Settings) error {
			s.Enabled = enabled
			return nil
		})
		if err != nil {
			return err
		}
		if enabled {
			return req.ReplyText(ctx, "✅ Digests enabled.")
		}
		return req.ReplyText(ctx, "⏸ Digests disabled. Scheduled jobs stay registered but do nothing.")
	}
}

// singleArg returns the only argument, or "" when it is "default".
func singleArg(req *router.Request, what string) (string, error) {
	if len(req.Args) != 1 || strings.TrimSpace(req.Args[0]) == "" {
		return "", digest.Invalidf("%s required", what)
	}
	v := strings.TrimSpace(req.Args[0])
	if strings.EqualFold(v, "default") {
		return "", nil
	}
	return v, nil
}

func (d *Digest) handleConfigModel(ctx context.Context, req *router.Request) error {
	model, err := singleArg(req, "model name")
	if err != nil {
		return err
	}
	if err := d.updateSettings(ctx, req, "model", func(s *digest.Settings) error {
		s.Model = model
		return nil
	}); err != nil {
		return err
	}
	if model == "" {
		return req.ReplyText(ctx, "Model reset to the default.")
	}
	return req.ReplyHTML(ctx, "Model set to "+tgui.Code(model).String())
}

func (d *Digest) handleConfigAPIBase(ctx context.Context, req *router.Request) error {
	base, err := singleArg(req, "API base URL")
	if err != nil {
		return err
	}
	if base != "" {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return digest.Invalidf("API base must be an http(s) URL")
		}
		base = strings.TrimRight(base, "/")
	}
	if err := d.updateSettings(ctx, req, "api_base", func(s *digest.Settings) error {
		s.APIBase = base
		return nil
	}); err != nil {
		return err
	}
	if base == "" {
		return req.ReplyText(ctx, "API base reset to the default.")
	}
	return req.ReplyHTML(ctx, "API base set to "+tgui.Code(base).String())
}

// handleConfigAPIKey never echoes the key back.
func (d *Digest) handleConfigAPIKey(ctx context.Context, req *router.Request) error {
	key, err := singleArg(req, "API key")
	if err != nil {
		return err
	}
	if err := d.updateSettings(ctx, req, "api_key", func(s *digest.Settings) error {
		s.APIKey = key
		return nil
	}); err != nil {
		return err
	}
	if key == "" {
		return req.ReplyText(ctx, "API key cleared; the configured default is used.")
	}
	return req.ReplyText(ctx, "🔑 API key saved. Delete the message that contains it.")
}

func (d *Digest) handleConfigMaxItems(ctx context.Context, req *router.Request) error {
	raw, err := singleArg(req, "number")
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < digest.MinMaxItems || n > digest.MaxMaxItems {
		return digest.Invalidf("max messages must be between %d and %d", digest.MinMaxItems, digest.MaxMaxItems)
	}
	if err := d.updateSettings(ctx, req, "max_items", func(s *digest.Settings) error {
		s.MaxItems = n
		return nil
	}); err != nil {
		return err
	}
	return req.ReplyText(ctx, fmt.Sprintf("Max messages per topic set to %d.", n))
}

func (d *Digest) handleConfigSummaryChannel(ctx context.Context, req *router.Request) error {
	owner := ownerOf(req)
	if len(req.Args) != 1 {
		return digest.Invalidf("usage: /digest config summarychannel <here|off|channel:<id>>")
	}
	var target *int64
	switch strings.ToLower(req.Args[0]) {
	case "off", "none", "default":
	default:
		sc, _, err := parseScopeArgs(req, req.Args)
		if err != nil {
			return err
		}
		if sc.Type != digest.ScopeResource {
			return digest.Invalidf("summary channel must be a single topic")
		}
		if _, err := d.checkScope(ctx, owner, sc); err != nil {
			return err
		}
		id := sc.ResourceID
		target = &id
	}
	if err := d.updateSettings(ctx, req, "summary_channel", func(s *digest.Settings) error {
		s.SummaryChannel = target
		return nil
	}); err != nil {
		return err
	}
	if target == nil {
		return req.ReplyText(ctx, "Digests are delivered to the topic of each job.")
	}
	return req.ReplyText(ctx, "📬 All digests will be delivered to this summary channel.")
}

func (d *Digest) handleConfigIncludeBots(ctx context.Context, req *router.Request) error {
	raw, err := singleArg(req, "on or off")
	if err != nil {
		return err
	}
	on, err := parseOnOff(raw)
	if err != nil {
		return err
	}
	if err := d.updateSettings(ctx, req, "include_bots", func(s *digest.Settings) error {
		s.IncludeBots = on
		return nil
	}); err != nil {
		return err
	}
	return req.ReplyText(ctx, "Bot messages: "+onOff(on)+".")
}
