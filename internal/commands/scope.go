package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"chatdigest/internal/digest"
	"chatdigest/internal/transport/telegram/router"
)

// parseScopeArgs reads a scope from the head of args and returns the rest.
// No arguments means the current topic.
func parseScopeArgs(req *router.Request, args []string) (digest.Scope, []string, error) {
	if len(args) == 0 {
		return digest.ResourceScope(threadOf(req)), nil, nil
	}
	switch strings.ToLower(args[0]) {
	case "here":
		return digest.ResourceScope(threadOf(req)), args[1:], nil
	case "all":
		return digest.AllScope(), args[1:], nil
	case "ungrouped":
		return digest.UngroupedScope(), args[1:], nil
	case "category":
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return digest.Scope{}, nil, digest.Invalidf("category needs a name")
		}
		return digest.GroupingScope(args[1]), args[2:], nil
	}
	sc, err := digest.ParseScope(args[0])
	if err != nil {
		return digest.Scope{}, nil, err
	}
	return sc, args[1:], nil
}

// parseKindScope reads "<digest|export> <scope>" and rejects leftovers.
func parseKindScope(req *router.Request) (digest.Kind, digest.Scope, error) {
	if len(req.Args) == 0 {
		return "", digest.Scope{}, digest.Invalidf("job kind required (digest or export)")
	}
	kind, err := digest.ParseKind(req.Args[0])
	if err != nil {
		return "", digest.Scope{}, err
	}
	sc, rest, err := parseScopeArgs(req, req.Args[1:])
	if err != nil {
		return "", digest.Scope{}, err
	}
	if len(rest) > 0 {
		return "", digest.Scope{}, digest.Invalidf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	return kind, sc, nil
}

type hierarchy struct {
	resources []digest.Resource
	groupings []digest.Grouping
}

func (d *Digest) loadHierarchy(ctx context.Context, owner int64) (hierarchy, error) {
	rs, err := d.arc.ListResources(ctx, owner)
	if err != nil {
		return hierarchy{}, fmt.Errorf("list topics: %w", err)
	}
	gs, err := d.arc.ListGroupings(ctx, owner)
	if err != nil {
		return hierarchy{}, fmt.Errorf("list categories: %w", err)
	}
	return hierarchy{resources: rs, groupings: gs}, nil
}

// checkScope rejects scopes naming an unknown topic or category.
func (d *Digest) checkScope(ctx context.Context, owner int64, sc digest.Scope) (hierarchy, error) {
	h, err := d.loadHierarchy(ctx, owner)
	if err != nil {
		return h, err
	}
	if err := digest.ValidateScope(sc, h.groupings, h.resources); err != nil {
		if sc.Type == digest.ScopeResource {
			return h, digest.Invalidf("no messages seen in topic %d yet", sc.ResourceID)
		}
		return h, err
	}
	return h, nil
}

func (h hierarchy) resource(id int64) (digest.Resource, bool) {
	for _, r := range h.resources {
		if r.ID == id {
			return r, true
		}
	}
	return digest.Resource{}, false
}

// describe renders a scope for replies, naming topics when known.
func (h hierarchy) describe(sc digest.Scope) string {
	switch sc.Type {
	case digest.ScopeResource:
		if r, ok := h.resource(sc.ResourceID); ok {
			return "#" + r.Name
		}
		return "topic " + strconv.FormatInt(sc.ResourceID, 10)
	case digest.ScopeGrouping:
		return "category " + sc.Grouping
	default:
		return "all topics"
	}
}

func parseMaxFlag(req *router.Request) (int, error) {
	raw, ok := req.Flags["max"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, digest.Invalidf("--max must be a non-negative integer")
	}
	return n, nil
}

func parseFormatFlag(req *router.Request) (digest.Format, error) {
	raw, ok := req.Flags["format"]
	if !ok {
		return "", nil
	}
	f := digest.Format(strings.ToLower(strings.TrimSpace(raw)))
	switch f {
	case digest.FormatText, digest.FormatPDF, digest.FormatBoth:
		return f, nil
	default:
		return "", digest.Invalidf("--format must be text, pdf or both")
	}
}

func parseOnOff(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "yes", "1", "enable":
		return true, nil
	case "off", "false", "no", "0", "disable":
		return false, nil
	default:
		return false, digest.Invalidf("expected on or off, got %q", raw)
	}
}
