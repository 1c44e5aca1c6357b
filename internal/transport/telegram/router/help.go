package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help for path in Telegram HTML.
func (r *Router) helpText(path []string) string {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}
	cur, full, rest := root.walk(path)
	if len(rest) > 0 || cur == root {
		return "❓ <b>Unknown command</b>\nTry <code>/help</code>."
	}
	return helpNode(cur, full)
}

func helpTop(root *cmdNode) string {
	lines := []string{"📚 <b>Commands</b>", "Type <code>/help &lt;cmd&gt;</code> for details.", ""}
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		lines = append(lines, helpRow("/"+name, n))
	}
	return strings.Join(lines, "\n")
}

func helpNode(cur *cmdNode, full []string) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}
	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	}
	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			lines = append(lines, helpRow("/"+strings.Join(append(append([]string(nil), full...), name), " "), n))
		}
	}
	return strings.Join(lines, "\n")
}

func helpRow(cmd string, n *cmdNode) string {
	prefix := "• "
	if nodeIsOwnerOnly(n) {
		prefix = "• 🔒 "
	}
	row := prefix + "<code>" + html.EscapeString(cmd) + "</code>"
	if d := summarizeNodeDesc(n); d != "" {
		row += " - " + html.EscapeString(d)
	}
	return row
}

func summarizeNodeDesc(n *cmdNode) string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	k := min(3, len(kids))
	s := strings.Join(kids[:k], ", ")
	if len(kids) > k {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly is true for owner-only leaves and for groups whose
// commands are all owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n.cmd != nil && n.cmd.Access == AccessEveryone {
		return false
	}
	for _, c := range n.children {
		if !nodeIsOwnerOnly(c) {
			return false
		}
	}
	return n.cmd != nil || len(n.children) > 0
}

func shortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if route := splitRoute(c.Route); len(route) > 1 {
		menu, _ := telegramCommandNameFromRoute(route)
		add(menu)
	}
	for _, a := range c.Aliases {
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}
