package router

import (
	"sort"
	"strings"
	"unicode"

	"chatdigest/internal/transport"
)

// sanitizeTelegramCommand maps a route or alias to a Telegram command name,
// which must match [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route with underscores:
//
//	["digest","schedule","list"] -> "digest_schedule_list"
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first, then
// multi-token shortcuts, capped at Telegram's 100 entries.
func buildTelegramMenuCommands(root *cmdNode, leaves []Command) []transport.BotCommand {
	type entry struct {
		cmd, desc string
		prio      int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int, owner bool) {
		cmd = sanitizeTelegramCommand(cmd)
		if cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if owner {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		if cur, ok := byCmd[cmd]; ok && cur.prio <= prio {
			return
		}
		byCmd[cmd] = entry{cmd: cmd, desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		add(name, summarizeNodeDesc(n), 0, nodeIsOwnerOnly(n))
	}
	for _, c := range leaves {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		menu, _ := telegramCommandNameFromRoute(route)
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(route, " ")
		}
		add(menu, desc, 1, c.Access == AccessOwnerOnly)
	}

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})
	out := make([]transport.BotCommand, 0, min(len(entries), 100))
	for _, e := range entries[:min(len(entries), 100)] {
		out = append(out, transport.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
