package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	maxTelegramLine = 3500
	maxFieldValue   = 600
	maxStack        = 900
)

// formatTelegramJSON turns a zerolog JSON line into a short plain-text
// message: "[LEVEL] msg" followed by one "- key=value" line per field.
func formatTelegramJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), maxTelegramLine)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(m[k]), maxStack))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), maxFieldValue))
	}
	return truncate(b.String(), maxTelegramLine)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
