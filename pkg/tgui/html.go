package tgui

import (
	"html"
	"strings"
)

// H is HTML that is safe to pass to Telegram when ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Long content must be split by the caller
// so every chunk keeps balanced tags.
func Pre(s string) H {
	return H("<pre>" + html.EscapeString(s) + "</pre>")
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Lines joins parts with newlines.
func Lines(parts ...H) H { return JoinH("\n", parts...) }
