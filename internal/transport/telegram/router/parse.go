package router

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short id: base36 time plus a sequence number.
func newReqID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(ridSeq.Add(1), 36)
}

// tokenizeCommandLine splits command text into tokens while supporting
// quotes and backslash escapes:
//
//	/digest category set "Release notes"
func tokenizeCommandLine(s string) []string {
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		qChar  rune
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for _, ch := range strings.TrimSpace(s) {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar, quoted = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and --key=value / --flag options.
// Single-dash tokens stay positional so negative numbers survive.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for _, a := range args {
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := a[2:]
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[strings.ToLower(key[:eq])] = key[eq+1:]
			continue
		}
		bools[strings.ToLower(key)] = true
	}
	return pos, flags, bools
}

// commandWord strips the leading slash and a @botname suffix.
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
