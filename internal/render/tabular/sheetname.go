package tabular

import (
	"strconv"
	"strings"
)

const illegalSheetChars = `[]:*?/\`

// SheetName strips characters Excel rejects and cuts the name to 31 runes.
func SheetName(raw string) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalSheetChars, r) {
			return -1
		}
		return r
	}, raw)
	return trimQuotes(cutRunes(strings.TrimSpace(clean), MaxSheetName))
}

// trimQuotes drops leading and trailing apostrophes, which Excel rejects.
// Cutting can expose a new trailing one, so it runs after every cut.
func trimQuotes(s string) string {
	s = strings.Trim(s, "'")
	if s == "" {
		return "Sheet"
	}
	return s
}

func cutRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// sheetNamer hands out unique names. Excel compares sheet names
// case-insensitively, so collisions are detected on the folded form and
// resolved with a "~N" suffix that still fits in 31 runes.
type sheetNamer struct {
	used map[string]bool
}

func newSheetNamer(reserved ...string) *sheetNamer {
	n := &sheetNamer{used: map[string]bool{}}
	for _, r := range reserved {
		n.used[strings.ToLower(r)] = true
	}
	return n
}

func (n *sheetNamer) next(raw string) string {
	base := SheetName(raw)
	name := base
	for i := 2; n.used[strings.ToLower(name)]; i++ {
		suffix := "~" + strconv.Itoa(i)
		name = trimQuotes(cutRunes(base, MaxSheetName-len(suffix))) + suffix
	}
	n.used[strings.ToLower(name)] = true
	return name
}
