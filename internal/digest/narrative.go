package digest

import (
	"fmt"
	"sort"
	"strings"
)

const (
	NarrativeNoRecords = "No records found for this period."
	NarrativeNoText    = "No text messages to summarize."

	transcriptLineLimit  = 200
	transcriptTotalLimit = 4000
	topAuthors           = 5
)

// BuildTranscript renders items as "[HH:MM] author: text" lines for the
// summarizer. Items without text are skipped; each text is cut to 200 runes
// and the whole transcript to 4000 runes.
func BuildTranscript(items []Item) string {
	var b strings.Builder
	total := 0
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		line := fmt.Sprintf("[%s] %s: %s\n", it.Timestamp.Format("15:04"), authorLabel(it), cutRunes(text, transcriptLineLimit))
		n := len([]rune(line))
		if total+n > transcriptTotalLimit {
			rest := transcriptTotalLimit - total
			if rest > 0 {
				b.WriteString(cutRunes(line, rest))
			}
			break
		}
		b.WriteString(line)
		total += n
	}
	return strings.TrimRight(b.String(), "\n")
}

// FallbackNarrative is the deterministic local summary: item count plus the
// top five authors by item count, ties broken by first appearance.
func FallbackNarrative(items []Item) string {
	if len(items) == 0 {
		return NarrativeNoRecords
	}
	type author struct {
		name  string
		count int
		first int
	}
	byID := map[int64]*author{}
	order := make([]*author, 0)
	for i, it := range items {
		a, ok := byID[it.AuthorID]
		if !ok {
			a = &author{name: authorLabel(it), first: i}
			byID[it.AuthorID] = a
			order = append(order, a)
		}
		a.count++
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})

	var b strings.Builder
	fmt.Fprintf(&b, "## Activity\n%d messages from %d participants.\n\n### Most active\n", len(items), len(order))
	for i, a := range order {
		if i == topAuthors {
			break
		}
		fmt.Fprintf(&b, "- **%s**: %d messages\n", a.name, a.count)
	}
	return strings.TrimRight(b.String(), "\n")
}

func authorLabel(it Item) string {
	if it.DisplayName != "" {
		return it.DisplayName
	}
	if it.AuthorName != "" {
		return it.AuthorName
	}
	return fmt.Sprintf("user %d", it.AuthorID)
}

func cutRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
