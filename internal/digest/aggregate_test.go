package digest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestAggregatePlanIsolatesFailures(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		items: map[int64][]Item{
			1: {item(1, 10, "ann", "hi", t0)},
			3: {item(2, 11, "bob", "yo", t0)},
			4: {item(3, 12, "cat", "hey", t0)},
		},
		fail:    map[int64]error{2: errFetch},
		panicOn: 4,
	}
	agg := NewAggregator(src, &fakeSummarizer{text: "summary"}, nopLog())
	p := BuildPlan(AllScope(), []Resource{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}, RuleSet{})

	res := agg.AggregatePlan(context.Background(), p, AggregateOptions{Kind: KindDigest, MaxItems: 50})
	require.Len(t, res.Records, 2)
	require.Len(t, res.Failures, 2)
	assert.ErrorIs(t, res.Failures[0].Err, errFetch)
	assert.Equal(t, int64(2), res.Failures[0].Resource.ID)
	assert.Equal(t, int64(4), res.Failures[1].Resource.ID)
	assert.Equal(t, []int64{1, 3}, []int64{res.Records[0].ResourceID, res.Records[1].ResourceID})
}

func TestAggregateNMinusOne(t *testing.T) {
	t.Parallel()

	const n = 6
	src := &fakeSource{items: map[int64][]Item{}, fail: map[int64]error{4: errFetch}}
	var all []Resource
	for i := int64(1); i <= n; i++ {
		all = append(all, Resource{ID: i, Position: int(i)})
		src.items[i] = []Item{item(i, i, "u", "text", t0)}
	}
	res := NewAggregator(src, nil, nopLog()).AggregatePlan(context.Background(), BuildPlan(AllScope(), all, RuleSet{}), AggregateOptions{Kind: KindExport, MaxItems: 10})
	assert.Len(t, res.Records, n-1)
	assert.Len(t, res.Failures, 1)
}

func TestAggregateBotsFilteredToZero(t *testing.T) {
	t.Parallel()

	bot := item(1, 99, "bot", "beep", t0)
	bot.AuthorIsBot = true
	src := &fakeSource{items: map[int64][]Item{1: {bot}}}
	sum := &fakeSummarizer{text: "should not be used"}

	rec, err := NewAggregator(src, sum, nopLog()).Aggregate(context.Background(), Resource{ID: 1, Name: "chan"}, AggregateOptions{Kind: KindDigest, MaxItems: 10})
	require.NoError(t, err)
	assert.Equal(t, NarrativeNoRecords, rec.Narrative)
	assert.Equal(t, 0, rec.Stats.ItemCount)
	assert.Equal(t, UngroupedName, rec.Grouping)
	assert.Zero(t, sum.calls)

	rec, err = NewAggregator(src, sum, nopLog()).Aggregate(context.Background(), Resource{ID: 1}, AggregateOptions{Kind: KindDigest, MaxItems: 10, IncludeBots: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Stats.ItemCount)
	assert.Equal(t, "should not be used", rec.Narrative)
}

func TestAggregateSummarizerFailureFallsBack(t *testing.T) {
	t.Parallel()

	items := []Item{
		item(1, 1, "ann", "a", t0),
		item(2, 2, "bob", "b", t0.Add(time.Minute)),
		item(3, 2, "bob", "c", t0.Add(2*time.Minute)),
	}
	src := &fakeSource{items: map[int64][]Item{1: items}}
	sum := &fakeSummarizer{err: fmt.Errorf("status 500: %w", errFetch)}

	rec, err := NewAggregator(src, sum, nopLog()).Aggregate(context.Background(), Resource{ID: 1}, AggregateOptions{Kind: KindDigest, MaxItems: 10})
	require.NoError(t, err)
	assert.Equal(t, FallbackNarrative(items), rec.Narrative)
	assert.Contains(t, rec.Narrative, "**bob**: 2 messages")
	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, 2, rec.Stats.ParticipantCount)
	assert.Equal(t, t0, rec.Stats.Start)
	assert.Equal(t, t0.Add(2*time.Minute), rec.Stats.End)
}

func TestAggregateNoTextContent(t *testing.T) {
	t.Parallel()

	it := item(1, 1, "ann", "", t0)
	it.Attachments = []string{"photo"}
	src := &fakeSource{items: map[int64][]Item{1: {it}}}
	rec, err := NewAggregator(src, &fakeSummarizer{text: "x"}, nopLog()).Aggregate(context.Background(), Resource{ID: 1}, AggregateOptions{Kind: KindDigest, MaxItems: 10})
	require.NoError(t, err)
	assert.Equal(t, NarrativeNoText, rec.Narrative)
	assert.Equal(t, 1, rec.Stats.WithAttachments)
}

func TestAggregateExportKeepsItems(t *testing.T) {
	t.Parallel()

	a := item(1, 1, "ann", "a", t0)
	a.ReplyTo = 5
	a.Reactions = map[string]int{"👍": 2}
	a.Embeds = []Embed{{Title: "link"}}
	src := &fakeSource{items: map[int64][]Item{1: {a}}}
	sum := &fakeSummarizer{text: "x"}
	rec, err := NewAggregator(src, sum, nopLog()).Aggregate(context.Background(), Resource{ID: 1}, AggregateOptions{Kind: KindExport})
	require.NoError(t, err)
	assert.Empty(t, rec.Narrative)
	assert.Len(t, rec.Items, 1)
	assert.Equal(t, Stats{ItemCount: 1, ParticipantCount: 1, Start: t0, End: t0, WithEmbeds: 1, WithReactions: 1, Replies: 1}, rec.Stats)
	assert.Zero(t, sum.calls)
	assert.Equal(t, 0, src.limits[1])
}

func TestFallbackNarrativeTopFive(t *testing.T) {
	t.Parallel()

	var items []Item
	counts := []int{1, 3, 3, 2, 1, 5, 1}
	for author, n := range counts {
		for i := 0; i < n; i++ {
			items = append(items, item(int64(len(items)), int64(author), fmt.Sprintf("u%d", author), "x", t0))
		}
	}
	got := FallbackNarrative(items)
	var lines []string
	for _, l := range strings.Split(got, "\n") {
		if strings.HasPrefix(l, "- ") {
			lines = append(lines, l)
		}
	}
	assert.Equal(t, []string{
		"- **u5**: 5 messages",
		"- **u1**: 3 messages",
		"- **u2**: 3 messages",
		"- **u3**: 2 messages",
		"- **u0**: 1 messages",
	}, lines)
	assert.Equal(t, NarrativeNoRecords, FallbackNarrative(nil))
}

func TestBuildTranscriptCaps(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 500)
	var items []Item
	for i := 0; i < 50; i++ {
		items = append(items, item(int64(i), 1, "ann", long, t0))
	}
	items = append([]Item{item(100, 1, "ann", "  ", t0)}, items...)
	got := BuildTranscript(items)
	assert.LessOrEqual(t, len([]rune(got)), 4000)
	first := strings.SplitN(got, "\n", 2)[0]
	assert.Equal(t, "[10:00] ann: "+strings.Repeat("é", 200), first)
}
