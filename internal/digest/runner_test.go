package digest

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFixture struct {
	src   *fakeSource
	sink  *fakeSink
	store *fakeStore
	tab   *fakeTabular
	dir   string
	r     *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	st := NewOwnerState(100)
	st.Settings.Enabled = true
	f := &runnerFixture{
		src: &fakeSource{
			resources: []Resource{
				{ID: 1, Name: "news", Grouping: "Alpha"},
				{ID: 2, Name: "general"},
				{ID: 3, Name: "quiet", Grouping: "Alpha", Position: 1},
			},
			groupings: []Grouping{{Name: "Alpha"}},
			items: map[int64][]Item{
				1: {item(1, 1, "ann", "hello", t0)},
				2: {item(2, 2, "bob", "hi", t0)},
			},
		},
		sink:  &fakeSink{},
		store: &fakeStore{st: st},
		tab:   &fakeTabular{},
		dir:   t.TempDir(),
	}
	f.r = NewRunner(RunnerDeps{
		Store:      f.store,
		Source:     f.src,
		Aggregator: NewAggregator(f.src, &fakeSummarizer{text: "all good"}, nopLog()),
		Narrative:  &fakeRenderer{},
		Tabular:    f.tab,
		Pool:       inlinePool{},
		Sink:       f.sink,
		Log:        nopLog(),
	}, RunnerOptions{TempDir: f.dir})
	return f
}

func TestRunnerDigestText(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Planned)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)

	// header + 3 records + final line
	require.Len(t, f.sink.sent, 5)
	assert.Contains(t, f.sink.sent[1].text, "Alpha / news")
	assert.Contains(t, f.sink.sent[2].text, "Alpha / quiet")
	assert.Contains(t, f.sink.sent[2].text, NarrativeNoRecords)
	assert.Contains(t, f.sink.sent[3].text, UngroupedName+" / general")
	assert.Contains(t, f.sink.sent[4].text, "3 succeeded, 0 failed")
}

func TestRunnerDisabledOwner(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.store.st.Settings.Enabled = false
	_, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Empty(t, f.sink.sent)
}

func TestRunnerEmptyPlan(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.store.st.Rules[KindDigest] = RuleSet{GroupingNames: []string{"Alpha", UngroupedName}}
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all", DeliverTo: 77})
	require.NoError(t, err)
	assert.Zero(t, sum.Planned)
	require.Len(t, f.sink.sent, 1)
	assert.Contains(t, f.sink.sent[0].text, "Nothing to do")
	assert.Equal(t, int64(77), f.sink.sent[0].target)
}

func TestRunnerDeliveryTarget(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	_, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "channel:2"})
	require.NoError(t, err)
	for _, m := range f.sink.sent {
		assert.Equal(t, int64(2), m.target)
	}

	summary := int64(55)
	f.store.st.Settings.SummaryChannel = &summary
	f.sink.sent = nil
	_, err = f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "channel:2", DeliverTo: 9})
	require.NoError(t, err)
	for _, m := range f.sink.sent {
		assert.Equal(t, int64(55), m.target)
	}
}

func TestRunnerFallsBackWhenSummaryChannelGone(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	summary := int64(55)
	f.store.st.Settings.SummaryChannel = &summary
	f.sink.gone = map[int64]bool{55: true}
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all", DeliverTo: 9})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	require.Len(t, f.sink.sent, 5)
	for _, m := range f.sink.sent {
		assert.Equal(t, int64(9), m.target)
	}
}

func TestRunnerTargetGoneWithoutFallback(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.sink.gone = map[int64]bool{2: true}
	_, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "channel:2"})
	assert.ErrorIs(t, err, ErrTargetGone)
	assert.Empty(t, f.sink.sent)
}

func TestRunnerReportsStaleTarget(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "category:Beta", DeliverTo: 7})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Zero(t, sum.Planned)
	require.Len(t, f.sink.sent, 1)
	assert.Contains(t, f.sink.sent[0].text, `unknown category &#34;Beta&#34;`)
	assert.Equal(t, int64(7), f.sink.sent[0].target)

	f.sink.sent = nil
	_, err = f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "category:Alpha"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.sink.sent)
}

func assertPaced(t *testing.T, sent []sentMsg, gap time.Duration) {
	t.Helper()
	// the limiter may wake a little early on coarse clocks
	const slack = 2 * time.Millisecond
	for i := 1; i < len(sent); i++ {
		if d := sent[i].at.Sub(sent[i-1].at); d < gap-slack {
			t.Fatalf("send %d came %v after the previous one, want >= %v", i, d, gap)
		}
	}
}

func TestRunnerPacesSends(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	gap := 20 * time.Millisecond
	f.r.SetSendInterval(gap)
	_, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all"})
	require.NoError(t, err)
	require.Len(t, f.sink.sent, 5)
	assertPaced(t, f.sink.sent, gap)

	f.sink.sent = nil
	f.r.SetSendInterval(40 * time.Millisecond)
	_, err = f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all"})
	require.NoError(t, err)
	require.Len(t, f.sink.sent, 5)
	assertPaced(t, f.sink.sent, 40*time.Millisecond)
}

func TestRunnerAllFailed(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.src.fail = map[int64]error{1: errFetch, 2: errFetch, 3: errFetch}
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errFetch)
	assert.Equal(t, 3, sum.Failed)
	last := f.sink.sent[len(f.sink.sent)-1].text
	assert.Contains(t, last, "0 succeeded, 3 failed")
}

func TestRunnerPartialFailureIsNotAnError(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.src.fail = map[int64]error{1: errFetch}
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
}

func TestRunnerDigestPDFRemovesArtifact(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	_, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindDigest, Scope: "all", Format: FormatPDF, DisplayName: "Weekly"})
	require.NoError(t, err)
	docs := f.sink.docs()
	require.Len(t, docs, 1)
	assert.True(t, strings.HasPrefix(docs[0].doc, "Weekly-"))
	assert.True(t, strings.HasSuffix(docs[0].doc, ".pdf"))
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunnerKeepsArtifactOnDeliveryFailure(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.sink.failDoc = errors.New("upload failed")
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindExport, Scope: "all", SingleFile: true})
	require.Error(t, err)
	require.Len(t, sum.Kept, 1)
	_, statErr := os.Stat(sum.Kept[0])
	assert.NoError(t, statErr)
}

func TestRunnerExportPerResource(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindExport, Scope: "all"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, []string{"news", "general"}, f.tab.single)
	assert.Len(t, f.sink.docs(), 2)
}

func TestRunnerExportFailedUploadDoesNotAbort(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.sink.failDoc = errors.New("too big")
	sum, err := f.r.Run(context.Background(), Job{OwnerID: 100, Kind: KindExport, Scope: "all"})
	require.Error(t, err)
	assert.Equal(t, []string{"news", "general"}, f.tab.single)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, sum.Kept, 2)
}

func TestGroupByGrouping(t *testing.T) {
	t.Parallel()

	got := GroupByGrouping([]ReportRecord{{Grouping: "A", Resource: "1"}, {Grouping: "A", Resource: "2"}, {Grouping: UngroupedName, Resource: "3"}})
	require.Len(t, got, 2)
	assert.Len(t, got[0].Records, 2)
	assert.Equal(t, UngroupedName, got[1].Name)
}

func TestCloneRecordsIsDeep(t *testing.T) {
	t.Parallel()

	in := []ReportRecord{{Items: []Item{{Reactions: map[string]int{"x": 1}, Mentions: []string{"a"}}}}}
	out := CloneRecords(in)
	out[0].Items[0].Reactions["x"] = 5
	out[0].Items[0].Mentions[0] = "b"
	assert.Equal(t, 1, in[0].Items[0].Reactions["x"])
	assert.Equal(t, "a", in[0].Items[0].Mentions[0])
}
