package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatdigest/pkg/logx"
)

type fakeSource struct {
	resources []Resource
	groupings []Grouping
	items     map[int64][]Item
	fail      map[int64]error
	panicOn   int64
	limits    map[int64]int
	mu        sync.Mutex
}

func (f *fakeSource) ListResources(context.Context, int64) ([]Resource, error) {
	return append([]Resource(nil), f.resources...), nil
}

func (f *fakeSource) ListGroupings(context.Context, int64) ([]Grouping, error) {
	return append([]Grouping(nil), f.groupings...), nil
}

func (f *fakeSource) FetchItems(_ context.Context, _ int64, id int64, limit int) ([]Item, error) {
	f.mu.Lock()
	if f.limits == nil {
		f.limits = map[int64]int{}
	}
	f.limits[id] = limit
	f.mu.Unlock()
	if f.panicOn != 0 && id == f.panicOn {
		panic("boom")
	}
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	return append([]Item(nil), f.items[id]...), nil
}

type fakeSummarizer struct {
	text  string
	err   error
	calls int
	got   []string
}

func (f *fakeSummarizer) Summarize(_ context.Context, text string, _ ModelOptions) (string, error) {
	f.calls++
	f.got = append(f.got, text)
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type sentMsg struct {
	target int64
	text   string
	doc    string
	at     time.Time
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []sentMsg
	failDoc error
	failTxt error
	// gone rejects every send to these targets with ErrTargetGone.
	gone map[int64]bool
}

func (f *fakeSink) SendText(_ context.Context, _ int64, target int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[target] {
		return fmt.Errorf("send text: %w", ErrTargetGone)
	}
	if f.failTxt != nil {
		return f.failTxt
	}
	f.sent = append(f.sent, sentMsg{target: target, text: text, at: time.Now()})
	return nil
}

func (f *fakeSink) SendDocument(_ context.Context, _ int64, target int64, path, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[target] {
		return fmt.Errorf("send document: %w", ErrTargetGone)
	}
	if f.failDoc != nil {
		return f.failDoc
	}
	f.sent = append(f.sent, sentMsg{target: target, doc: name, text: path, at: time.Now()})
	return nil
}

func (f *fakeSink) docs() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.doc != "" {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct{ st OwnerState }

func (f *fakeStore) LoadOwner(context.Context, int64) (OwnerState, error) { return f.st, nil }

type inlinePool struct{}

func (inlinePool) Do(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

type fakeRenderer struct {
	mu     sync.Mutex
	single []string
	multi  int
}

func (f *fakeRenderer) Render(_ context.Context, records []ReportRecord, title string) ([]byte, error) {
	return []byte(fmt.Sprintf("pdf:%s:%d", title, len(records))), nil
}

func (f *fakeRenderer) RenderBook(groups []GroupRecords) ([]byte, error) {
	f.mu.Lock()
	f.multi++
	f.mu.Unlock()
	return []byte(fmt.Sprintf("xlsx:%d", len(groups))), nil
}

type fakeTabular struct{ fakeRenderer }

func (f *fakeTabular) Render(_ context.Context, groups []GroupRecords, _ string, _ int) ([]byte, error) {
	return f.RenderBook(groups)
}

func (f *fakeTabular) RenderSingle(_ context.Context, rec ReportRecord, _ int) ([]byte, error) {
	if len(rec.Items) == 0 {
		return nil, ErrNoItems
	}
	f.mu.Lock()
	f.single = append(f.single, rec.Resource)
	f.mu.Unlock()
	return []byte("xlsx"), nil
}

var errFetch = errors.New("fetch failed")

func item(id, author int64, name string, text string, at time.Time) Item {
	return Item{ID: id, AuthorID: author, AuthorName: name, Text: text, Timestamp: at}
}

func nopLog() logx.Logger { return logx.Nop() }
