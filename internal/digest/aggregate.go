package digest

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"chatdigest/pkg/logx"
)

// AggregateOptions configure one aggregation pass.
type AggregateOptions struct {
	Owner       int64
	Kind        Kind
	MaxItems    int
	IncludeBots bool
	Model       ModelOptions
}

// Failure records a resource that could not be aggregated.
type Failure struct {
	Resource Resource
	Err      error
}

// BatchResult holds records in plan order and isolated failures.
type BatchResult struct {
	Records  []ReportRecord
	Failures []Failure
}

// Aggregator fetches content per resource and turns it into records.
type Aggregator struct {
	src ContentSource
	sum Summarizer
	log logx.Logger
}

// NewAggregator builds an aggregator. sum may be nil, in which case digests
// always use the local fallback narrative.
func NewAggregator(src ContentSource, sum Summarizer, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{src: src, sum: sum, log: log.With(logx.String("comp", "aggregate"))}
}

// Aggregate produces the record for a single resource. Only fetch errors are
// returned; summarizer problems degrade to FallbackNarrative.
func (a *Aggregator) Aggregate(ctx context.Context, r Resource, opts AggregateOptions) (ReportRecord, error) {
	if opts.MaxItems <= 0 {
		a.log.Warn("unbounded fetch", logx.Int64("resource", r.ID), logx.String("name", r.Name))
	}
	items, err := a.src.FetchItems(ctx, opts.Owner, r.ID, opts.MaxItems)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("fetch %s: %w", r.Name, err)
	}
	if !opts.IncludeBots {
		items = filterBots(items)
	}

	rec := ReportRecord{
		Grouping:   r.GroupingName(),
		Resource:   r.Name,
		ResourceID: r.ID,
		Stats:      ComputeStats(items),
	}
	switch opts.Kind {
	case KindExport:
		rec.Items = items
	default:
		rec.Narrative = a.narrate(ctx, r, items, opts.Model)
	}
	return rec, nil
}

// AggregatePlan aggregates every resource of p in order. A failed or
// panicking resource is recorded in Failures and omitted from Records.
func (a *Aggregator) AggregatePlan(ctx context.Context, p Plan, opts AggregateOptions) BatchResult {
	var out BatchResult
	for _, r := range p.Resources() {
		if err := ctx.Err(); err != nil {
			out.Failures = append(out.Failures, Failure{Resource: r, Err: err})
			continue
		}
		rec, err := a.safeAggregate(ctx, r, opts)
		if err != nil {
			a.log.Warn("resource failed", logx.Int64("resource", r.ID), logx.String("name", r.Name), logx.Err(err))
			out.Failures = append(out.Failures, Failure{Resource: r, Err: err})
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out
}

func (a *Aggregator) safeAggregate(ctx context.Context, r Resource, opts AggregateOptions) (rec ReportRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("panic in aggregate", logx.Int64("resource", r.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return a.Aggregate(ctx, r, opts)
}

func (a *Aggregator) narrate(ctx context.Context, r Resource, items []Item, model ModelOptions) string {
	if len(items) == 0 {
		return NarrativeNoRecords
	}
	transcript := BuildTranscript(items)
	if transcript == "" {
		return NarrativeNoText
	}
	if a.sum == nil {
		return FallbackNarrative(items)
	}
	text, err := a.sum.Summarize(ctx, transcript, model)
	if err != nil {
		a.log.Info("summarizer unavailable, using fallback", logx.Int64("resource", r.ID), logx.Err(err))
		return FallbackNarrative(items)
	}
	if strings.TrimSpace(text) == "" {
		return FallbackNarrative(items)
	}
	return text
}

func filterBots(items []Item) []Item {
	out := items[:0:0]
	for _, it := range items {
		if !it.AuthorIsBot {
			out = append(out, it)
		}
	}
	return out
}

// ComputeStats derives counters from items. Zero items give a zero Stats.
func ComputeStats(items []Item) Stats {
	var st Stats
	authors := map[int64]struct{}{}
	for i, it := range items {
		st.ItemCount++
		authors[it.AuthorID] = struct{}{}
		if i == 0 || it.Timestamp.Before(st.Start) {
			st.Start = it.Timestamp
		}
		if i == 0 || it.Timestamp.After(st.End) {
			st.End = it.Timestamp
		}
		if len(it.Attachments) > 0 {
			st.WithAttachments++
		}
		if len(it.Embeds) > 0 {
			st.WithEmbeds++
		}
		if len(it.Reactions) > 0 {
			st.WithReactions++
		}
		if it.ReplyTo != 0 {
			st.Replies++
		}
	}
	st.ParticipantCount = len(authors)
	return st
}

// Span formats the stats time range for headers.
func (s Stats) Span() string {
	if s.ItemCount == 0 {
		return "-"
	}
	const layout = "2006-01-02 15:04"
	return s.Start.UTC().Format(layout) + " - " + s.End.UTC().Format(layout) + " UTC"
}

// Duration returns End-Start.
func (s Stats) Duration() time.Duration { return s.End.Sub(s.Start) }
