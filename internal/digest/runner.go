package digest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"chatdigest/pkg/logx"
	"chatdigest/pkg/tgui"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrNoItems is returned by single-resource renderers for empty resources.
var ErrNoItems = errors.New("resource has no items")

// OwnerLoader reads persisted owner state.
type OwnerLoader interface {
	LoadOwner(ctx context.Context, owner int64) (OwnerState, error)
}

// GroupRecords is one grouping's records in plan order.
type GroupRecords struct {
	Name    string
	Records []ReportRecord
}

// NarrativeRenderer produces a paginated document from digest records.
type NarrativeRenderer interface {
	Render(ctx context.Context, records []ReportRecord, title string) ([]byte, error)
}

// TabularRenderer produces workbooks from export records.
type TabularRenderer interface {
	Render(ctx context.Context, groups []GroupRecords, title string, perResourceLimit int) ([]byte, error)
	RenderSingle(ctx context.Context, rec ReportRecord, perResourceLimit int) ([]byte, error)
}

// Pool runs CPU-bound work away from the scheduling goroutines.
type Pool interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type RunnerOptions struct {
	TempDir      string
	SendInterval time.Duration
}

// RunSummary describes one job execution.
type RunSummary struct {
	RunID     string
	Planned   int
	Succeeded int
	Failed    int
	Skipped   int
	Kept      []string
}

// Runner executes a job: plan, aggregate, render, deliver.
type Runner struct {
	store OwnerLoader
	src   ContentSource
	agg   *Aggregator
	pdf   NarrativeRenderer
	xlsx  TabularRenderer
	pool  Pool
	sink  Sink
	opts  RunnerOptions
	log   logx.Logger
	newID func() string
	gap   atomic.Int64
}

type RunnerDeps struct {
	Store      OwnerLoader
	Source     ContentSource
	Aggregator *Aggregator
	Narrative  NarrativeRenderer
	Tabular    TabularRenderer
	Pool       Pool
	Sink       Sink
	Log        logx.Logger
}

func NewRunner(d RunnerDeps, opts RunnerOptions) *Runner {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	r := &Runner{
		store: d.Store,
		src:   d.Source,
		agg:   d.Aggregator,
		pdf:   d.Narrative,
		xlsx:  d.Tabular,
		pool:  d.Pool,
		sink:  d.Sink,
		opts:  opts,
		log:   log.With(logx.String("comp", "runner")),
		newID: func() string { return uuid.NewString() },
	}
	r.gap.Store(int64(opts.SendInterval))
	return r
}

// SetSendInterval changes the inter-send delay for subsequent runs.
func (r *Runner) SetSendInterval(d time.Duration) {
	r.gap.Store(int64(d))
}

// Run executes job once. It returns an error only for user errors, when every
// planned resource failed, or when the final delivery failed.
func (r *Runner) Run(ctx context.Context, job Job) (RunSummary, error) {
	sum := RunSummary{RunID: r.newID()}
	log := r.log.With(logx.String("run", sum.RunID), logx.String("job", job.Key().String()))

	st, err := r.store.LoadOwner(ctx, job.OwnerID)
	if err != nil {
		return sum, fmt.Errorf("load owner: %w", err)
	}
	if !st.Settings.Enabled {
		return sum, fmt.Errorf("%w: %w", ErrInvalid, ErrDisabled)
	}
	scope, err := job.ParsedScope()
	if err != nil {
		return sum, err
	}

	resources, err := r.src.ListResources(ctx, job.OwnerID)
	if err != nil {
		return sum, fmt.Errorf("list resources: %w", err)
	}
	groupings, err := r.src.ListGroupings(ctx, job.OwnerID)
	if err != nil {
		return sum, fmt.Errorf("list groupings: %w", err)
	}
	target, fallback := deliveryTarget(st, job, scope)
	send := newSender(r.sink, job.OwnerID, target, time.Duration(r.gap.Load()))
	send.fallback, send.log = fallback, log

	// A scheduled target can disappear after registration: the channel is
	// gone or its category was renamed.
	if err := ValidateScope(scope, groupings, resources); err != nil {
		log.Warn("job target no longer exists", logx.Err(err))
		if serr := send.text(ctx, "⚠️ "+tgui.Esc(jobTitle(job)+": "+err.Error())); serr != nil {
			log.Warn("report stale target", logx.Err(serr))
		}
		return sum, err
	}
	plan := BuildPlan(scope, resources, st.Rules[job.Kind])

	if plan.Empty() {
		log.Info("nothing to do")
		if err := send.text(ctx, "ℹ️ Nothing to do: no channels match "+tgui.Code(job.Scope)+"."); err != nil {
			return sum, fmt.Errorf("deliver: %w", err)
		}
		return sum, nil
	}
	sum.Planned = plan.Len()

	opts := AggregateOptions{
		Owner:       job.OwnerID,
		Kind:        job.Kind,
		MaxItems:    effectiveLimit(job, st.Settings),
		IncludeBots: st.Settings.IncludeBots,
		Model: ModelOptions{
			Model:   st.Settings.Model,
			APIBase: st.Settings.APIBase,
			APIKey:  st.Settings.APIKey,
		},
	}
	res := r.agg.AggregatePlan(ctx, plan, opts)
	sum.Failed = len(res.Failures)
	title := jobTitle(job)

	var deliverErr error
	switch job.Kind {
	case KindExport:
		deliverErr = r.deliverExport(ctx, log, send, job, title, res.Records, opts.MaxItems, &sum)
	default:
		deliverErr = r.deliverDigest(ctx, log, send, job, title, res.Records, &sum)
	}

	line := fmt.Sprintf("%s %s: %d succeeded, %d failed", statusIcon(sum), title, sum.Succeeded, sum.Failed)
	if sum.Skipped > 0 {
		line += fmt.Sprintf(", %d skipped", sum.Skipped)
	}
	final := tgui.Esc(line)
	if err := send.text(ctx, final); err != nil {
		deliverErr = errors.Join(deliverErr, err)
	}
	log.Info("run finished",
		logx.Int("planned", sum.Planned),
		logx.Int("ok", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Int("skipped", sum.Skipped),
	)

	switch {
	case deliverErr != nil:
		return sum, fmt.Errorf("deliver: %w", deliverErr)
	case sum.Succeeded == 0 && len(res.Failures) > 0:
		return sum, fmt.Errorf("all %d resources failed: %w", sum.Failed, res.Failures[0].Err)
	case sum.Succeeded == 0 && sum.Failed > 0:
		return sum, fmt.Errorf("all %d resources failed", sum.Failed)
	}
	return sum, nil
}

func (r *Runner) deliverDigest(ctx context.Context, log logx.Logger, send *sender, job Job, title string, records []ReportRecord, sum *RunSummary) error {
	format := job.Format
	if format.WantsText() {
		if err := send.text(ctx, "📊 "+tgui.B(title)); err != nil {
			return err
		}
		for _, rec := range records {
			if err := send.text(ctx, formatRecordText(rec)); err != nil {
				log.Warn("send record failed", logx.String("resource", rec.Resource), logx.Err(err))
				sum.Failed++
				continue
			}
			sum.Succeeded++
		}
	}
	if format.WantsPDF() {
		var doc []byte
		in := CloneRecords(records)
		err := r.pool.Do(ctx, "render.pdf", func(ctx context.Context) error {
			var err error
			doc, err = r.pdf.Render(ctx, in, title)
			return err
		})
		if err != nil {
			return fmt.Errorf("render pdf: %w", err)
		}
		if err := r.deliverFile(ctx, log, send, doc, fileName(title, "pdf"), sum); err != nil {
			return err
		}
		if !format.WantsText() {
			sum.Succeeded += len(records)
		}
	}
	return nil
}

func (r *Runner) deliverExport(ctx context.Context, log logx.Logger, send *sender, job Job, title string, records []ReportRecord, limit int, sum *RunSummary) error {
	if job.SingleFile {
		groups := GroupByGrouping(records)
		var book []byte
		in := cloneGroups(groups)
		err := r.pool.Do(ctx, "render.xlsx", func(ctx context.Context) error {
			var err error
			book, err = r.xlsx.Render(ctx, in, title, limit)
			return err
		})
		if err != nil {
			return fmt.Errorf("render workbook: %w", err)
		}
		if err := r.deliverFile(ctx, log, send, book, fileName(title, "xlsx"), sum); err != nil {
			return err
		}
		sum.Succeeded += len(records)
		return nil
	}

	// One workbook per resource; a failed upload does not stop the rest.
	for _, rec := range records {
		var book []byte
		in := CloneRecords([]ReportRecord{rec})[0]
		err := r.pool.Do(ctx, "render.xlsx.single", func(ctx context.Context) error {
			var err error
			book, err = r.xlsx.RenderSingle(ctx, in, limit)
			return err
		})
		if errors.Is(err, ErrNoItems) {
			sum.Skipped++
			continue
		}
		if err != nil {
			log.Warn("render failed", logx.String("resource", rec.Resource), logx.Err(err))
			sum.Failed++
			continue
		}
		if err := r.deliverFile(ctx, log, send, book, fileName(rec.Grouping+"-"+rec.Resource, "xlsx"), sum); err != nil {
			log.Warn("upload failed", logx.String("resource", rec.Resource), logx.Err(err))
			sum.Failed++
			continue
		}
		sum.Succeeded++
	}
	return nil
}

// deliverFile writes data to the temp dir, sends it and removes it on success.
// On failure the file is kept for inspection.
func (r *Runner) deliverFile(ctx context.Context, log logx.Logger, send *sender, data []byte, name string, sum *RunSummary) error {
	path := filepath.Join(r.opts.TempDir, r.newID()+"-"+name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := send.document(ctx, path, name); err != nil {
		log.Warn("artifact kept after failed delivery", logx.String("path", path), logx.Err(err))
		sum.Kept = append(sum.Kept, path)
		return err
	}
	if err := os.Remove(path); err != nil {
		log.Warn("remove artifact", logx.String("path", path), logx.Err(err))
	}
	return nil
}

// GroupByGrouping folds ordered records into consecutive groups.
func GroupByGrouping(records []ReportRecord) []GroupRecords {
	var out []GroupRecords
	for _, rec := range records {
		if n := len(out); n > 0 && out[n-1].Name == rec.Grouping {
			out[n-1].Records = append(out[n-1].Records, rec)
			continue
		}
		out = append(out, GroupRecords{Name: rec.Grouping, Records: []ReportRecord{rec}})
	}
	return out
}

func cloneGroups(in []GroupRecords) []GroupRecords {
	out := make([]GroupRecords, len(in))
	for i, g := range in {
		out[i] = GroupRecords{Name: g.Name, Records: CloneRecords(g.Records)}
	}
	return out
}

// deliveryTarget picks the owner's summary channel, then the job's target,
// then the scoped resource. When the summary channel is used, fallback is
// where output goes if that channel has been deleted.
func deliveryTarget(st OwnerState, job Job, scope Scope) (target, fallback int64) {
	own := job.DeliverTo
	if own == 0 && scope.Type == ScopeResource {
		own = scope.ResourceID
	}
	if st.Settings.SummaryChannel != nil && *st.Settings.SummaryChannel != own {
		return *st.Settings.SummaryChannel, own
	}
	return own, own
}

// effectiveLimit: digests fall back to the owner's max items; exports with no
// explicit limit fetch everything.
func effectiveLimit(job Job, s Settings) int {
	if job.MaxItems > 0 {
		return job.MaxItems
	}
	if job.Kind == KindExport {
		return 0
	}
	return s.MaxItems
}

func jobTitle(job Job) string {
	if job.DisplayName != "" {
		return job.DisplayName
	}
	label := "Digest"
	if job.Kind == KindExport {
		label = "Export"
	}
	return label + " " + job.Scope
}

func statusIcon(s RunSummary) string {
	if s.Failed == 0 {
		return "✅"
	}
	if s.Succeeded == 0 {
		return "❌"
	}
	return "⚠️"
}

const maxNarrativeRunes = 3500

func formatRecordText(rec ReportRecord) tgui.H {
	stats := fmt.Sprintf("%d messages, %d participants, %s", rec.Stats.ItemCount, rec.Stats.ParticipantCount, rec.Stats.Span())
	return tgui.Lines(
		tgui.B(rec.Title()),
		tgui.I(stats),
		"",
		tgui.Esc(tgui.TruncRunes(rec.Narrative, maxNarrativeRunes)),
	)
}

func fileName(title, ext string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == ':' || r == '/':
			return '_'
		default:
			return -1
		}
	}, title)
	if clean == "" {
		clean = "report"
	}
	return clean + "-" + time.Now().UTC().Format("20060102-1504") + "." + ext
}

// sender paces deliveries to one target. If the target is gone it switches
// to fallback once and keeps using it for the rest of the run.
type sender struct {
	sink     Sink
	owner    int64
	target   int64
	fallback int64
	lim      *rate.Limiter
	log      logx.Logger
}

func newSender(s Sink, owner, target int64, gap time.Duration) *sender {
	lim := rate.NewLimiter(rate.Inf, 1)
	if gap > 0 {
		lim = rate.NewLimiter(rate.Every(gap), 1)
	}
	return &sender{sink: s, owner: owner, target: target, fallback: target, lim: lim, log: logx.Nop()}
}

func (s *sender) text(ctx context.Context, text tgui.H) error {
	return s.do(ctx, func(target int64) error {
		return s.sink.SendText(ctx, s.owner, target, text.String())
	})
}

func (s *sender) document(ctx context.Context, path, name string) error {
	return s.do(ctx, func(target int64) error {
		return s.sink.SendDocument(ctx, s.owner, target, path, name)
	})
}

func (s *sender) do(ctx context.Context, send func(target int64) error) error {
	if err := s.lim.Wait(ctx); err != nil {
		return err
	}
	err := send(s.target)
	if err == nil || !errors.Is(err, ErrTargetGone) || s.fallback == s.target {
		return err
	}
	s.log.Warn("summary channel gone, delivering to the job's channel",
		logx.Int64("from", s.target), logx.Int64("to", s.fallback), logx.Err(err))
	s.target = s.fallback
	if err := s.lim.Wait(ctx); err != nil {
		return err
	}
	return send(s.target)
}
