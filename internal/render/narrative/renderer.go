// Package narrative renders digest records into a paginated, bookmarked PDF.
package narrative

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"

	"github.com/go-pdf/fpdf"
)

const (
	DefaultParseBudget   = 10 * time.Second
	DefaultFallbackRunes = 500

	coreFamily = "Helvetica"
	utf8Family = "DigestSans"
)

// DefaultFontDirs are searched when no directories are configured.
var DefaultFontDirs = []string{
	"/usr/share/fonts/truetype/dejavu",
	"/usr/share/fonts/dejavu",
	"/usr/share/fonts/truetype/noto",
	"/usr/share/fonts/noto",
	"/Library/Fonts",
}

// regular file name -> bold file name
var knownFonts = [][2]string{
	{"DejaVuSans.ttf", "DejaVuSans-Bold.ttf"},
	{"NotoSans-Regular.ttf", "NotoSans-Bold.ttf"},
	{"LiberationSans-Regular.ttf", "LiberationSans-Bold.ttf"},
}

type Options struct {
	FontDirs      []string
	ParseBudget   time.Duration
	FallbackRunes int
}

type Renderer struct {
	opts Options
	log  logx.Logger
	now  func() time.Time
}

func New(opts Options, log logx.Logger) *Renderer {
	if opts.ParseBudget <= 0 {
		opts.ParseBudget = DefaultParseBudget
	}
	if opts.FallbackRunes <= 0 {
		opts.FallbackRunes = DefaultFallbackRunes
	}
	if opts.FontDirs == nil {
		opts.FontDirs = DefaultFontDirs
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renderer{opts: opts, log: log.With(logx.String("comp", "render.pdf")), now: time.Now}
}

// Render returns the PDF bytes for records.
func (r *Renderer) Render(ctx context.Context, records []digest.ReportRecord, title string) ([]byte, error) {
	doc, err := r.build(ctx, records, title)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

type fontSet struct {
	family  string
	regular string
	bold    string
}

func (f fontSet) utf8() bool { return f.regular != "" }

// detectFonts looks for a UTF-8 capable TTF once per render.
func (r *Renderer) detectFonts() fontSet {
	for _, dir := range r.opts.FontDirs {
		for _, pair := range knownFonts {
			reg := filepath.Join(dir, pair[0])
			if !fileExists(reg) {
				continue
			}
			bold := filepath.Join(dir, pair[1])
			if !fileExists(bold) {
				bold = reg
			}
			return fontSet{family: utf8Family, regular: reg, bold: bold}
		}
	}
	r.log.Warn("no unicode font found, falling back to core fonts", logx.Any("dirs", r.opts.FontDirs))
	return fontSet{family: coreFamily}
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

type writer struct {
	pdf   *fpdf.Fpdf
	fonts fontSet
	tr    func(string) string
}

func (r *Renderer) build(ctx context.Context, records []digest.ReportRecord, title string) (*fpdf.Fpdf, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetTitle(title, true)
	pdf.SetCreator("chatdigest", true)

	w := &writer{pdf: pdf, fonts: r.detectFonts()}
	if w.fonts.utf8() {
		pdf.AddUTF8Font(w.fonts.family, "", w.fonts.regular)
		pdf.AddUTF8Font(w.fonts.family, "B", w.fonts.bold)
		pdf.AddUTF8Font(w.fonts.family, "I", w.fonts.regular)
		pdf.AddUTF8Font(w.fonts.family, "BI", w.fonts.bold)
		w.tr = sanitize
	} else {
		cp := pdf.UnicodeTranslatorFromDescriptor("")
		w.tr = func(s string) string { return cp(toCP1252(sanitize(s))) }
	}

	pdf.AddPage()
	w.font("B", 18)
	pdf.MultiCell(0, 9, w.tr(title), "", "L", false)
	w.font("", 9)
	pdf.SetTextColor(110, 110, 110)
	pdf.MultiCell(0, 5, w.tr(fmt.Sprintf("Generated %s, %d channels", r.now().UTC().Format("2006-01-02 15:04 UTC"), len(records))), "", "L", false)
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pdf.Bookmark(w.tr(rec.Title()), 0, -1)
		w.font("B", 14)
		pdf.MultiCell(0, 7, w.tr(rec.Title()), "", "L", false)
		w.font("I", 9)
		pdf.SetTextColor(90, 90, 90)
		stats := fmt.Sprintf("%d messages, %d participants, %s", rec.Stats.ItemCount, rec.Stats.ParticipantCount, rec.Stats.Span())
		pdf.MultiCell(0, 5, w.tr(stats), "", "L", false)
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(2)

		w.blocks(r.parseRecord(ctx, rec))

		if i < len(records)-1 {
			pdf.AddPage()
		}
	}
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("pdf build: %w", err)
	}
	return pdf, nil
}

// parseRecord parses the narrative within the parse budget. Any parse
// failure degrades to a truncated plain paragraph.
func (r *Renderer) parseRecord(ctx context.Context, rec digest.ReportRecord) []Block {
	pctx, cancel := context.WithTimeout(ctx, r.opts.ParseBudget)
	defer cancel()
	blocks, iters, err := Parse(pctx, rec.Narrative)
	if err == nil {
		return blocks
	}
	reason := "error"
	switch {
	case errors.Is(err, ErrIterationLimit):
		reason = "iteration ceiling"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	r.log.Warn("narrative parse degraded",
		logx.String("record", rec.Title()),
		logx.String("reason", reason),
		logx.Int("iterations", iters),
	)
	return FallbackBlocks(rec.Narrative, r.opts.FallbackRunes)
}

// FallbackBlocks is the plain-text rendering of the first n runes of text.
func FallbackBlocks(text string, n int) []Block {
	r := []rune(strings.TrimSpace(text))
	if len(r) > n {
		r = append(r[:n], '…')
	}
	return []Block{{Kind: BlockParagraph, Spans: []Span{{Text: string(r)}}}}
}

func (w *writer) font(style string, size float64) {
	w.pdf.SetFont(w.fonts.family, style, size)
}

func (w *writer) blocks(bs []Block) {
	const lh = 5.5
	for _, b := range bs {
		switch b.Kind {
		case BlockHeading:
			size := map[int]float64{1: 14, 2: 12.5, 3: 11}[b.Level]
			w.font("B", size)
			w.pdf.MultiCell(0, size*0.5, w.tr(PlainText(b.Spans)), "", "L", false)
			w.pdf.Ln(1)
		case BlockList:
			left, _, _, _ := w.pdf.GetMargins()
			for i, item := range b.Items {
				bullet := "• "
				if b.Ordered {
					bullet = fmt.Sprintf("%d. ", i+1)
				}
				w.font("", 10.5)
				w.pdf.SetLeftMargin(left + 4)
				w.pdf.SetX(left + 4)
				w.pdf.Write(lh, w.tr(bullet))
				w.pdf.SetLeftMargin(left + 9)
				w.spans(item, lh)
				w.pdf.SetLeftMargin(left)
				w.pdf.Ln(lh)
			}
			w.pdf.Ln(1.5)
		default:
			w.spans(b.Spans, lh)
			w.pdf.Ln(lh + 2)
		}
	}
}

func (w *writer) spans(spans []Span, lh float64) {
	for _, s := range spans {
		style := ""
		if s.Bold {
			style += "B"
		}
		if s.Italic {
			style += "I"
		}
		w.font(style, 10.5)
		if s.Code {
			w.pdf.SetTextColor(160, 40, 40)
		}
		w.pdf.Write(lh, w.tr(s.Text))
		if s.Code {
			w.pdf.SetTextColor(0, 0, 0)
		}
	}
}

// sanitize drops control characters that would corrupt the content stream.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
}

// cp1252 code points above Latin-1 that the core fonts can draw.
var cp1252Extra = map[rune]bool{
	'€': true, '‚': true, 'ƒ': true, '„': true, '…': true, '†': true, '‡': true,
	'ˆ': true, '‰': true, 'Š': true, '‹': true, 'Œ': true, 'Ž': true, '‘': true,
	'’': true, '“': true, '”': true, '•': true, '–': true, '—': true, '˜': true,
	'™': true, 'š': true, '›': true, 'œ': true, 'ž': true, 'Ÿ': true,
}

func toCP1252(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x100 || cp1252Extra[r] {
			return r
		}
		return '?'
	}, s)
}
