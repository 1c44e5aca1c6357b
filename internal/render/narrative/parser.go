package narrative

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrIterationLimit is returned when parsing exceeds 2×lineCount steps.
var ErrIterationLimit = errors.New("narrative: parse iteration ceiling exceeded")

type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockList
)

// Span is a run of text with uniform inline style.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
}

// Block is one parsed block. Lists keep one span slice per item.
type Block struct {
	Kind    BlockKind
	Level   int // heading level 1..3
	Ordered bool
	Spans   []Span
	Items   [][]Span
}

// ctxCheckEvery bounds how often the context is polled.
const ctxCheckEvery = 64

type parser struct {
	lines   []string
	pos     int
	iter    int
	maxIter int
	ctx     context.Context
}

// Parse splits text into blocks. It advances an explicit line cursor and
// stops with ErrIterationLimit after 2×lineCount steps, or with the context
// error once ctx is done.
func Parse(ctx context.Context, text string) ([]Block, int, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	p := &parser{lines: lines, maxIter: 2 * len(lines), ctx: ctx}
	blocks, err := p.run()
	return blocks, p.iter, err
}

func (p *parser) step() error {
	p.iter++
	if p.iter > p.maxIter {
		return ErrIterationLimit
	}
	if p.iter%ctxCheckEvery == 0 {
		if err := p.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) run() ([]Block, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	var out []Block
	for p.pos < len(p.lines) {
		if err := p.step(); err != nil {
			return out, err
		}
		line := strings.TrimSpace(p.lines[p.pos])
		switch {
		case line == "":
			p.pos++
		case headingLevel(line) > 0:
			lvl := headingLevel(line)
			out = append(out, Block{Kind: BlockHeading, Level: lvl, Spans: ParseInline(strings.TrimSpace(line[lvl+1:]))})
			p.pos++
		case isBullet(line):
			b, err := p.list()
			if err != nil {
				return out, err
			}
			out = append(out, b)
		default:
			b, err := p.paragraph()
			if err != nil {
				return out, err
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// list consumes a contiguous run of bullet lines. The first line is
// already accounted for by the caller's step.
func (p *parser) list() (Block, error) {
	b := Block{Kind: BlockList, Ordered: isOrdered(strings.TrimSpace(p.lines[p.pos]))}
	first := true
	for p.pos < len(p.lines) {
		line := strings.TrimSpace(p.lines[p.pos])
		if !isBullet(line) {
			break
		}
		if !first {
			if err := p.step(); err != nil {
				return b, err
			}
		}
		first = false
		b.Items = append(b.Items, ParseInline(bulletBody(line)))
		p.pos++
	}
	return b, nil
}

func (p *parser) paragraph() (Block, error) {
	var parts []string
	first := true
	for p.pos < len(p.lines) {
		line := strings.TrimSpace(p.lines[p.pos])
		if line == "" || headingLevel(line) > 0 || isBullet(line) {
			break
		}
		if !first {
			if err := p.step(); err != nil {
				return Block{}, err
			}
		}
		first = false
		parts = append(parts, line)
		p.pos++
	}
	return Block{Kind: BlockParagraph, Spans: ParseInline(strings.Join(parts, " "))}, nil
}

func headingLevel(line string) int {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 3 || n >= len(line) || line[n] != ' ' {
		return 0
	}
	return n
}

func isBullet(line string) bool {
	for _, m := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, m) {
			return true
		}
	}
	return isOrdered(line)
}

func isOrdered(line string) bool {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' '
}

func bulletBody(line string) string {
	for _, m := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, m) {
			return strings.TrimSpace(line[len(m):])
		}
	}
	i := strings.IndexAny(line, ".)")
	return strings.TrimSpace(line[i+1:])
}

var markers = []struct {
	tok string
	set func(*Span)
}{
	{"**", func(s *Span) { s.Bold = true }},
	{"`", func(s *Span) { s.Code = true }},
	{"*", func(s *Span) { s.Italic = true }},
	{"_", func(s *Span) { s.Italic = true }},
}

// ParseInline splits s into styled spans. Markers without a closing partner
// stay literal. Spans do not nest.
func ParseInline(s string) []Span {
	var out []Span
	var plain strings.Builder
	// Once a marker has no closing partner after some offset it has none
	// after any later offset either.
	noClose := map[string]bool{}

	flush := func() {
		if plain.Len() > 0 {
			out = append(out, Span{Text: plain.String()})
			plain.Reset()
		}
	}
	i := 0
	for i < len(s) {
		matched := false
		for _, m := range markers {
			if !strings.HasPrefix(s[i:], m.tok) || noClose[m.tok] {
				continue
			}
			if m.tok == "_" && i > 0 && isWordByte(s[i-1]) {
				continue
			}
			start := i + len(m.tok)
			end := strings.Index(s[start:], m.tok)
			if end < 0 {
				noClose[m.tok] = true
				continue
			}
			inner := s[start : start+end]
			if inner == "" || strings.TrimSpace(inner) != inner {
				continue
			}
			flush()
			sp := Span{Text: inner}
			m.set(&sp)
			out = append(out, sp)
			i = start + end + len(m.tok)
			matched = true
			break
		}
		if !matched {
			plain.WriteByte(s[i])
			i++
		}
	}
	flush()
	return out
}

func isWordByte(b byte) bool {
	return b < 0x80 && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)))
}

// PlainText concatenates span text.
func PlainText(spans []Span) string {
	var b strings.Builder
	for _, s := range spans {
		b.WriteString(s.Text)
	}
	return b.String()
}
