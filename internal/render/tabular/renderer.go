// Package tabular renders export records into XLSX workbooks.
package tabular

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"

	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet = "Summary"

	MaxSheetName = 31
	MaxCellChars = 32767
	maxEmbedJSON = 2000
	timeLayout   = "2006-01-02 15:04:05"
)

// Columns is the fixed content-sheet schema.
var Columns = []string{
	"ID", "Timestamp", "Author", "Author ID", "Display Name", "Content",
	"Embeds", "Attachments", "Reply To", "Reactions", "Edited", "Pinned", "Mentions",
}

var summaryColumns = []string{
	"Category", "Channel", "Sheet", "Messages", "Participants",
	"Attachments", "Embeds", "Reactions", "Replies", "First", "Last",
}

type Renderer struct {
	log logx.Logger
}

func New(log logx.Logger) *Renderer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renderer{log: log.With(logx.String("comp", "render.xlsx"))}
}

// Render builds one workbook with a summary sheet at index 0 followed by one
// content sheet per record, in order.
func (r *Renderer) Render(ctx context.Context, groups []digest.GroupRecords, title string, perResourceLimit int) ([]byte, error) {
	f, err := r.build(ctx, groups, title, perResourceLimit)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return writeBook(f)
}

// RenderSingle builds a workbook for one resource. Records without items
// return digest.ErrNoItems.
func (r *Renderer) RenderSingle(ctx context.Context, rec digest.ReportRecord, perResourceLimit int) ([]byte, error) {
	if len(rec.Items) == 0 {
		return nil, digest.ErrNoItems
	}
	groups := []digest.GroupRecords{{Name: rec.Grouping, Records: []digest.ReportRecord{rec}}}
	return r.Render(ctx, groups, rec.Title(), perResourceLimit)
}

func writeBook(f *excelize.File) ([]byte, error) {
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

type summaryRow struct {
	rec   digest.ReportRecord
	sheet string
}

func (r *Renderer) build(ctx context.Context, groups []digest.GroupRecords, title string, limit int) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("summary sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"305496"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}

	names := newSheetNamer(SummarySheet)
	var rows []summaryRow
	for _, g := range groups {
		for _, rec := range g.Records {
			if err := ctx.Err(); err != nil {
				f.Close()
				return nil, err
			}
			row := summaryRow{rec: rec, sheet: names.next(rec.Grouping + "-" + rec.Resource)}
			if err := r.contentSheet(f, row.sheet, rec.Items, limit, header); err != nil {
				f.Close()
				return nil, fmt.Errorf("sheet %s: %w", row.sheet, err)
			}
			rows = append(rows, row)
		}
	}
	if err := writeSummary(f, title, rows, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("summary: %w", err)
	}
	f.SetActiveSheet(0)
	return f, nil
}

func (r *Renderer) contentSheet(f *excelize.File, name string, items []digest.Item, limit int, header int) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	if err := f.SetSheetRow(name, "A1", &Columns); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(Columns), 1)
	if err := f.SetCellStyle(name, "A1", last, header); err != nil {
		return err
	}
	if err := f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	if limit > 0 && len(items) > limit {
		r.log.Debug("items capped", logx.String("sheet", name), logx.Int("items", len(items)), logx.Int("limit", limit))
		items = items[len(items)-limit:]
	}
	for i, it := range items {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := ItemRow(it)
		if err := f.SetSheetRow(name, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(name, "B", "B", 20); err != nil {
		return err
	}
	return f.SetColWidth(name, "F", "F", 60)
}

// ItemRow maps an item to the Columns schema.
func ItemRow(it digest.Item) []any {
	edited := ""
	if !it.EditedAt.IsZero() {
		edited = it.EditedAt.UTC().Format(timeLayout)
	}
	reply := ""
	if it.ReplyTo != 0 {
		reply = strconv.FormatInt(it.ReplyTo, 10)
	}
	return []any{
		strconv.FormatInt(it.ID, 10),
		it.Timestamp.UTC().Format(timeLayout),
		it.AuthorName,
		strconv.FormatInt(it.AuthorID, 10),
		it.DisplayName,
		cutRunes(it.Text, MaxCellChars),
		embedSummary(it.Embeds),
		cutRunes(strings.Join(it.Attachments, "\n"), MaxCellChars),
		reply,
		reactionSummary(it.Reactions),
		edited,
		it.Pinned,
		cutRunes(strings.Join(it.Mentions, ", "), MaxCellChars),
	}
}

func embedSummary(embeds []digest.Embed) string {
	if len(embeds) == 0 {
		return ""
	}
	b, err := json.Marshal(embeds)
	if err != nil {
		return ""
	}
	return cutRunes(string(b), maxEmbedJSON)
}

func reactionSummary(r map[string]int) string {
	if len(r) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, r[k])
	}
	return strings.Join(parts, ", ")
}

func writeSummary(f *excelize.File, title string, rows []summaryRow, header int) error {
	set := func(cell string, v any) error { return f.SetCellValue(SummarySheet, cell, v) }
	if err := set("A1", title); err != nil {
		return err
	}
	if err := set("A2", "Generated "+time.Now().UTC().Format(timeLayout)+" UTC"); err != nil {
		return err
	}
	if err := f.SetSheetRow(SummarySheet, "A4", &summaryColumns); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(summaryColumns), 4)
	if err := f.SetCellStyle(SummarySheet, "A4", last, header); err != nil {
		return err
	}

	totalItems := 0
	for i, row := range rows {
		st := row.rec.Stats
		first, lastAt := "", ""
		if st.ItemCount > 0 {
			first = st.Start.UTC().Format(timeLayout)
			lastAt = st.End.UTC().Format(timeLayout)
		}
		vals := []any{
			row.rec.Grouping, row.rec.Resource, row.sheet,
			st.ItemCount, st.ParticipantCount,
			st.WithAttachments, st.WithEmbeds, st.WithReactions, st.Replies,
			first, lastAt,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+5)
		if err := f.SetSheetRow(SummarySheet, cell, &vals); err != nil {
			return err
		}
		totalItems += st.ItemCount
	}

	next := len(rows) + 6
	totals := [][]any{
		{"Total channels", len(rows)},
		{"Total messages", totalItems},
	}
	for i, t := range totals {
		cell, _ := excelize.CoordinatesToCellName(1, next+i)
		if err := f.SetSheetRow(SummarySheet, cell, &t); err != nil {
			return err
		}
	}
	return f.SetPanes(SummarySheet, &excelize.Panes{Freeze: true, YSplit: 4, TopLeftCell: "A5", ActivePane: "bottomLeft"})
}
