package tabular

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func rec(grouping, resource string, n int) digest.ReportRecord {
	var items []digest.Item
	for i := 0; i < n; i++ {
		items = append(items, digest.Item{
			ID: int64(i + 1), AuthorID: int64(i%2 + 1), AuthorName: "user",
			Text: "msg", Timestamp: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	return digest.ReportRecord{Grouping: grouping, Resource: resource, Items: items, Stats: digest.ComputeStats(items)}
}

func open(t *testing.T, data []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestRenderWorkbookLayout(t *testing.T) {
	t.Parallel()

	groups := []digest.GroupRecords{
		{Name: "Alpha", Records: []digest.ReportRecord{rec("Alpha", "news", 3), rec("Alpha", "empty", 0)}},
		{Name: digest.UngroupedName, Records: []digest.ReportRecord{rec(digest.UngroupedName, "general", 2)}},
	}
	data, err := New(logx.Nop()).Render(context.Background(), groups, "Export all", 0)
	require.NoError(t, err)

	f := open(t, data)
	sheets := f.GetSheetList()
	require.Len(t, sheets, 4)
	assert.Equal(t, SummarySheet, sheets[0])
	assert.Equal(t, []string{"Alpha-news", "Alpha-empty", "(ungrouped)-general"}, sheets[1:])

	header, err := f.GetRows("Alpha-news")
	require.NoError(t, err)
	require.Len(t, header, 4)
	assert.Equal(t, Columns, header[0])

	panes, err := f.GetPanes("Alpha-news")
	require.NoError(t, err)
	assert.True(t, panes.Freeze)
	assert.Equal(t, 1, panes.YSplit)

	headStyle, err := f.GetCellStyle("Alpha-news", "A1")
	require.NoError(t, err)
	dataStyle, err := f.GetCellStyle("Alpha-news", "A2")
	require.NoError(t, err)
	assert.NotEqual(t, headStyle, dataStyle)

	width, err := f.GetColWidth("Alpha-news", "F")
	require.NoError(t, err)
	assert.Equal(t, float64(60), width)

	rows, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, "Export all", rows[0][0])
	assert.Equal(t, summaryColumns, rows[3])
	assert.Equal(t, []string{"Alpha", "news", "Alpha-news", "3", "2"}, rows[4][:5])
	assert.Equal(t, []string{"Alpha", "empty", "Alpha-empty", "0", "0"}, rows[5][:5])
	assert.Equal(t, "general", rows[6][1])

	total, err := f.GetCellValue(SummarySheet, "B10")
	require.NoError(t, err)
	assert.Equal(t, "5", total)
	channels, err := f.GetCellValue(SummarySheet, "B9")
	require.NoError(t, err)
	assert.Equal(t, "3", channels)
}

func TestRenderPerResourceLimitKeepsNewest(t *testing.T) {
	t.Parallel()

	data, err := New(logx.Nop()).Render(context.Background(), []digest.GroupRecords{{Name: "A", Records: []digest.ReportRecord{rec("A", "r", 10)}}}, "t", 4)
	require.NoError(t, err)
	rows, err := open(t, data).GetRows("A-r")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "7", rows[1][0])
}

func TestRenderApostropheAtCut(t *testing.T) {
	t.Parallel()

	groups := []digest.GroupRecords{{Name: "Alpha", Records: []digest.ReportRecord{
		rec("Alpha", "general", 1),
		rec("Alpha", "abcdefghijklmnopqrstuvwx'rest of the name", 2),
	}}}
	data, err := New(logx.Nop()).Render(context.Background(), groups, "t", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{SummarySheet, "Alpha-general", "Alpha-abcdefghijklmnopqrstuvwx"}, open(t, data).GetSheetList())
}

func TestRenderSingle(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	_, err := r.RenderSingle(context.Background(), rec("A", "empty", 0), 0)
	assert.ErrorIs(t, err, digest.ErrNoItems)

	data, err := r.RenderSingle(context.Background(), rec("A", "busy", 2), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{SummarySheet, "A-busy"}, open(t, data).GetSheetList())
}

func TestSheetNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abcd", SheetName("a[b]:c*?/d\\"))
	long := strings.Repeat("x", 40)
	assert.Equal(t, 31, len([]rune(SheetName(long))))
	assert.Equal(t, "Sheet", SheetName("[]"))
	assert.Equal(t, "Sheet", SheetName("''"))

	// the cut leaves an apostrophe at rune 31
	quoted := "Alpha-abcdefghijklmnopqrstuvwx'rest of the name"
	assert.Equal(t, "Alpha-abcdefghijklmnopqrstuvwx", SheetName(quoted))
	q := newSheetNamer()
	assert.Equal(t, "Alpha-abcdefghijklmnopqrstuvwx", q.next(quoted))
	assert.Equal(t, "Alpha-abcdefghijklmnopqrstuvw~2", q.next(quoted+"2"))

	n := newSheetNamer(SummarySheet)
	first := n.next(long + "-one")
	second := n.next(long + "-two")
	third := n.next(strings.ToUpper(long))
	assert.Equal(t, strings.Repeat("x", 31), first)
	assert.Equal(t, strings.Repeat("x", 29)+"~2", second)
	assert.Equal(t, strings.Repeat("X", 29)+"~3", third)
	assert.Equal(t, "summary~2", n.next("summary"))
}

func TestItemRowColumns(t *testing.T) {
	t.Parallel()

	it := digest.Item{
		ID: 5, Timestamp: t0, AuthorID: 9, AuthorName: "ann", DisplayName: "Ann",
		Text:        strings.Repeat("a", MaxCellChars+10),
		Embeds:      []digest.Embed{{Title: "t", URL: "u"}},
		Attachments: []string{"a.png", "b.png"},
		ReplyTo:     4,
		Reactions:   map[string]int{"👍": 2, "🎉": 1},
		EditedAt:    t0.Add(time.Minute),
		Pinned:      true,
		Mentions:    []string{"@bob"},
	}
	row := ItemRow(it)
	require.Len(t, row, len(Columns))
	assert.Equal(t, "5", row[0])
	assert.Equal(t, "2024-05-01 09:30:00", row[1])
	assert.Len(t, row[5], MaxCellChars)
	assert.Equal(t, `[{"title":"t","url":"u"}]`, row[6])
	assert.Equal(t, "a.png\nb.png", row[7])
	assert.Equal(t, "4", row[8])
	assert.Equal(t, "🎉 1, 👍 2", row[9])
	assert.Equal(t, "2024-05-01 09:31:00", row[10])
	assert.Equal(t, true, row[11])
	assert.Equal(t, "@bob", row[12])
}
