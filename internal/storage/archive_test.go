package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

func openArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(context.Background(), ArchiveConfig{Path: filepath.Join(t.TempDir(), "archive.db"), Retention: 24 * time.Hour}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchiveChannelsAndCategories(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	for _, c := range []struct {
		id   int64
		name string
	}{{10, "general"}, {11, ""}, {12, "news"}} {
		if err := a.TouchChannel(ctx, 1, c.id, c.name); err != nil {
			t.Fatal(err)
		}
	}
	// A later real name replaces the placeholder; a placeholder never
	// replaces a real name.
	if err := a.TouchChannel(ctx, 1, 11, "random"); err != nil {
		t.Fatal(err)
	}
	if err := a.TouchChannel(ctx, 1, 10, ""); err != nil {
		t.Fatal(err)
	}
	if err := a.SetCategory(ctx, 1, 12, "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetCategory(ctx, 1, 99, "Alpha"); !errors.Is(err, digest.ErrInvalid) {
		t.Fatalf("unknown channel err = %v", err)
	}
	if err := a.SetCategory(ctx, 1, 10, digest.UngroupedName); !errors.Is(err, digest.ErrInvalid) {
		t.Fatalf("reserved name err = %v", err)
	}

	res, err := a.ListResources(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []digest.Resource{
		{ID: 10, Name: "general", Position: 1},
		{ID: 11, Name: "random", Position: 2},
		{ID: 12, Name: "news", Grouping: "Alpha", Position: 3},
	}
	if len(res) != len(want) {
		t.Fatalf("resources = %+v", res)
	}
	for i := range want {
		if res[i] != want[i] {
			t.Fatalf("resource %d = %+v, want %+v", i, res[i], want[i])
		}
	}

	groups, err := a.ListGroupings(ctx, 1)
	if err != nil || len(groups) != 1 || groups[0].Name != "Alpha" {
		t.Fatalf("groupings = %+v, %v", groups, err)
	}
	if err := a.SetCategory(ctx, 1, 12, ""); err != nil {
		t.Fatal(err)
	}
	groups, _ = a.ListGroupings(ctx, 1)
	if len(groups) != 0 {
		t.Fatalf("unused category kept: %+v", groups)
	}

	other, _ := a.ListResources(ctx, 2)
	if len(other) != 0 {
		t.Fatalf("owner isolation broken: %+v", other)
	}
}

func TestArchiveFetchNewestChronological(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		it := digest.Item{ID: i, ResourceID: 10, Timestamp: base.Add(time.Duration(i) * time.Minute), AuthorID: 100 + i%2, AuthorName: "u", Text: "m"}
		if i == 3 {
			it.Embeds = []digest.Embed{{Title: "t", URL: "https://x"}}
			it.Attachments = []string{"photo"}
			it.Reactions = map[string]int{"👍": 2}
			it.Mentions = []string{"@ann"}
			it.AuthorIsBot = true
			it.Pinned = true
		}
		if err := a.Record(ctx, 1, it); err != nil {
			t.Fatal(err)
		}
	}
	edited := base.Add(time.Hour)
	if err := a.Record(ctx, 1, digest.Item{ID: 5, ResourceID: 10, Timestamp: base, AuthorID: 101, Text: "edited", EditedAt: edited}); err != nil {
		t.Fatal(err)
	}

	items, err := a.FetchItems(ctx, 1, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].ID != 3 || items[2].ID != 5 {
		t.Fatalf("items = %+v", items)
	}
	third := items[0]
	if !third.AuthorIsBot || !third.Pinned || third.Reactions["👍"] != 2 || third.Embeds[0].URL != "https://x" ||
		third.Attachments[0] != "photo" || third.Mentions[0] != "@ann" {
		t.Fatalf("item 3 = %+v", third)
	}
	last := items[2]
	if last.Text != "edited" || !last.EditedAt.Equal(edited) || !last.Timestamp.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("edit handling = %+v", last)
	}

	if err := a.SetReactions(ctx, 1, 10, 5, map[string]int{"🎉": 1}); err != nil {
		t.Fatal(err)
	}
	all, err := a.FetchItems(ctx, 1, 10, 0)
	if err != nil || len(all) != 5 || all[4].Reactions["🎉"] != 1 {
		t.Fatalf("all = %+v, %v", all, err)
	}
}

func TestArchivePrune(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	now := time.Now()
	_ = a.Record(ctx, 1, digest.Item{ID: 1, ResourceID: 10, Timestamp: now.Add(-48 * time.Hour), Text: "old"})
	_ = a.Record(ctx, 1, digest.Item{ID: 2, ResourceID: 10, Timestamp: now, Text: "new"})

	n, err := a.Prune(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	items, _ := a.FetchItems(ctx, 1, 10, 0)
	if len(items) != 1 || items[0].Text != "new" {
		t.Fatalf("items = %+v", items)
	}
}

var _ digest.ContentSource = (*Archive)(nil)
