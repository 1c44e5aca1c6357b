package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "file", Path: filepath.Join(dir, "owners")},
		{Driver: "sqlite", Path: filepath.Join(dir, "state.db")},
	} {
		st, err := Open(ctx, cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", cfg.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			fresh, err := st.LoadOwner(ctx, 42)
			if err != nil {
				t.Fatal(err)
			}
			if fresh.Settings.MaxItems != digest.DefaultMaxItems || fresh.Jobs == nil {
				t.Fatalf("fresh state = %+v", fresh)
			}

			ch := int64(7)
			job := digest.Job{OwnerID: 42, Kind: digest.KindExport, Scope: "category:Alpha", Interval: 6 * time.Hour, Enabled: true, SingleFile: true}
			err = st.UpdateOwner(ctx, 42, func(s *digest.OwnerState) error {
				s.Settings.Enabled = true
				s.Settings.SummaryChannel = &ch
				s.Jobs[job.Key().ID()] = job
				rs := s.Rules[digest.KindDigest]
				rs.AddGrouping(digest.UngroupedName)
				s.Rules[digest.KindDigest] = rs
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}

			got, err := st.LoadOwner(ctx, 42)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Settings.Enabled || got.Settings.SummaryChannel == nil || *got.Settings.SummaryChannel != 7 {
				t.Fatalf("settings = %+v", got.Settings)
			}
			gj := got.Jobs[job.Key().ID()]
			if gj.Interval != job.Interval || !gj.SingleFile || gj.Kind != digest.KindExport {
				t.Fatalf("job = %+v", gj)
			}
			if !got.Rules[digest.KindDigest].HasGrouping(digest.UngroupedName) {
				t.Fatalf("rules = %+v", got.Rules)
			}

			owners, err := st.Owners(ctx)
			if err != nil || len(owners) != 1 || owners[0] != 42 {
				t.Fatalf("Owners = %v, %v", owners, err)
			}
		})
	}
}

func TestUpdateOwnerErrorWritesNothing(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			err := st.UpdateOwner(ctx, 1, func(s *digest.OwnerState) error {
				s.Settings.Enabled = true
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v", err)
			}
			got, _ := st.LoadOwner(ctx, 1)
			if got.Settings.Enabled {
				t.Fatal("failed update was persisted")
			}
			owners, _ := st.Owners(ctx)
			if len(owners) != 0 {
				t.Fatalf("owners = %v", owners)
			}
		})
	}
}

func TestUpdateOwnerIsAtomic(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = st.UpdateOwner(ctx, 5, func(s *digest.OwnerState) error {
						s.Settings.MaxItems++
						return nil
					})
				}()
			}
			wg.Wait()
			got, _ := st.LoadOwner(ctx, 5)
			if got.Settings.MaxItems != digest.DefaultMaxItems+20 {
				t.Fatalf("MaxItems = %d, lost updates", got.Settings.MaxItems)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(context.Background(), Config{Driver: "surrealdb"}, logx.Nop()); err == nil {
		t.Fatal("expected missing endpoint error")
	}
}
