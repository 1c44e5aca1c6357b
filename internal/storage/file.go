package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

// fileStore keeps one <dir>/owner-<id>.json snapshot per owner. Writes go
// to a temp file that is renamed over the snapshot.
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) path(owner int64) string {
	return filepath.Join(s.dir, "owner-"+strconv.FormatInt(owner, 10)+".json")
}

func (s *fileStore) Owners(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "owner-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "owner-"), ".json"), 10, 64)
		if err != nil {
			s.log.Debug("skipping foreign file", logx.String("file", name))
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) LoadOwner(ctx context.Context, owner int64) (digest.OwnerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return digest.OwnerState{}, ErrClosed
	}
	return s.loadLocked(owner)
}

func (s *fileStore) loadLocked(owner int64) (digest.OwnerState, error) {
	b, err := os.ReadFile(s.path(owner))
	if errors.Is(err, os.ErrNotExist) {
		return digest.NewOwnerState(owner), nil
	}
	if err != nil {
		return digest.OwnerState{}, err
	}
	return decodeState(owner, b)
}

func (s *fileStore) UpdateOwner(ctx context.Context, owner int64, fn func(st *digest.OwnerState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	st, err := s.loadLocked(owner)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	b, err := encodeState(st)
	if err != nil {
		return err
	}

	final := s.path(owner)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
