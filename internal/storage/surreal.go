package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"

	"github.com/surrealdb/surrealdb.go"
)

// surrealStore keeps each owner's state as a JSON document in the
// owner_state table. Updates are serialized in-process; a single daemon
// owns the namespace.
type surrealStore struct {
	db  *surrealdb.DB
	log logx.Logger
	mu  sync.Mutex
}

type ownerRow struct {
	OwnerID int64  `json:"owner_id"`
	Data    string `json:"data"`
}

func openSurreal(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	sc := cfg.Surreal
	if strings.TrimSpace(sc.Endpoint) == "" {
		return nil, errors.New("storage.surreal.endpoint is required for surrealdb driver")
	}
	if sc.Namespace == "" {
		sc.Namespace = "chatdigest"
	}
	if sc.Database == "" {
		sc.Database = "chatdigest"
	}

	db, err := surrealdb.FromEndpointURLString(ctx, sc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", sc.Endpoint, err)
	}
	if sc.User != "" {
		if _, err := db.SignIn(ctx, &surrealdb.Auth{Username: sc.User, Password: sc.Password}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("surrealdb signin: %w", err)
		}
	}
	if err := db.Use(ctx, sc.Namespace, sc.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surrealdb use %s/%s: %w", sc.Namespace, sc.Database, err)
	}
	log.Info("surrealdb connected", logx.String("endpoint", sc.Endpoint), logx.String("ns", sc.Namespace), logx.String("db", sc.Database))
	return &surrealStore{db: db, log: log}, nil
}

// surrealRows runs one statement and returns the rows of its first result.
func surrealRows(ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) ([]ownerRow, error) {
	res, err := surrealdb.Query[[]ownerRow](ctx, db, sql, vars)
	if err != nil {
		return nil, err
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	first := (*res)[0]
	if first.Status != "OK" {
		if first.Error != nil {
			return nil, errors.New(first.Error.Message)
		}
		return nil, fmt.Errorf("query status %s", first.Status)
	}
	return first.Result, nil
}

func (s *surrealStore) Owners(ctx context.Context) ([]int64, error) {
	rows, err := surrealRows(ctx, s.db, `SELECT owner_id FROM owner_state ORDER BY owner_id`, nil)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.OwnerID)
	}
	return out, nil
}

func (s *surrealStore) LoadOwner(ctx context.Context, owner int64) (digest.OwnerState, error) {
	rows, err := surrealRows(ctx, s.db, `SELECT owner_id, data FROM type::thing("owner_state", $id)`, map[string]any{"id": owner})
	if err != nil {
		return digest.OwnerState{}, fmt.Errorf("load owner %d: %w", owner, err)
	}
	if len(rows) == 0 {
		return digest.NewOwnerState(owner), nil
	}
	return decodeState(owner, []byte(rows[0].Data))
}

func (s *surrealStore) UpdateOwner(ctx context.Context, owner int64, fn func(st *digest.OwnerState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.LoadOwner(ctx, owner)
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
	_, err = surrealRows(ctx, s.db,
		`UPSERT type::thing("owner_state", $id) SET owner_id = $id, data = $data, updated_at = time::now()`,
		map[string]any{"id": owner, "data": string(b)})
	if err != nil {
		return fmt.Errorf("save owner %d: %w", owner, err)
	}
	return nil
}

func (s *surrealStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close(context.Background())
}
