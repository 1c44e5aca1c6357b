package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

// Open initializes the configured owner state driver. An empty driver
// means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "surrealdb", "surreal":
		return openSurreal(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func decodeState(owner int64, data []byte) (digest.OwnerState, error) {
	st := digest.NewOwnerState(owner)
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode owner %d: %w", owner, err)
	}
	st.Normalize(owner)
	return st, nil
}

func encodeState(st digest.OwnerState) ([]byte, error) {
	return json.Marshal(st)
}
