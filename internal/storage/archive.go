package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

// ArchiveConfig configures the captured message archive.
type ArchiveConfig struct {
	Path        string
	BusyTimeout time.Duration
	// Retention prunes items older than this on Prune; 0 keeps everything.
	Retention time.Duration
}

// Archive stores captured chat items per owner and implements
// digest.ContentSource. Channels are discovered as items arrive; categories
// are assigned by the owner.
type Archive struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration
}

func OpenArchive(ctx context.Context, cfg ArchiveConfig, log logx.Logger) (*Archive, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := openDB(ctx, cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{db: db, log: log.With(logx.String("comp", "archive")), retention: cfg.Retention}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// TouchChannel records a channel, keeping its category and position. A
// non-empty name replaces the stored one.
func (a *Archive) TouchChannel(ctx context.Context, owner, channelID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("topic-%d", channelID)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO channels(owner_id, channel_id, name, position)
		 VALUES(?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM channels WHERE owner_id = ?))
		 ON CONFLICT(owner_id, channel_id) DO UPDATE SET name = CASE
		   WHEN excluded.name LIKE 'topic-%' THEN channels.name ELSE excluded.name END`,
		owner, channelID, name, owner,
	)
	if err != nil {
		return fmt.Errorf("touch channel %d: %w", channelID, err)
	}
	return nil
}

// SetCategory assigns a channel to a category; an empty name ungroups it.
func (a *Archive) SetCategory(ctx context.Context, owner, channelID int64, category string) error {
	category = strings.TrimSpace(category)
	if category == digest.UngroupedName {
		return digest.Invalidf("%q is reserved", digest.UngroupedName)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE channels SET category = ? WHERE owner_id = ? AND channel_id = ?`, category, owner, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return digest.Invalidf("unknown channel %d", channelID)
	}
	if category != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO categories(owner_id, name, position)
			 VALUES(?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM categories WHERE owner_id = ?))
			 ON CONFLICT(owner_id, name) DO NOTHING`,
			owner, category, owner,
		)
		if err != nil {
			return err
		}
	}
	// Drop categories nobody uses anymore.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM categories WHERE owner_id = ? AND name NOT IN
		 (SELECT DISTINCT category FROM channels WHERE owner_id = ?)`,
		owner, owner,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Record inserts or updates an item. Edits overwrite text and keep the
// original timestamp.
func (a *Archive) Record(ctx context.Context, owner int64, it digest.Item) error {
	embeds, err := jsonOrNil(it.Embeds, len(it.Embeds) > 0)
	if err != nil {
		return err
	}
	atts, err := jsonOrNil(it.Attachments, len(it.Attachments) > 0)
	if err != nil {
		return err
	}
	reactions, err := jsonOrNil(it.Reactions, len(it.Reactions) > 0)
	if err != nil {
		return err
	}
	mentions, err := jsonOrNil(it.Mentions, len(it.Mentions) > 0)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO items(owner_id, channel_id, item_id, ts, author_id, author_name, display_name, author_bot,
		   text, embeds, attachments, reply_to, reactions, edited_at, pinned, mentions)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id, channel_id, item_id) DO UPDATE SET
		   text = excluded.text, embeds = excluded.embeds, attachments = excluded.attachments,
		   edited_at = excluded.edited_at, pinned = excluded.pinned, mentions = excluded.mentions,
		   reactions = COALESCE(excluded.reactions, items.reactions)`,
		owner, it.ResourceID, it.ID, it.Timestamp.UnixMilli(), it.AuthorID, it.AuthorName, it.DisplayName, boolInt(it.AuthorIsBot),
		it.Text, embeds, atts, it.ReplyTo, reactions, unixMilliOrZero(it.EditedAt), boolInt(it.Pinned), mentions,
	)
	if err != nil {
		return fmt.Errorf("record item %d: %w", it.ID, err)
	}
	return nil
}

// SetReactions replaces the reaction counts of a stored item.
func (a *Archive) SetReactions(ctx context.Context, owner, channelID, itemID int64, reactions map[string]int) error {
	v, err := jsonOrNil(reactions, len(reactions) > 0)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `UPDATE items SET reactions = ? WHERE owner_id = ? AND channel_id = ? AND item_id = ?`, v, owner, channelID, itemID)
	return err
}

// Prune deletes items older than the configured retention.
func (a *Archive) Prune(ctx context.Context, now time.Time) (int64, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	res, err := a.db.ExecContext(ctx, `DELETE FROM items WHERE ts < ?`, now.Add(-a.retention).UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.log.Info("archive pruned", logx.Int64("items", n), logx.Duration("retention", a.retention))
	}
	return n, nil
}

func (a *Archive) ListResources(ctx context.Context, owner int64) ([]digest.Resource, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT channel_id, name, category, position FROM channels WHERE owner_id = ? ORDER BY position, channel_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []digest.Resource
	for rows.Next() {
		var r digest.Resource
		if err := rows.Scan(&r.ID, &r.Name, &r.Grouping, &r.Position); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (a *Archive) ListGroupings(ctx context.Context, owner int64) ([]digest.Grouping, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT name, position FROM categories WHERE owner_id = ? ORDER BY position, name`, owner)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	var out []digest.Grouping
	for rows.Next() {
		var g digest.Grouping
		if err := rows.Scan(&g.Name, &g.Position); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// FetchItems returns the newest limit items in chronological order. A
// limit <= 0 returns everything.
func (a *Archive) FetchItems(ctx context.Context, owner, resourceID int64, limit int) ([]digest.Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT item_id, ts, author_id, author_name, display_name, author_bot, text, embeds, attachments,
		   reply_to, reactions, edited_at, pinned, mentions
		 FROM items WHERE owner_id = ? AND channel_id = ?
		 ORDER BY ts DESC, item_id DESC LIMIT ?`,
		owner, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	defer rows.Close()

	var out []digest.Item
	for rows.Next() {
		var (
			it                                  digest.Item
			ts, edited                          int64
			bot, pinned                         int
			embeds, atts, reactions, mentionsJS sql.NullString
		)
		if err := rows.Scan(&it.ID, &ts, &it.AuthorID, &it.AuthorName, &it.DisplayName, &bot, &it.Text,
			&embeds, &atts, &it.ReplyTo, &reactions, &edited, &pinned, &mentionsJS); err != nil {
			return nil, err
		}
		it.ResourceID = resourceID
		it.Timestamp = time.UnixMilli(ts).UTC()
		if edited > 0 {
			it.EditedAt = time.UnixMilli(edited).UTC()
		}
		it.AuthorIsBot = bot != 0
		it.Pinned = pinned != 0
		if err := errors.Join(
			decodeNull(embeds, &it.Embeds),
			decodeNull(atts, &it.Attachments),
			decodeNull(reactions, &it.Reactions),
			decodeNull(mentionsJS, &it.Mentions),
		); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", it.ID, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func jsonOrNil(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeNull(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
