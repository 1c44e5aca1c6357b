package digest

import (
	"context"
	"errors"
)

// ContentSource supplies the resource hierarchy and its content.
// Implementations must be safe for concurrent use.
type ContentSource interface {
	ListResources(ctx context.Context, owner int64) ([]Resource, error)
	ListGroupings(ctx context.Context, owner int64) ([]Grouping, error)
	// FetchItems returns the newest items of a resource, oldest first.
	// limit <= 0 means unbounded.
	FetchItems(ctx context.Context, owner, resourceID int64, limit int) ([]Item, error)
}

// ModelOptions are per-owner summarizer parameters. Empty fields fall back to
// the summarizer's configured defaults.
type ModelOptions struct {
	Model   string
	APIBase string
	APIKey  string
}

// Summarizer turns a transcript into narrative text.
type Summarizer interface {
	Summarize(ctx context.Context, text string, opts ModelOptions) (string, error)
}

// ErrTargetGone is wrapped by Sink errors when the destination resource no
// longer exists.
var ErrTargetGone = errors.New("delivery target not found")

// Sink delivers output to a resource of an owner.
type Sink interface {
	SendText(ctx context.Context, owner, resourceID int64, text string) error
	SendDocument(ctx context.Context, owner, resourceID int64, path, filename string) error
}
