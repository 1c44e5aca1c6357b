package transport

import (
	"context"
	"fmt"
	"strings"

	"chatdigest/internal/digest"
)

// Delivery adapts an Adapter to the digest and log sinks. Owners are chat
// ids and resources are forum thread ids.
type Delivery struct {
	a Adapter
}

func NewDelivery(a Adapter) *Delivery { return &Delivery{a: a} }

func target(owner, resourceID int64) ChatTarget {
	return ChatTarget{ChatID: owner, ThreadID: int(resourceID)}
}

// SendText sends Telegram HTML.
func (d *Delivery) SendText(ctx context.Context, owner, resourceID int64, text string) error {
	if _, err := d.a.SendText(ctx, target(owner, resourceID), text, &SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		return fmt.Errorf("send text to %d/%d: %w", owner, resourceID, classify(err))
	}
	return nil
}

func (d *Delivery) SendDocument(ctx context.Context, owner, resourceID int64, path, filename string) error {
	if _, err := d.a.SendDocument(ctx, target(owner, resourceID), path, filename, ""); err != nil {
		return fmt.Errorf("send %s to %d/%d: %w", filename, owner, resourceID, classify(err))
	}
	return nil
}

// classify marks Telegram's deleted-topic rejection so the runner can fall
// back to another target.
func classify(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "thread not found") {
		return fmt.Errorf("%w: %w", digest.ErrTargetGone, err)
	}
	return err
}

// SendLog sends a plain-text log line.
func (d *Delivery) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := d.a.SendText(ctx, ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &SendOptions{DisablePreview: true})
	return err
}
