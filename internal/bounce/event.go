// Package bounce turns provider bounce notifications into lifecycle calls.
package bounce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

// Event identifies a bounced row by id or by the Message-ID it was sent with.
type Event struct {
	ScheduledMessageID int64  `json:"scheduled_message_id,omitempty"`
	ThreadingID        string `json:"threading_id,omitempty"`
	BounceType         string `json:"bounce_type"`
}

func (e Event) Validate() error {
	if e.ScheduledMessageID == 0 && e.ThreadingID == "" {
		return errors.New("bounce event needs scheduled_message_id or threading_id")
	}
	return nil
}

type Marker interface {
	MarkBounced(ctx context.Context, messageID int64, bounceType string) (*service.BounceResult, error)
	MarkBouncedByThreadingID(ctx context.Context, threadingID, bounceType string) (*service.BounceResult, error)
}

type Consumer struct {
	Service Marker
	Log     *zap.Logger
}

// Apply routes the event to the row it names.
func (c *Consumer) Apply(ctx context.Context, e Event) (*service.BounceResult, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.ScheduledMessageID != 0 {
		return c.Service.MarkBounced(ctx, e.ScheduledMessageID, e.BounceType)
	}
	return c.Service.MarkBouncedByThreadingID(ctx, e.ThreadingID, e.BounceType)
}

// Handle is the queue handler for JSON bounce events. Events that can never
// apply are logged and acknowledged; store failures are returned for retry.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		c.Log.Warn("undecodable bounce event", zap.ByteString("payload", payload), zap.Error(err))
		return nil
	}
	res, err := c.Apply(ctx, e)
	if err != nil {
		var ce *appErrors.ConfigError
		switch {
		case appErrors.IsNotFound(err), errors.Is(err, appErrors.ErrInvalidTransition), errors.As(err, &ce):
			c.Log.Warn("bounce event ignored",
				zap.Int64("message_id", e.ScheduledMessageID),
				zap.String("threading_id", e.ThreadingID),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("apply bounce: %w", err)
	}
	if res.AlreadyBounced {
		c.Log.Debug("duplicate bounce event", zap.Int64("message_id", res.ScheduledMessageID))
	}
	return nil
}
