package notify

import (
	"context"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/google/uuid"
)

// Store persists notifications. The database row is the source of truth;
// queue delivery is best effort on top of it.
type Store interface {
	Create(ctx context.Context, n *model.Notification) (*model.Notification, error)
	CountRecentByKind(ctx context.Context, recipient string, kind model.NotificationKind, since time.Time) (int64, error)
}

// Enqueuer pushes a persisted notification onto the delivery stream.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, n model.Notification) error
}

// Dispatcher stores a notification and hands it to the channel workers.
// It does not deliver anything itself.
type Dispatcher struct {
	store Store
	queue Enqueuer
	now   func() time.Time
}

func NewDispatcher(store Store, queue Enqueuer) *Dispatcher {
	return &Dispatcher{
		store: store,
		queue: queue,
		now:   time.Now,
	}
}

// Dispatch persists the notification and enqueues it for delivery. A queue
// failure is logged but not returned; the row already exists and the in-app
// surface reads from the database.
func (d *Dispatcher) Dispatch(ctx context.Context, n model.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Channel == "" {
		n.Channel = model.ChannelInApp
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	n.CreatedAt = d.now()

	stored, err := d.store.Create(ctx, &n)
	if err != nil {
		return err
	}

	if d.queue != nil {
		if err := d.queue.EnqueueNotification(ctx, *stored); err != nil {
			logger.Warn("notify: enqueue failed",
				"notification_id", stored.ID, "kind", string(stored.Kind), "error", err.Error())
		}
	}

	logger.Info("notify: dispatched",
		"notification_id", stored.ID, "recipient", stored.Recipient, "kind", string(stored.Kind))
	return nil
}

// SentRecently reports whether the recipient already got a notification of
// this kind inside the window. Sweep jobs call this before dispatching to
// avoid repeating themselves on every run.
func (d *Dispatcher) SentRecently(ctx context.Context, recipient string, kind model.NotificationKind, window time.Duration) (bool, error) {
	count, err := d.store.CountRecentByKind(ctx, recipient, kind, d.now().Add(-window))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
