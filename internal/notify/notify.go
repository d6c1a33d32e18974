package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orderflow/backend/internal/cache"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/xid"
)

// Recorder persists notifications. store.Repository satisfies it.
type Recorder interface {
	CreateNotification(ctx context.Context, notification domain.Notification) (*domain.Notification, error)
}

// Transport forwards a stored notification to subscribers outside this process.
type Transport interface {
	Publish(ctx context.Context, notification domain.Notification) error
	Close() error
}

// defaultPublishTimeout bounds one transport publish so a stalled broker
// cannot hold the request that triggered the notification.
const defaultPublishTimeout = 3 * time.Second

type NoopTransport struct{}

func (NoopTransport) Publish(context.Context, domain.Notification) error { return nil }
func (NoopTransport) Close() error { return nil }

// Dispatcher delivers events once their transaction has committed. Delivery is
// best effort: failures are logged and never reach the caller.
type Dispatcher struct {
	recorder  Recorder
	unread    cache.UnreadCache
	transport Transport
	logger    *zap.Logger
	now       func() time.Time

	publishTimeout time.Duration
}

func NewDispatcher(recorder Recorder, unread cache.UnreadCache, transport Transport, logger *zap.Logger) *Dispatcher {
	if unread == nil {
		unread = cache.NoopUnreadCache{}
	}
	if transport == nil {
		transport = NoopTransport{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		recorder:  recorder,
		unread:    unread,
		transport: transport,
		logger:    logger,
		now:       time.Now,

		publishTimeout: defaultPublishTimeout,
	}
}

// Dispatch returns how many events were persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.Event) int {
	delivered := 0
	for _, event := range events {
		notification := domain.Notification{
			ID:        xid.New("ntf"),
			Type:      event.Type,
			Title:     event.Title,
			Message:   event.Message,
			UserID:    event.UserID,
			ForAdmin:  event.ForAdmin,
			Data:      event.Data,
			CreatedAt: d.now().UTC(),
		}
		if notification.Data == nil {
			notification.Data = map[string]any{}
		}

		stored, err := d.recorder.CreateNotification(ctx, notification)
		if err != nil {
			d.logger.Warn("failed to persist notification",
				zap.String("type", event.Type),
				zap.String("user_id", event.UserID),
				zap.Bool("for_admin", event.ForAdmin),
				zap.Error(err),
			)
			continue
		}
		delivered++

		scope := domain.NotificationScope{UserID: stored.UserID, ForAdmin: stored.ForAdmin}
		if err := d.unread.Invalidate(ctx, scope); err != nil {
			d.logger.Warn("failed to invalidate unread counter", zap.String("key", cache.UnreadKey(scope)), zap.Error(err))
		}
		d.publish(ctx, *stored)
	}
	return delivered
}

func (d *Dispatcher) publish(ctx context.Context, notification domain.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	if err := d.transport.Publish(ctx, notification); err != nil {
		d.logger.Warn("failed to publish notification", zap.String("notification_id", notification.ID), zap.Error(err))
	}
}

func (d *Dispatcher) Close() error {
	return d.transport.Close()
}
