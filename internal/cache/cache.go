package cache

import (
	"context"
	"time"

	"orderflow/backend/internal/domain"
)

// Generation is the invalidation epoch a cache miss was observed in. Invalidate
// moves a feed to a new generation, so a count read from the store before the
// invalidation and written back afterwards lands on a key nobody reads.
type Generation int64

// UnreadCache holds unread notification counts per feed. Misses fall back to the store.
type UnreadCache interface {
	Get(ctx context.Context, scope domain.NotificationScope) (count int64, gen Generation, ok bool, err error)
	Set(ctx context.Context, scope domain.NotificationScope, gen Generation, count int64, ttl time.Duration) error
	Invalidate(ctx context.Context, scope domain.NotificationScope) error
}

type NoopUnreadCache struct{}

func (NoopUnreadCache) Get(_ context.Context, _ domain.NotificationScope) (int64, Generation, bool, error) {
	return 0, 0, false, nil
}

func (NoopUnreadCache) Set(_ context.Context, _ domain.NotificationScope, _ Generation, _ int64, _ time.Duration) error {
	return nil
}

func (NoopUnreadCache) Invalidate(_ context.Context, _ domain.NotificationScope) error {
	return nil
}

// UnreadKey names the cache entry for a feed.
func UnreadKey(scope domain.NotificationScope) string {
	if scope.ForAdmin {
		return "orderflow:unread:admin"
	}
	return "orderflow:unread:user:" + scope.UserID
}
