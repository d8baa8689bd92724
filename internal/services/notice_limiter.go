package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/internal/cache"
	"github.com/charlesng35/giftbox/pkg/logger"
)

// NoticeLimiter allows at most one notice per recipient within the cooldown.
type NoticeLimiter struct {
	store    cache.Store
	cooldown time.Duration
	log      *zap.Logger
}

// NewNoticeLimiter constructs a limiter. A zero cooldown disables limiting.
func NewNoticeLimiter(store cache.Store, cooldown time.Duration) *NoticeLimiter {
	if cooldown < 0 {
		cooldown = 0
	}
	return &NoticeLimiter{store: store, cooldown: cooldown, log: logger.WithModule("claims")}
}

// Allow reports whether a notice may be sent now. Cache failures allow the notice.
func (l *NoticeLimiter) Allow(ctx context.Context, recipient string) bool {
	if l == nil || l.store == nil || l.cooldown == 0 {
		return true
	}
	count, _, err := l.store.IncrementWithTTL(ctx, "claim-notice:"+recipient, l.cooldown)
	if err != nil {
		l.log.Warn("notice cooldown unavailable", zap.String("recipient", recipient), zap.Error(err))
		return true
	}
	return count == 1
}
