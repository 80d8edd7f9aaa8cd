package push

import (
	"context"
	"fmt"

	"github.com/bcmapp/bcm-server-sub002/internal/redispart"
)

// RedisBadges implements Badges against the partitioned Redis router's
// `apns_badge_<uid>` counter (spec.md §6 Persisted Redis layout), relying
// on the router's cluster-wide atomic INCR to give concurrent pushes to
// the same uid strictly increasing badge values (testable property 6).
type RedisBadges struct {
	router *redispart.Router
}

func NewRedisBadges(router *redispart.Router) *RedisBadges {
	return &RedisBadges{router: router}
}

func (b *RedisBadges) IncrBadge(ctx context.Context, uid string) (int64, error) {
	key := badgeKey(uid)
	return b.router.Incr(ctx, key, key)
}

func badgeKey(uid string) string {
	return fmt.Sprintf("apns_badge_%s", uid)
}
