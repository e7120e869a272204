package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者才能释放租约
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func leaseKey(sourceID uint) string {
	return fmt.Sprintf("scan:lease:%d", sourceID)
}

// AcquireScanLease 多实例部署时防止同一数据源被并发扫描；未配置 Redis 时总是成功
func (s *Store) AcquireScanLease(ctx context.Context, sourceID uint, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if s.Redis == nil {
		return token, true, nil
	}
	ok, err := s.Redis.SetNX(ctx, leaseKey(sourceID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire scan lease %d: %w", sourceID, err)
	}
	return token, ok, nil
}

func (s *Store) ReleaseScanLease(ctx context.Context, sourceID uint, token string) error {
	if s.Redis == nil {
		return nil
	}
	if err := releaseLeaseScript.Run(ctx, s.Redis, []string{leaseKey(sourceID)}, token).Err(); err != nil {
		return fmt.Errorf("release scan lease %d: %w", sourceID, err)
	}
	return nil
}
