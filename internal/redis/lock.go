package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redisi "github.com/redis/go-redis/v9"
)

var releaseScript = redisi.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks keyed by name. A lock that is
// never released expires after its ttl.
type Locker struct {
	client redisi.UniversalClient
	prefix string
}

func NewLocker(client redisi.UniversalClient, prefix string) *Locker {
	if prefix == "" {
		prefix = "lock"
	}
	return &Locker{client: client, prefix: prefix}
}

// Acquire returns ok=false without error when another holder owns key. The
// returned release func only deletes the lock while this caller still owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l.client == nil {
		return nil, false, fmt.Errorf("redis client is nil")
	}
	storeKey := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, storeKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", storeKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{storeKey}, token).Err(); err != nil {
			return fmt.Errorf("releasing lock %s: %w", storeKey, err)
		}
		return nil
	}
	return release, true, nil
}
