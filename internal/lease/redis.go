package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultKey is the Redis key guarding dispatch runs.
const DefaultKey = "schedpost:lock:dispatch"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease shared by every process using the same Redis key.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis creates a Redis-backed lease on key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

// Acquire implements Lease with SET key token NX PX ttl.
func (r *Redis) Acquire(ctx context.Context, ttl time.Duration) (Release, error) {
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, r.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", r.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	slog.Debug("acquired run lease", "key", r.key, "ttl", ttl)

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
			return fmt.Errorf("release lease %s: %w", r.key, err)
		}
		return nil
	}, nil
}

// Connect creates a Redis client and checks the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	slog.Info("connected to Redis", "addr", addr, "db", db)
	return client, nil
}
