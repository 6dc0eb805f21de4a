package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/loginproxy/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisLoginRepo はRedis Streamを使用したログイン台帳。
// XADDによる追記のみを行い、既存エントリを更新しない。
type RedisLoginRepo struct {
	client *redis.Client
	stream string
	maxLen int64 // 0の場合はトリミングしない
}

// NewRedisLoginRepo はRedisLoginRepoを生成する。
// maxLenが正の場合、ストリームをおおよそその長さに保つ（MAXLEN ~）。
func NewRedisLoginRepo(client *redis.Client, stream string, maxLen int64) *RedisLoginRepo {
	if stream == "" {
		stream = "logins"
	}
	return &RedisLoginRepo{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Insert はログイン記録をストリームに追記する。
func (r *RedisLoginRepo) Insert(ctx context.Context, record *model.LoginRecord) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: []interface{}{
			"id", record.ID,
			"username", record.Username,
			"login_time", record.LoginTime.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append login record to stream %s: %w", r.stream, err)
	}
	return nil
}

// PingContext はRedisへの疎通を確認する。ヘルスチェックで使用する。
func (r *RedisLoginRepo) PingContext(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// compile-time interface check
var _ LoginLedger = (*RedisLoginRepo)(nil)
