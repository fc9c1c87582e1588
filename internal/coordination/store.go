// Package coordination はRedisを使用したワーカー間の協調機構を提供する。
// ハートビート、発見クールダウン、分散ロックの3つの用途で使用される。
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// keyPrefix は全協調キーの名前空間プレフィックス。
const keyPrefix = "serialhub:"

// Store はワーカー間で共有するキーバリュー協調ストアのインターフェース。
type Store interface {
	// Set はキーに値を書き込む。ttlが0の場合は無期限。
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get はキーの値を取得する。キーが存在しない場合は ("", false, nil) を返す。
	Get(ctx context.Context, key string) (string, bool, error)

	// Exists はキーの存在を確認する。
	Exists(ctx context.Context, key string) (bool, error)

	// Delete はキーを削除する。存在しないキーの削除はエラーにならない。
	Delete(ctx context.Context, key string) error

	// Ping は接続確認を行う。
	Ping(ctx context.Context) error
}

// Locker は分散ロックの取得インターフェース。
// 同一クエリに対する発見ジョブの多重実行防止に使用する。
type Locker interface {
	// Obtain はキーに対するロックを取得する。
	// 他のプロセスがロックを保持している場合はErrLockNotObtainedを返す。
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock は取得済みの分散ロック。
type Lock interface {
	Release(ctx context.Context) error
}

// ErrLockNotObtained はロックが他のプロセスに保持されている場合に返される。
var ErrLockNotObtained = errors.New("lock not obtained")

// RedisStore はRedisを使用したStoreとLockerの実装。
type RedisStore struct {
	client *redis.Client
	locker *redislock.Client
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{
		client: client,
		locker: redislock.New(client),
	}
}

// Set はキーに値を書き込む。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("協調キーの書き込みに失敗しました: %w", err)
	}
	return nil
}

// Get はキーの値を取得する。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("協調キーの取得に失敗しました: %w", err)
	}
	return val, true, nil
}

// Exists はキーの存在を確認する。
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("協調キーの存在確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Delete はキーを削除する。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("協調キーの削除に失敗しました: %w", err)
	}
	return nil
}

// Ping は接続確認を行う。
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisへの接続確認に失敗しました: %w", err)
	}
	return nil
}

// Obtain はキーに対する分散ロックを取得する。
func (s *RedisStore) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := s.locker.Obtain(ctx, keyPrefix+"lock:"+key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLockNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("分散ロックの取得に失敗しました: %w", err)
	}
	return lock, nil
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// compile-time interface checks
var (
	_ Store  = (*RedisStore)(nil)
	_ Locker = (*RedisStore)(nil)
)
