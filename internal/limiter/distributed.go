package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 以 Redis 共享狀態的令牌桶。
//
// 為何需要分散式版本？
//   - 本地桶無法在多實例間共享：同一用戶透過負載均衡
//     連到不同實例時，總速率會被放大
//
// 為何使用 Lua 腳本？
//   - 讀取、填充、扣除必須是原子操作，
//     否則併發請求間會出現超賣
type DistributedTokenBucket struct {
	client     *redis.Client
	capacity   int64
	refillRate int64
	script     *redis.Script
}

// tokenBucketScript 在 Redis 端原子執行令牌桶邏輯。
//
// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒填充速率
// ARGV[3]: 當前 Unix 時間
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * refill_rate)

if tokens >= 1 then
    tokens = tokens - 1
    redis.call('SET', key .. ':tokens', tokens)
    redis.call('SET', key .. ':last_refill', now)
    redis.call('EXPIRE', key .. ':tokens', 3600)
    redis.call('EXPIRE', key .. ':last_refill', 3600)
    return 1
else
    return 0
end
`)

// NewDistributedTokenBucket 建立 Redis 令牌桶。
func NewDistributedTokenBucket(client *redis.Client, capacity, refillRate int64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		script:     tokenBucketScript,
	}
}

// Allow 實現 Limiter。
//
// 失敗策略：Redis 不可用時放行（fail open）。
// 速率限制是保護機制而非安全邊界，寧可暫時超量也不中斷協作。
func (d *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	result, err := d.script.Run(ctx, d.client,
		[]string{"ratelimit:cursor:" + key},
		d.capacity, d.refillRate, time.Now().Unix(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("run token bucket script: %w", err)
	}
	return result == 1, nil
}
