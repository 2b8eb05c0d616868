// Package limiter 實作游標事件的速率限制。
//
// 系統設計問題：
//
//	游標 / 選取更新是高頻事件，如何限制廣播量而不影響編輯？
//
// 設計考量：
//   - 超量事件直接丟棄（不排隊）：游標是 last-write-wins 狀態，
//     丟棄舊值沒有語義損失
//   - 令牌桶允許短時突發（快速拖動選取），平均速率受控
//   - 單機部署用本地桶；多實例部署用 Redis 版本共享計數
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter 速率限制器介面。Allow 返回 false 表示超量，事件應被丟棄。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket 本地令牌桶。
//
// 演算法：
//  1. 固定容量的桶，以固定速率填充令牌
//  2. 事件到達時嘗試取出令牌
//  3. 有令牌則放行，無令牌則丟棄
type TokenBucket struct {
	capacity   int64
	refillRate int64 // 每秒填充令牌數

	mu      sync.Mutex
	buckets map[string]*bucketState
}

type bucketState struct {
	tokens     int64
	lastRefill time.Time
}

// NewTokenBucket 建立本地令牌桶限流器。
//
// 參數：
//
//	capacity: 桶容量，決定可容忍的突發量
//	refillRate: 每秒填充速率，決定平均事件率
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*bucketState),
	}
}

// Allow 實現 Limiter。每個 key（通常是 connectionID）有獨立的桶。
func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	b, exists := tb.buckets[key]
	if !exists {
		// 新桶初始是滿的
		b = &bucketState{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	// 按經過時間填充，不超過容量
	elapsed := now.Sub(b.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))
	if tokensToAdd > 0 {
		b.tokens = min(tb.capacity, b.tokens+tokensToAdd)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Forget 釋放 key 的桶（連接關閉時呼叫，避免 map 無界增長）。
func (tb *TokenBucket) Forget(key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.buckets, key)
}
