// Package risk 维护进程级风控账本与信号指纹缓存。
package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/util/timeutil"
)

// fingerprintBucket 指纹时间桶宽度
// 同一桶内到达的相同内容（symbol+方向+入场+止损）视为同一信号的重投递。
const fingerprintBucket = time.Minute

// SignalCache 已处理信号指纹缓存
// 以内容指纹为键、首次接受时间为值，TTL 窗口内的重复指纹被拒绝。
// CheckAndInsert 在一把锁内完成检查与写入，关闭两条并发重复信号
// 同时通过检查的竞争窗口。
type SignalCache struct {
	mu sync.Mutex

	// ttl 指纹存活窗口
	ttl time.Duration
	// seen 指纹 -> 首次接受时间
	seen map[string]time.Time
	// now 时间源（测试注入）
	now func() time.Time
}

// NewSignalCache 创建信号指纹缓存
// 参数 ttl: 指纹存活窗口
func NewSignalCache(ttl time.Duration) *SignalCache {
	return &SignalCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// SetClock 注入时间源（仅测试使用）
func (c *SignalCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Fingerprint 计算候选信号的内容指纹
// 组成: symbol + 方向 + 入场价 + 止损价 + 到达时间桶
func Fingerprint(sig *model.CandidateSignal) string {
	h := sha256.New()
	h.Write([]byte(sig.Symbol))
	h.Write([]byte{'|'})
	h.Write([]byte(sig.Side))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(sig.EntryPrice, 'f', -1, 64)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(sig.StopLoss, 'f', -1, 64)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(timeutil.TruncateBucket(sig.ArrivedAt, fingerprintBucket).Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndInsert 检查指纹并在未命中时立即写入
// 返回: true 表示 TTL 窗口内已见过该指纹（应拒绝）
// 写入发生在接受时刻而非执行完成后，保证重复信号至多一条通过。
func (c *SignalCache) CheckAndInsert(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	if at, ok := c.seen[fingerprint]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[fingerprint] = now
	return false
}

// Len 获取当前缓存条目数（先清理过期条目）
func (c *SignalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.now())
	return len(c.seen)
}

// evictLocked 清理过期条目（需持锁调用）
// 条目只按 TTL 过期，不存在其它删除路径。
func (c *SignalCache) evictLocked(now time.Time) {
	for fp, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, fp)
		}
	}
}
