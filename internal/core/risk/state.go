// Package risk 维护进程级风控账本与信号指纹缓存。
// RiskState 记录日内已实现盈亏、持仓计数与交易开关；
// 所有 check-then-act 序列在同一把锁内完成，避免交错请求双双通过检查。
package risk

import (
	"sync"
	"time"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/util/timeutil"
)

// State 风控账本
// 不变式：日内累计亏损达到 maxDailyLoss 后 tradingEnabled 必为 false，
// 且在显式重置（跨日或人工）前不会自动恢复。
type State struct {
	mu sync.Mutex

	// dayKey 当前交易日（UTC 日期）
	dayKey string
	// dailyPnL 当前交易日已实现盈亏累计
	dailyPnL float64
	// tradingEnabled 交易开关
	tradingEnabled bool
	// haltedByLoss 是否因日内亏损熔断而关闭
	haltedByLoss bool
	// openCounts 按市场类型的未平仓数量
	openCounts map[model.MarketType]int
	// now 时间源（测试注入）
	now func() time.Time
}

// NewState 创建风控账本
// 参数 enabled: 初始交易开关
func NewState(enabled bool) *State {
	return &State{
		dayKey:         timeutil.DayKey(time.Now()),
		tradingEnabled: enabled,
		openCounts:     make(map[model.MarketType]int),
		now:            time.Now,
	}
}

// Restore 从持久化状态恢复账本
// 参数 dayKey: 持久化的交易日键
// 参数 dailyPnL: 持久化的日内盈亏
// 参数 tradingEnabled: 持久化的交易开关
// 参数 haltedByLoss: 是否处于亏损熔断状态
// 人工关闭的开关不随交易日滚动，无论快照多旧都恢复；
// 日内盈亏与亏损熔断仅在交易日未过期时恢复（新的一天从零开始）。
func (s *State) Restore(dayKey string, dailyPnL float64, tradingEnabled, haltedByLoss bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !tradingEnabled && !haltedByLoss {
		s.tradingEnabled = false
	}
	if dayKey != timeutil.DayKey(s.now()) {
		return
	}
	s.dayKey = dayKey
	s.dailyPnL = dailyPnL
	if haltedByLoss {
		s.tradingEnabled = false
		s.haltedByLoss = true
	}
}

// SetClock 注入时间源（仅测试使用）
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// TradingEnabled 获取交易开关状态
// 调用时惰性检查交易日边界：跨日即重置累计并清除亏损熔断。
func (s *State) TradingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return s.tradingEnabled
}

// AddRealizedPnL 累计已实现盈亏
// 参数 pnl: 本次已实现盈亏（负数为亏损）
// 参数 maxDailyLoss: 日内最大亏损阈值（正数）
// 返回: 本次调用是否触发了熔断
func (s *State) AddRealizedPnL(pnl, maxDailyLoss float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()

	s.dailyPnL += pnl
	if maxDailyLoss > 0 && s.dailyPnL <= -maxDailyLoss && s.tradingEnabled {
		s.tradingEnabled = false
		s.haltedByLoss = true
		return true
	}
	return false
}

// DailyPnL 获取当前交易日已实现盈亏
func (s *State) DailyPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return s.dailyPnL
}

// DayKey 获取当前交易日键
func (s *State) DayKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return s.dayKey
}

// HaltedByLoss 是否处于亏损熔断状态
func (s *State) HaltedByLoss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return s.haltedByLoss
}

// SetTradingEnabled 人工设置交易开关
// 人工重新启用会同时清除亏损熔断标记。
func (s *State) SetTradingEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradingEnabled = enabled
	if enabled {
		s.haltedByLoss = false
	}
}

// IncOpen 持仓计数加一
func (s *State) IncOpen(market model.MarketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCounts[market]++
}

// DecOpen 持仓计数减一
func (s *State) DecOpen(market model.MarketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openCounts[market] > 0 {
		s.openCounts[market]--
	}
}

// OpenCount 获取指定市场类型的未平仓数量
func (s *State) OpenCount(market model.MarketType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCounts[market]
}

// Snapshot 获取账本快照（用于持久化与状态查询）
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return StateSnapshot{
		DayKey:         s.dayKey,
		DailyPnL:       s.dailyPnL,
		TradingEnabled: s.tradingEnabled,
		HaltedByLoss:   s.haltedByLoss,
		FuturesOpen:    s.openCounts[model.MarketFutures],
		SpotOpen:       s.openCounts[model.MarketSpot],
	}
}

// rolloverLocked 交易日边界检查（需持锁调用）
// 跨日时重置日内累计；亏损熔断随新交易日清除，人工关闭的开关保持关闭。
func (s *State) rolloverLocked() {
	today := timeutil.DayKey(s.now())
	if today == s.dayKey {
		return
	}
	s.dayKey = today
	s.dailyPnL = 0
	if s.haltedByLoss {
		s.haltedByLoss = false
		s.tradingEnabled = true
	}
}

// StateSnapshot 风控账本快照
type StateSnapshot struct {
	// DayKey 交易日键
	DayKey string `json:"day_key"`
	// DailyPnL 日内已实现盈亏
	DailyPnL float64 `json:"daily_pnl"`
	// TradingEnabled 交易开关
	TradingEnabled bool `json:"trading_enabled"`
	// HaltedByLoss 是否亏损熔断
	HaltedByLoss bool `json:"halted_by_loss"`
	// FuturesOpen 合约未平仓数量
	FuturesOpen int `json:"futures_open"`
	// SpotOpen 现货未平仓数量
	SpotOpen int `json:"spot_open"`
}
