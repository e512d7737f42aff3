// Package risk 风控账本测试
package risk

import (
	"testing"
	"time"

	"signal-copy-trader/internal/core/model"
)

func TestState_DailyLossHalt(t *testing.T) {
	s := NewState(true)

	if tripped := s.AddRealizedPnL(-100, 300); tripped {
		t.Fatalf("未达阈值不应熔断")
	}
	if !s.TradingEnabled() {
		t.Fatalf("未达阈值交易开关应保持开启")
	}

	if tripped := s.AddRealizedPnL(-200, 300); !tripped {
		t.Fatalf("累计 -300 应触发熔断")
	}
	if s.TradingEnabled() {
		t.Errorf("熔断后交易开关应关闭")
	}
	if !s.HaltedByLoss() {
		t.Errorf("应标记为亏损熔断")
	}

	// 已熔断后继续亏损不再重复报告
	if tripped := s.AddRealizedPnL(-50, 300); tripped {
		t.Errorf("重复熔断报告")
	}
}

func TestState_ProfitNeverHalts(t *testing.T) {
	s := NewState(true)

	if tripped := s.AddRealizedPnL(1000, 300); tripped {
		t.Fatalf("盈利不应触发熔断")
	}
	if !s.TradingEnabled() {
		t.Fatalf("盈利后交易开关应保持开启")
	}
}

func TestState_ManualReenableClearsHalt(t *testing.T) {
	s := NewState(true)
	s.AddRealizedPnL(-300, 300)

	s.SetTradingEnabled(true)
	if !s.TradingEnabled() {
		t.Fatalf("人工启用后开关应开启")
	}
	if s.HaltedByLoss() {
		t.Errorf("人工启用应清除熔断标记")
	}
}

func TestState_DayRollover(t *testing.T) {
	s := NewState(true)

	now := time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.AddRealizedPnL(-300, 300)

	if s.TradingEnabled() {
		t.Fatalf("熔断后开关应关闭")
	}

	// 跨过 UTC 日边界
	now = time.Date(2026, 8, 28, 0, 1, 0, 0, time.UTC)

	if !s.TradingEnabled() {
		t.Errorf("新交易日应清除亏损熔断")
	}
	if s.DailyPnL() != 0 {
		t.Errorf("新交易日盈亏应归零, got %f", s.DailyPnL())
	}
	if s.DayKey() != "2026-08-28" {
		t.Errorf("DayKey=%s, want 2026-08-28", s.DayKey())
	}
}

func TestState_ManualDisableSurvivesRollover(t *testing.T) {
	s := NewState(true)

	now := time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.SetTradingEnabled(false)

	now = time.Date(2026, 8, 28, 0, 1, 0, 0, time.UTC)
	if s.TradingEnabled() {
		t.Errorf("人工关闭的开关不应随跨日自动恢复")
	}
}

func TestState_RestoreIgnoresStaleDay(t *testing.T) {
	s := NewState(true)
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Restore("2026-08-26", -250, false, true)
	if s.DailyPnL() != 0 {
		t.Errorf("过期交易日的盈亏不应恢复, got %f", s.DailyPnL())
	}
	if !s.TradingEnabled() {
		t.Errorf("过期交易日的熔断不应恢复")
	}

	s.Restore("2026-08-27", -250, false, true)
	if s.DailyPnL() != -250 {
		t.Errorf("当日盈亏应恢复, got %f", s.DailyPnL())
	}
	if s.TradingEnabled() {
		t.Errorf("当日熔断应恢复")
	}
}

func TestState_RestoreKeepsManualDisable(t *testing.T) {
	s := NewState(true)
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	// 人工关闭（非熔断）的快照来自前一个交易日
	s.Restore("2026-08-26", -50, false, false)
	if s.TradingEnabled() {
		t.Errorf("人工关闭的开关应在重启后保持关闭")
	}
	if s.HaltedByLoss() {
		t.Errorf("人工关闭不应被标记为亏损熔断")
	}
	if s.DailyPnL() != 0 {
		t.Errorf("过期交易日的盈亏不应恢复, got %f", s.DailyPnL())
	}

	// 跨日也不自动恢复
	now = time.Date(2026, 8, 28, 0, 1, 0, 0, time.UTC)
	if s.TradingEnabled() {
		t.Errorf("人工关闭的开关不应随跨日自动恢复")
	}
}

func TestState_OpenCounts(t *testing.T) {
	s := NewState(true)

	s.IncOpen(model.MarketFutures)
	s.IncOpen(model.MarketFutures)
	s.IncOpen(model.MarketSpot)

	if s.OpenCount(model.MarketFutures) != 2 {
		t.Errorf("futures=%d, want 2", s.OpenCount(model.MarketFutures))
	}
	if s.OpenCount(model.MarketSpot) != 1 {
		t.Errorf("spot=%d, want 1", s.OpenCount(model.MarketSpot))
	}

	s.DecOpen(model.MarketFutures)
	s.DecOpen(model.MarketSpot)
	s.DecOpen(model.MarketSpot) // 不降为负数

	if s.OpenCount(model.MarketFutures) != 1 {
		t.Errorf("futures=%d, want 1", s.OpenCount(model.MarketFutures))
	}
	if s.OpenCount(model.MarketSpot) != 0 {
		t.Errorf("spot=%d, want 0", s.OpenCount(model.MarketSpot))
	}
}

func TestState_Snapshot(t *testing.T) {
	s := NewState(true)
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.AddRealizedPnL(-120, 300)
	s.IncOpen(model.MarketFutures)

	snap := s.Snapshot()
	if snap.DayKey != "2026-08-27" {
		t.Errorf("DayKey=%s", snap.DayKey)
	}
	if snap.DailyPnL != -120 {
		t.Errorf("DailyPnL=%f", snap.DailyPnL)
	}
	if !snap.TradingEnabled || snap.HaltedByLoss {
		t.Errorf("开关状态不符: %+v", snap)
	}
	if snap.FuturesOpen != 1 || snap.SpotOpen != 0 {
		t.Errorf("持仓计数不符: %+v", snap)
	}
}
