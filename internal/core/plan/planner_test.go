// Package plan 订单规划测试
package plan

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/exchange"
)

func testConfig() *config.Config {
	return &config.Config{
		Plan: config.PlanConfig{
			EntryOffsetBps: 10,
			TPOffsetBps:    0,
		},
	}
}

func testTrade(sig *model.CandidateSignal, sizeUSD float64) *model.ValidatedTrade {
	return &model.ValidatedTrade{
		ID:       "T1",
		Signal:   sig,
		Leverage: 10,
		SizeUSD:  sizeUSD,
	}
}

func longSignal() *model.CandidateSignal {
	return &model.CandidateSignal{
		Symbol:      "BTCUSDT",
		Side:        model.SideLong,
		Market:      model.MarketFutures,
		EntryPrice:  50000,
		StopLoss:    49000,
		TakeProfits: []float64{50500, 51000, 51500, 52000, 52500},
	}
}

func TestPlan_TPLadderSelection(t *testing.T) {
	sig := longSignal()
	plan, rej := Plan(testTrade(sig, 150), testConfig(), 0, nil)
	if rej != nil {
		t.Fatalf("期望生成计划但被拒绝: %v", rej)
	}

	// 5 档候选精选第 1/3/5 档
	if len(plan.TakeProfits) != 3 {
		t.Fatalf("止盈档数=%d, want 3", len(plan.TakeProfits))
	}
	wantPrices := []float64{50500, 51500, 52500}
	for i, tp := range plan.TakeProfits {
		if tp.Price != wantPrices[i] {
			t.Errorf("TP[%d].Price=%f, want %f", i, tp.Price, wantPrices[i])
		}
	}

	// qty = 150/50000 = 0.003
	if plan.Quantity != 0.003 {
		t.Errorf("Quantity=%f, want 0.003", plan.Quantity)
	}
	if plan.StopLoss != 49000 {
		t.Errorf("StopLoss=%f, want 49000", plan.StopLoss)
	}
	if plan.EntryPrice != 50000 {
		t.Errorf("EntryPrice=%f, want 50000", plan.EntryPrice)
	}
}

func TestPlan_SparseTPSelection(t *testing.T) {
	// 档位精选固定取第 1/3/5 档，候选不足 5 档时同样适用
	tests := []struct {
		name       string
		tps        []float64
		wantPrices []float64
	}{
		{"两档候选只取第一档", []float64{51000, 52000}, []float64{51000}},
		{"三档候选取第一和第三档", []float64{50500, 51000, 52000}, []float64{50500, 52000}},
		{"四档候选取第一和第三档", []float64{50500, 51000, 51500, 52000}, []float64{50500, 51500}},
		{"单档候选保持单档", []float64{51000}, []float64{51000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := longSignal()
			sig.TakeProfits = tt.tps

			plan, rej := Plan(testTrade(sig, 150), testConfig(), 0, nil)
			if rej != nil {
				t.Fatalf("期望生成计划但被拒绝: %v", rej)
			}
			if len(plan.TakeProfits) != len(tt.wantPrices) {
				t.Fatalf("止盈档数=%d, want %d", len(plan.TakeProfits), len(tt.wantPrices))
			}
			for i, tp := range plan.TakeProfits {
				if tp.Price != tt.wantPrices[i] {
					t.Errorf("TP[%d].Price=%f, want %f", i, tp.Price, tt.wantPrices[i])
				}
			}
		})
	}
}

func TestPlan_TPOffsetNudgesTowardEntry(t *testing.T) {
	cfg := testConfig()
	cfg.Plan.TPOffsetBps = 10 // 0.1%

	sig := longSignal()
	sig.TakeProfits = []float64{51000}

	plan, rej := Plan(testTrade(sig, 150), cfg, 0, nil)
	if rej != nil {
		t.Fatalf("期望生成计划但被拒绝: %v", rej)
	}
	want := 51000 - 51000*0.001
	if diff := plan.TakeProfits[0].Price - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TP price=%f, want %f", plan.TakeProfits[0].Price, want)
	}
}

func TestPlan_EntryUnavailable(t *testing.T) {
	tests := []struct {
		name      string
		side      model.Side
		entry     float64
		mark      float64
		wantError bool
	}{
		{"多头市场价低于入场价可接受", model.SideLong, 50000, 49500, false},
		{"多头市场价略高在容忍内", model.SideLong, 50000, 50020, false},
		{"多头市场价越过容忍度拒绝", model.SideLong, 50000, 50200, true},
		{"空头市场价高于入场价可接受", model.SideShort, 50000, 50500, false},
		{"空头市场价跌穿容忍度拒绝", model.SideShort, 50000, 49500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := longSignal()
			sig.Side = tt.side
			sig.EntryPrice = tt.entry
			if tt.side == model.SideShort {
				sig.StopLoss = tt.entry + 1000
				sig.TakeProfits = []float64{tt.entry - 500}
			}

			_, rej := Plan(testTrade(sig, 150), testConfig(), tt.mark, nil)
			if tt.wantError {
				if rej == nil || rej.Reason != model.RejectEntryUnavailable {
					t.Fatalf("期望 entry_unavailable, got %v", rej)
				}
			} else if rej != nil {
				t.Fatalf("期望生成计划但被拒绝: %v", rej)
			}
		})
	}
}

func TestPlan_BelowMinimum(t *testing.T) {
	sig := longSignal()

	limits := &exchange.SymbolLimits{MinQty: 0.01}
	_, rej := Plan(testTrade(sig, 150), testConfig(), 0, limits)
	if rej == nil || rej.Reason != model.RejectBelowMinimum {
		t.Fatalf("期望 below_minimum, got %v", rej)
	}

	limits = &exchange.SymbolLimits{MinNotional: 500}
	_, rej = Plan(testTrade(sig, 150), testConfig(), 0, limits)
	if rej == nil || rej.Reason != model.RejectBelowMinimum {
		t.Fatalf("期望 below_minimum, got %v", rej)
	}
}

func TestPlan_TPLadderReducedByMinQty(t *testing.T) {
	sig := longSignal()

	// qty = 150/50000 = 0.003; 三档均分 0.001 < 下限 0.002，缩减到一档
	limits := &exchange.SymbolLimits{MinQty: 0.002}
	plan, rej := Plan(testTrade(sig, 150), testConfig(), 0, limits)
	if rej != nil {
		t.Fatalf("期望生成计划但被拒绝: %v", rej)
	}
	if len(plan.TakeProfits) != 1 {
		t.Fatalf("止盈档数=%d, want 1", len(plan.TakeProfits))
	}
	if plan.TakeProfits[0].Quantity != 0.003 {
		t.Errorf("单档止盈数量=%f, want 0.003", plan.TakeProfits[0].Quantity)
	}
}

// TestPlan_QuantityInvariants 测试数量不变式
// 属性: 止盈数量之和不超过开仓数量，且各档数量为正
func TestPlan_QuantityInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("止盈数量之和不超过开仓数量", prop.ForAll(
		func(entry, sizeUSD float64, tpCount int) bool {
			sig := longSignal()
			sig.EntryPrice = entry
			sig.StopLoss = entry * 0.98
			sig.TakeProfits = nil
			for i := 0; i < tpCount; i++ {
				sig.TakeProfits = append(sig.TakeProfits, entry*(1.01+0.01*float64(i)))
			}

			plan, rej := Plan(testTrade(sig, sizeUSD), testConfig(), 0, nil)
			if rej != nil {
				return rej.Reason == model.RejectBelowMinimum
			}

			if plan.Quantity <= 0 {
				return false
			}
			sum := plan.TPQuantitySum()
			if sum > plan.Quantity+1e-9 {
				return false
			}
			for _, tp := range plan.TakeProfits {
				if tp.Quantity < 0 {
					return false
				}
			}
			return len(plan.TakeProfits) <= 3
		},
		gen.Float64Range(0.01, 100000), // entry
		gen.Float64Range(10, 10000),    // sizeUSD
		gen.IntRange(1, 8),             // tpCount
	))

	properties.TestingRun(t)
}

// TestPlan_Deterministic 测试规划的纯函数性质
// 属性: 同样输入得到同样输出
func TestPlan_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("同输入同输出", prop.ForAll(
		func(entry, sizeUSD float64) bool {
			sig := longSignal()
			sig.EntryPrice = entry
			sig.StopLoss = entry * 0.98
			sig.TakeProfits = []float64{entry * 1.01, entry * 1.02, entry * 1.03}

			p1, r1 := Plan(testTrade(sig, sizeUSD), testConfig(), 0, nil)
			p2, r2 := Plan(testTrade(sig, sizeUSD), testConfig(), 0, nil)

			if (r1 == nil) != (r2 == nil) {
				return false
			}
			if r1 != nil {
				return r1.Reason == r2.Reason
			}
			if p1.Quantity != p2.Quantity || len(p1.TakeProfits) != len(p2.TakeProfits) {
				return false
			}
			for i := range p1.TakeProfits {
				if p1.TakeProfits[i] != p2.TakeProfits[i] {
					return false
				}
			}
			return true
		},
		gen.Float64Range(1, 100000),
		gen.Float64Range(10, 10000),
	))

	properties.TestingRun(t)
}
