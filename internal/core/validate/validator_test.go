// Package validate 验证链测试
package validate

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/risk"
)

// fakeIndex 仓位占用索引桩
type fakeIndex struct {
	occupied map[model.PositionKey]bool
}

func (f *fakeIndex) Has(key model.PositionKey) bool {
	return f.occupied[key]
}

type fixture struct {
	validator *Validator
	cfg       *config.Config
	riskState *risk.State
	cache     *risk.SignalCache
	index     *fakeIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{Mode: "live"}
	cfg.Exchange.APIKey = "k"
	cfg.Exchange.APISecret = "s"

	store := config.NewStaticStore(cfg)
	riskState := risk.NewState(true)
	cache := risk.NewSignalCache(5 * time.Minute)
	index := &fakeIndex{occupied: make(map[model.PositionKey]bool)}

	return &fixture{
		validator: New(store, riskState, cache, index, zap.NewNop()),
		cfg:       cfg,
		riskState: riskState,
		cache:     cache,
		index:     index,
	}
}

func baseSignal() *model.CandidateSignal {
	return &model.CandidateSignal{
		Symbol:      "BTCUSDT",
		Side:        model.SideLong,
		Market:      model.MarketFutures,
		EntryPrice:  50000,
		StopLoss:    49000,
		TakeProfits: []float64{50500, 51000, 51500, 52000, 52500},
		Leverage:    10,
		Confidence:  0.9,
		SourceID:    "msg-1",
		ArrivedAt:   time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidator_AcceptsCleanSignal(t *testing.T) {
	f := newFixture(t)

	trade, rej := f.validator.Validate(baseSignal())
	if rej != nil {
		t.Fatalf("期望通过但被拒绝: %v", rej)
	}
	if trade.ID == "" {
		t.Errorf("缺少交易标识")
	}
	// RR = |50500-50000| / |50000-49000| = 0.5
	if diff := trade.RiskReward - 0.5; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("RiskReward=%f, want 0.5", trade.RiskReward)
	}
	// 配置未覆盖杠杆时采用信号提示
	if trade.Leverage != 10 {
		t.Errorf("Leverage=%d, want 10", trade.Leverage)
	}
	// 合约默认规模
	if trade.SizeUSD != 150 {
		t.Errorf("SizeUSD=%f, want 150", trade.SizeUSD)
	}
}

func TestValidator_RiskRewardUsesProfitSideTP(t *testing.T) {
	f := newFixture(t)

	// 列表首位在亏损侧时，盈亏比必须以盈利侧最近的档位计算
	sig := baseSignal()
	sig.TakeProfits = []float64{49500, 51000, 52000}

	trade, rej := f.validator.Validate(sig)
	if rej != nil {
		t.Fatalf("期望通过但被拒绝: %v", rej)
	}
	// RR = |51000-50000| / |50000-49000| = 1.0
	if diff := trade.RiskReward - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("RiskReward=%f, want 1.0", trade.RiskReward)
	}
}

func TestValidator_RejectReasons(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		mutate     func(sig *model.CandidateSignal)
		wantReason model.RejectReason
	}{
		{
			name:       "交易开关关闭",
			setup:      func(f *fixture) { f.riskState.SetTradingEnabled(false) },
			mutate:     func(sig *model.CandidateSignal) {},
			wantReason: model.RejectTradingHalted,
		},
		{
			name:       "黑名单交易对",
			setup:      func(f *fixture) { f.cfg.Trading.Blacklist = []string{"BTCUSDT"} },
			mutate:     func(sig *model.CandidateSignal) {},
			wantReason: model.RejectBlacklisted,
		},
		{
			name:       "置信度不足",
			setup:      func(f *fixture) {},
			mutate:     func(sig *model.CandidateSignal) { sig.Confidence = 0.5 },
			wantReason: model.RejectLowConfidence,
		},
		{
			name:       "市价入场提示",
			setup:      func(f *fixture) {},
			mutate: func(sig *model.CandidateSignal) {
				sig.MarketEntry = true
				sig.EntryPrice = 0
			},
			wantReason: model.RejectMarketEntry,
		},
		{
			name:       "多头止损在入场价上方",
			setup:      func(f *fixture) {},
			mutate:     func(sig *model.CandidateSignal) { sig.StopLoss = 50500 },
			wantReason: model.RejectInvalidStopLoss,
		},
		{
			name:       "缺少止损",
			setup:      func(f *fixture) {},
			mutate:     func(sig *model.CandidateSignal) { sig.StopLoss = 0 },
			wantReason: model.RejectInvalidStopLoss,
		},
		{
			name:  "止盈全在亏损侧",
			setup: func(f *fixture) {},
			mutate: func(sig *model.CandidateSignal) {
				sig.TakeProfits = []float64{49500, 49800}
			},
			wantReason: model.RejectInvalidTakeProfit,
		},
		{
			name:  "盈亏比超限",
			setup: func(f *fixture) {},
			mutate: func(sig *model.CandidateSignal) {
				// RR = 5000/1000 = 5 > 3
				sig.TakeProfits = []float64{55000}
			},
			wantReason: model.RejectRiskReward,
		},
		{
			name: "同键已有持仓",
			setup: func(f *fixture) {
				f.index.occupied[model.PositionKey{Symbol: "BTCUSDT", Market: model.MarketFutures}] = true
			},
			mutate:     func(sig *model.CandidateSignal) {},
			wantReason: model.RejectDuplicatePosition,
		},
		{
			name: "合约持仓数达上限",
			setup: func(f *fixture) {
				f.riskState.IncOpen(model.MarketFutures)
				f.riskState.IncOpen(model.MarketFutures)
			},
			mutate:     func(sig *model.CandidateSignal) {},
			wantReason: model.RejectMaxPositions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			sig := baseSignal()
			tt.mutate(sig)

			trade, rej := f.validator.Validate(sig)
			if trade != nil {
				t.Fatalf("期望拒绝但通过了: %+v", trade)
			}
			if rej.Reason != tt.wantReason {
				t.Errorf("Reason=%s, want %s", rej.Reason, tt.wantReason)
			}
		})
	}
}

func TestValidator_SpotUnsupportedInDemoMode(t *testing.T) {
	f := newFixture(t)
	cfg := &config.Config{Mode: "demo"}
	f2 := newFixture(t)
	f2.validator = New(config.NewStaticStore(cfg), f.riskState, f.cache, f.index, zap.NewNop())

	sig := baseSignal()
	sig.Market = model.MarketSpot

	_, rej := f2.validator.Validate(sig)
	if rej == nil || rej.Reason != model.RejectSpotUnsupported {
		t.Fatalf("期望 spot_unsupported, got %v", rej)
	}
}

func TestValidator_DuplicateFingerprint(t *testing.T) {
	f := newFixture(t)

	first, rej := f.validator.Validate(baseSignal())
	if rej != nil {
		t.Fatalf("首条信号应通过: %v", rej)
	}
	if first == nil {
		t.Fatalf("首条信号缺少交易对象")
	}

	// 相同内容、同一分钟桶内的重投递
	dup := baseSignal()
	dup.ArrivedAt = dup.ArrivedAt.Add(10 * time.Second)
	_, rej = f.validator.Validate(dup)
	if rej == nil || rej.Reason != model.RejectDuplicateSignal {
		t.Fatalf("期望 duplicate_signal, got %v", rej)
	}
}

func TestValidator_RejectedSignalDoesNotBurnFingerprint(t *testing.T) {
	f := newFixture(t)

	// 先以低置信度被拒
	low := baseSignal()
	low.Confidence = 0.1
	_, rej := f.validator.Validate(low)
	if rej == nil || rej.Reason != model.RejectLowConfidence {
		t.Fatalf("期望 low_confidence, got %v", rej)
	}

	// 同指纹的合格信号仍应通过：指纹只在接受时写入
	trade, rej := f.validator.Validate(baseSignal())
	if rej != nil {
		t.Fatalf("期望通过但被拒绝: %v", rej)
	}
	if trade == nil {
		t.Fatalf("缺少交易对象")
	}
}

func TestValidator_LeverageResolution(t *testing.T) {
	tests := []struct {
		name         string
		configLev    int
		signalLev    int
		market       model.MarketType
		wantLeverage int
	}{
		{"配置覆盖优先", 20, 10, model.MarketFutures, 20},
		{"信号提示次之", 0, 10, model.MarketFutures, 10},
		{"都缺省为 1", 0, 0, model.MarketFutures, 1},
		{"现货恒为 1", 20, 10, model.MarketSpot, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Trading.Leverage = tt.configLev

			sig := baseSignal()
			sig.Leverage = tt.signalLev
			sig.Market = tt.market

			trade, rej := f.validator.Validate(sig)
			if rej != nil {
				t.Fatalf("期望通过但被拒绝: %v", rej)
			}
			if trade.Leverage != tt.wantLeverage {
				t.Errorf("Leverage=%d, want %d", trade.Leverage, tt.wantLeverage)
			}
		})
	}
}

// TestValidator_MarketEntryNeverAccepted 测试市价入场信号永不通过
// 属性: 无论其它字段如何，MarketEntry 或入场价缺失的信号必被拒绝
func TestValidator_MarketEntryNeverAccepted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("市价入场信号必被拒绝", prop.ForAll(
		func(entry, sl float64, confidence float64, marketFlag bool) bool {
			f := newFixture(t)

			sig := baseSignal()
			sig.Confidence = confidence
			sig.StopLoss = sl
			if marketFlag {
				sig.MarketEntry = true
				sig.EntryPrice = entry
			} else {
				sig.EntryPrice = 0
			}

			trade, rej := f.validator.Validate(sig)
			return trade == nil && rej != nil
		},
		gen.Float64Range(0, 100000),  // entry
		gen.Float64Range(1, 100000),  // sl
		gen.Float64Range(0.7, 1.0),   // confidence（保证不被置信度检查先拦截也无妨）
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestValidator_AcceptedImpliesInvariants 测试通过信号的结构不变式
// 属性: 任何通过验证的交易，其 RR 为正且不超上限，杠杆至少为 1
func TestValidator_AcceptedImpliesInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("通过即满足结构不变式", prop.ForAll(
		func(entry float64, slOffsetPct, tpOffsetPct float64, lev int) bool {
			f := newFixture(t)

			sig := baseSignal()
			sig.EntryPrice = entry
			sig.StopLoss = entry * (1 - slOffsetPct/100)
			sig.TakeProfits = []float64{entry * (1 + tpOffsetPct/100)}
			sig.Leverage = lev

			trade, rej := f.validator.Validate(sig)
			if rej != nil {
				// 被拒绝不违反本属性
				return true
			}
			if trade.RiskReward <= 0 || trade.RiskReward > f.cfg.Trading.MaxRiskReward {
				return false
			}
			return trade.Leverage >= 1
		},
		gen.Float64Range(100, 100000), // entry
		gen.Float64Range(0.5, 20),     // sl 距离百分比
		gen.Float64Range(0.5, 80),     // tp 距离百分比
		gen.IntRange(0, 50),           // leverage
	))

	properties.TestingRun(t)
}
