// Package validate 实现候选信号的风控验证链。
// 检查按固定顺序执行，任一失败立即返回带原因码的拒绝结果；
// 全部通过时产出 ValidatedTrade 并在同一时刻写入信号指纹。
package validate

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/risk"
)

// PositionIndex 仓位占用查询
// 由仓位追踪器实现；验证器只需要判断键是否被占用。
type PositionIndex interface {
	// Has 判断指定键是否存在未平仓仓位
	Has(key model.PositionKey) bool
}

// Validator 信号验证器
// 无自有状态，全部决策依据来自配置快照、风控账本与仓位索引。
type Validator struct {
	// cfg 配置快照容器
	cfg *config.Store
	// riskState 风控账本
	riskState *risk.State
	// cache 信号指纹缓存
	cache *risk.SignalCache
	// positions 仓位占用索引
	positions PositionIndex
	// logger 日志记录器
	logger *zap.Logger
}

// New 创建信号验证器
func New(cfg *config.Store, riskState *risk.State, cache *risk.SignalCache, positions PositionIndex, logger *zap.Logger) *Validator {
	return &Validator{
		cfg:       cfg,
		riskState: riskState,
		cache:     cache,
		positions: positions,
		logger:    logger.Named("validate"),
	}
}

// Validate 验证候选信号
// 检查顺序: 交易开关 -> 黑名单 -> 置信度 -> 市价入场 -> 现货支持
// -> 止损有效性 -> 止盈有效性 -> 盈亏比 -> 仓位重复 -> 持仓上限 -> 信号指纹。
// 指纹写入发生在全部检查通过的接受时刻，保证重复信号至多一条通过。
// 返回: 验证通过的交易，或带原因码的拒绝结果（二者必有其一）。
func (v *Validator) Validate(sig *model.CandidateSignal) (*model.ValidatedTrade, *model.Rejection) {
	cfg := v.cfg.Current()

	if !v.riskState.TradingEnabled() {
		detail := "交易开关已关闭"
		if v.riskState.HaltedByLoss() {
			detail = fmt.Sprintf("日内亏损熔断中 (当前 %.2f USDT)", v.riskState.DailyPnL())
		}
		return nil, v.reject(sig, model.RejectTradingHalted, detail)
	}

	if cfg.IsBlacklisted(sig.Symbol) {
		return nil, v.reject(sig, model.RejectBlacklisted, "交易对在黑名单中")
	}

	if sig.Confidence < cfg.Trading.MinConfidence {
		return nil, v.reject(sig, model.RejectLowConfidence,
			fmt.Sprintf("置信度 %.2f 低于阈值 %.2f", sig.Confidence, cfg.Trading.MinConfidence))
	}

	// 入场必须为限价单；只提示市价入场的信号无法限定成本
	if sig.MarketEntry || sig.EntryPrice <= 0 {
		return nil, v.reject(sig, model.RejectMarketEntry, "信号未给出明确入场价")
	}

	if sig.Market == model.MarketSpot && !cfg.SpotSupported() {
		return nil, v.reject(sig, model.RejectSpotUnsupported, "当前模式不支持现货")
	}

	if err := v.checkStopLoss(sig); err != nil {
		return nil, err
	}

	if err := v.checkTakeProfits(sig); err != nil {
		return nil, err
	}

	rr, rej := v.checkRiskReward(sig, cfg)
	if rej != nil {
		return nil, rej
	}

	key := model.PositionKey{Symbol: sig.Symbol, Market: sig.Market}
	if v.positions.Has(key) {
		return nil, v.reject(sig, model.RejectDuplicatePosition, "同交易对同市场已有持仓")
	}

	maxPositions := cfg.Trading.MaxSpotPositions
	if sig.Market == model.MarketFutures {
		maxPositions = cfg.Trading.MaxFuturesPositions
	}
	if open := v.riskState.OpenCount(sig.Market); open >= maxPositions {
		return nil, v.reject(sig, model.RejectMaxPositions,
			fmt.Sprintf("%s 持仓数 %d 已达上限 %d", sig.Market, open, maxPositions))
	}

	// 最后一道检查兼指纹写入；放在末位避免被拒信号占用指纹
	if v.cache.CheckAndInsert(risk.Fingerprint(sig)) {
		return nil, v.reject(sig, model.RejectDuplicateSignal, "指纹在 TTL 窗口内重复")
	}

	trade := &model.ValidatedTrade{
		ID:         uuid.NewString(),
		Signal:     sig,
		RiskReward: rr,
		Leverage:   resolveLeverage(cfg, sig),
		SizeUSD:    cfg.PositionSizeUSD(sig.Market == model.MarketFutures),
	}

	v.logger.Info("信号验证通过",
		zap.String("trade_id", trade.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.Float64("rr", rr),
		zap.Int("leverage", trade.Leverage),
		zap.Float64("size_usd", trade.SizeUSD))
	return trade, nil
}

// checkStopLoss 校验止损价必须位于入场价的亏损侧
// 多头: SL < entry；空头: SL > entry。
func (v *Validator) checkStopLoss(sig *model.CandidateSignal) *model.Rejection {
	if sig.StopLoss <= 0 {
		return v.reject(sig, model.RejectInvalidStopLoss, "缺少止损价")
	}
	if sig.Side == model.SideLong && sig.StopLoss >= sig.EntryPrice {
		return v.reject(sig, model.RejectInvalidStopLoss,
			fmt.Sprintf("多头止损 %.8g 必须低于入场价 %.8g", sig.StopLoss, sig.EntryPrice))
	}
	if sig.Side == model.SideShort && sig.StopLoss <= sig.EntryPrice {
		return v.reject(sig, model.RejectInvalidStopLoss,
			fmt.Sprintf("空头止损 %.8g 必须高于入场价 %.8g", sig.StopLoss, sig.EntryPrice))
	}
	return nil
}

// checkTakeProfits 校验至少存在一个位于盈利侧的止盈目标
func (v *Validator) checkTakeProfits(sig *model.CandidateSignal) *model.Rejection {
	for _, tp := range sig.TakeProfits {
		if sig.Side == model.SideLong && tp > sig.EntryPrice {
			return nil
		}
		if sig.Side == model.SideShort && tp > 0 && tp < sig.EntryPrice {
			return nil
		}
	}
	return v.reject(sig, model.RejectInvalidTakeProfit, "没有位于盈利侧的止盈目标")
}

// checkRiskReward 计算并校验盈亏比
// RR = |盈利侧最近 TP - 入场| / |入场 - 止损|，必须为正且不超过配置上限。
// 盈亏比过高通常意味着止损贴得异常近，视为抽取噪声。
func (v *Validator) checkRiskReward(sig *model.CandidateSignal, cfg *config.Config) (float64, *model.Rejection) {
	riskDist := sig.EntryPrice - sig.StopLoss
	if riskDist < 0 {
		riskDist = -riskDist
	}
	nearest := sig.NearestTP()
	if nearest == 0 {
		return 0, v.reject(sig, model.RejectRiskReward, "没有位于盈利侧的止盈目标")
	}
	rewardDist := nearest - sig.EntryPrice
	if rewardDist < 0 {
		rewardDist = -rewardDist
	}
	if riskDist == 0 {
		return 0, v.reject(sig, model.RejectRiskReward, "止损与入场价重合")
	}

	rr := rewardDist / riskDist
	if rr <= 0 {
		return 0, v.reject(sig, model.RejectRiskReward, "盈亏比无效")
	}
	if rr > cfg.Trading.MaxRiskReward {
		return 0, v.reject(sig, model.RejectRiskReward,
			fmt.Sprintf("盈亏比 %.2f 超过上限 %.2f", rr, cfg.Trading.MaxRiskReward))
	}
	return rr, nil
}

// reject 构造拒绝结果并记录日志
func (v *Validator) reject(sig *model.CandidateSignal, reason model.RejectReason, detail string) *model.Rejection {
	v.logger.Info("信号被拒绝",
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))
	return &model.Rejection{Reason: reason, Detail: detail, Signal: sig}
}

// resolveLeverage 解析实际使用的杠杆
// 优先级: 配置覆盖 > 信号提示 > 默认 1；spot 恒为 1。
func resolveLeverage(cfg *config.Config, sig *model.CandidateSignal) int {
	if sig.Market == model.MarketSpot {
		return 1
	}
	if cfg.Trading.Leverage > 0 {
		return cfg.Trading.Leverage
	}
	if sig.Leverage > 0 {
		return sig.Leverage
	}
	return 1
}
