// Package model 定义信号执行流水线中使用的核心数据结构。
// 包含候选信号、已验证交易、订单计划、仓位等核心类型。
package model

import (
	"time"
)

// MarketType 市场类型
type MarketType string

const (
	// MarketFutures USDT 本位合约
	MarketFutures MarketType = "futures"
	// MarketSpot 现货
	MarketSpot MarketType = "spot"
)

// Side 交易方向
type Side string

const (
	// SideLong 多头方向
	SideLong Side = "long"
	// SideShort 空头方向
	SideShort Side = "short"
)

// Opposite 获取平仓方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Direction 获取方向系数
// 多头返回 1，空头返回 -1
func (s Side) Direction() float64 {
	if s == SideLong {
		return 1
	}
	return -1
}

// CandidateSignal AI 抽取得到的候选信号
// 由外部抽取协作方产出，产出后不可变更。
type CandidateSignal struct {
	// Symbol 交易对，如 BTCUSDT
	Symbol string `json:"symbol"`
	// Side 交易方向: long 或 short
	Side Side `json:"side"`
	// Market 市场类型: futures 或 spot
	Market MarketType `json:"market"`
	// EntryPrice 入场价格
	// 为 0 表示信号只给出 "市价入场" 提示（将被验证器拒绝）
	EntryPrice float64 `json:"entry_price"`
	// MarketEntry 信号是否只提示市价入场（无明确入场价）
	MarketEntry bool `json:"market_entry,omitempty"`
	// StopLoss 止损价格
	StopLoss float64 `json:"stop_loss"`
	// TakeProfits 止盈价格列表（按目标顺序）
	TakeProfits []float64 `json:"take_profits"`
	// Leverage 信号提示的杠杆倍数（0 表示未提示）
	Leverage int `json:"leverage,omitempty"`
	// Confidence AI 抽取置信度（0.0-1.0）
	Confidence float64 `json:"confidence"`
	// SourceID 来源消息标识
	SourceID string `json:"source_id"`
	// ArrivedAt 信号到达时间
	ArrivedAt time.Time `json:"arrived_at"`
}

// NearestTP 获取盈利侧距入场价最近的止盈目标
// 列表顺序不可信，亏损侧档位直接忽略；若无盈利侧止盈目标返回 0。
func (c *CandidateSignal) NearestTP() float64 {
	best := 0.0
	bestDist := 0.0
	for _, tp := range c.TakeProfits {
		if tp <= 0 {
			continue
		}
		if c.Side == SideLong && tp <= c.EntryPrice {
			continue
		}
		if c.Side == SideShort && tp >= c.EntryPrice {
			continue
		}
		dist := tp - c.EntryPrice
		if dist < 0 {
			dist = -dist
		}
		if best == 0 || dist < bestDist {
			best = tp
			bestDist = dist
		}
	}
	return best
}

// RejectReason 信号拒绝原因码
type RejectReason string

const (
	// RejectTradingHalted 交易开关已关闭（含日内亏损熔断）
	RejectTradingHalted RejectReason = "trading_halted"
	// RejectBlacklisted 交易对在黑名单中
	RejectBlacklisted RejectReason = "blacklisted"
	// RejectLowConfidence AI 置信度低于阈值
	RejectLowConfidence RejectReason = "low_confidence"
	// RejectMarketEntry 信号只提示市价入场（入场必须为限价单）
	RejectMarketEntry RejectReason = "market_entry_rejected"
	// RejectInvalidStopLoss 止损缺失或位于入场价错误一侧
	RejectInvalidStopLoss RejectReason = "invalid_stop_loss"
	// RejectRiskReward 盈亏比超限或无效
	RejectRiskReward RejectReason = "risk_reward_exceeded"
	// RejectDuplicatePosition 同 (symbol, market) 已有持仓
	RejectDuplicatePosition RejectReason = "duplicate_position"
	// RejectMaxPositions 该市场类型持仓数已达上限
	RejectMaxPositions RejectReason = "max_positions_reached"
	// RejectDuplicateSignal 指纹在 TTL 内重复（消息重投递）
	RejectDuplicateSignal RejectReason = "duplicate_signal"
	// RejectSpotUnsupported 当前模式不支持现货交易
	RejectSpotUnsupported RejectReason = "spot_unsupported"
	// RejectInvalidTakeProfit 有效止盈档位不足一档
	RejectInvalidTakeProfit RejectReason = "invalid_take_profit"
	// RejectEntryUnavailable 市场价已越过入场价（超出容忍度），不追价
	RejectEntryUnavailable RejectReason = "entry_unavailable"
	// RejectBelowMinimum 订单规模低于交易所最小限制
	RejectBelowMinimum RejectReason = "below_minimum"
)

// Rejection 信号拒绝结果
// 属于策略层面的预期结果：记录并通知，不重试。
type Rejection struct {
	// Reason 拒绝原因码
	Reason RejectReason
	// Detail 补充说明（用于日志与通知）
	Detail string
	// Signal 被拒绝的候选信号
	Signal *CandidateSignal
}

// Error 实现 error 接口
func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Detail
}
