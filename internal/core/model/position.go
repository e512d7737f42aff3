// Package model 定义信号执行流水线中使用的核心数据结构。
package model

import (
	"time"
)

// CloseReason 平仓原因
type CloseReason string

const (
	// CloseStopLoss 止损触发
	CloseStopLoss CloseReason = "stop_loss"
	// CloseTakeProfit 止盈阶梯全部成交
	CloseTakeProfit CloseReason = "take_profit"
	// CloseExternal 交易所侧已不存在（外部/手动平仓）
	CloseExternal CloseReason = "external"
	// CloseManual 通过指令主动平仓
	CloseManual CloseReason = "manual"
)

// Position 持仓
// 由 Position Tracker 独占持有；入场单确认成交时创建，数量归零或外部平仓时销毁。
// 不变式：同一 (symbol, market) 至多一个未平仓 Position。
type Position struct {
	// ID 仓位唯一标识
	ID string `json:"id"`
	// Symbol 交易对
	Symbol string `json:"symbol"`
	// Market 市场类型
	Market MarketType `json:"market"`
	// Side 交易方向
	Side Side `json:"side"`
	// EntryPrice 实际入场均价
	EntryPrice float64 `json:"entry_price"`
	// Quantity 当前剩余数量（基础资产）
	Quantity float64 `json:"quantity"`
	// InitialQuantity 开仓数量
	InitialQuantity float64 `json:"initial_quantity"`
	// Leverage 杠杆倍数（spot 为 1）
	Leverage int `json:"leverage"`
	// StopLossOrderID 止损单标识
	StopLossOrderID string `json:"stop_loss_order_id,omitempty"`
	// TakeProfitOrderIDs 止盈单标识列表
	TakeProfitOrderIDs []string `json:"take_profit_order_ids,omitempty"`
	// StopLoss 止损触发价
	StopLoss float64 `json:"stop_loss"`
	// TakeProfits 规划的止盈档位价格
	TakeProfits []float64 `json:"take_profits,omitempty"`
	// OpenedAt 开仓时间
	OpenedAt time.Time `json:"opened_at"`
	// SignalID 来源信号标识
	SignalID string `json:"signal_id"`
	// Confirmed 交易所侧已确认出现过该仓位
	// 未确认且交易所查无此仓时按挂单撤销清理，不产生 PnL 记录。
	Confirmed bool `json:"confirmed"`
	// RealizedPnL 已实现盈亏累计（计价货币）
	RealizedPnL float64 `json:"realized_pnl"`
	// LastMarkPrice 最近一次对账观察到的标记价格
	LastMarkPrice float64 `json:"last_mark_price,omitempty"`
	// SLHit 止损是否已触发
	SLHit bool `json:"sl_hit,omitempty"`
	// TPHits 已触发的止盈档位序号（从 1 开始）
	TPHits []int `json:"tp_hits,omitempty"`
	// NeedsAttention 保护单挂失败、等待人工处理
	// 置位后引擎停止对该仓位的自动动作。
	NeedsAttention bool `json:"needs_attention,omitempty"`
}

// Key 获取仓位去重键
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Market: p.Market}
}

// Closed 判断仓位是否已平完
func (p *Position) Closed() bool {
	return p.Quantity <= 0
}

// PositionKey 仓位去重键：同键至多一个未平仓仓位
type PositionKey struct {
	// Symbol 交易对
	Symbol string
	// Market 市场类型
	Market MarketType
}

// FillEvent 保护单成交事件
// 来自交易所成交推送或轮询，驱动仓位数量递减。
type FillEvent struct {
	// Symbol 交易对
	Symbol string
	// Market 市场类型
	Market MarketType
	// OrderID 成交订单标识
	OrderID string
	// Price 成交价格
	Price float64
	// Quantity 本次成交数量
	Quantity float64
	// Time 成交时间
	Time time.Time
}

// TradeRecord 已完结交易记录（写入历史与流水）
type TradeRecord struct {
	// Symbol 交易对
	Symbol string `json:"symbol"`
	// Side 交易方向
	Side string `json:"side"`
	// Market 市场类型
	Market string `json:"market"`
	// EntryPrice 入场均价
	EntryPrice float64 `json:"entry_price"`
	// Quantity 开仓数量
	Quantity float64 `json:"quantity"`
	// Leverage 杠杆倍数
	Leverage int `json:"leverage"`
	// PnL 已实现盈亏（计价货币）
	PnL float64 `json:"pnl"`
	// Reason 平仓原因
	Reason string `json:"reason"`
	// HoldHours 持仓时长（小时）
	HoldHours float64 `json:"hold_hours"`
	// SignalID 来源信号标识
	SignalID string `json:"signal_id"`
	// OpenedAt 开仓时间
	OpenedAt time.Time `json:"opened_at"`
	// ClosedAt 平仓时间
	ClosedAt time.Time `json:"closed_at"`
}
