// Package binance 用户数据流消息解析。
// 只关心 ORDER_TRADE_UPDATE 事件中的实际成交（x=TRADE），
// 其余账户事件全部忽略。
package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/util/fastparse"
)

// OrderTradeUpdate ORDER_TRADE_UPDATE 事件
// 字段名跟随 Binance 官方缩写。
type OrderTradeUpdate struct {
	// EventType 事件类型 (e)
	EventType string `json:"e"`
	// EventTimeMs 事件时间毫秒 (E)
	EventTimeMs int64 `json:"E"`
	// Order 订单明细 (o)
	Order OrderDetail `json:"o"`
}

// OrderDetail 订单明细
type OrderDetail struct {
	// Symbol 交易对 (s)
	Symbol string `json:"s"`
	// OrderID 订单标识 (i)
	OrderID int64 `json:"i"`
	// ExecType 执行类型 (x): NEW, TRADE, CANCELED ...
	ExecType string `json:"x"`
	// Status 订单状态 (X)
	Status string `json:"X"`
	// LastFilledQty 本次成交数量 (l)
	LastFilledQty string `json:"l"`
	// LastFilledPrice 本次成交价格 (L)
	LastFilledPrice string `json:"L"`
	// TradeTimeMs 成交时间毫秒 (T)
	TradeTimeMs int64 `json:"T"`
}

// StreamParser 用户数据流解析器
type StreamParser struct{}

// NewStreamParser 创建用户数据流解析器
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Parse 解析用户数据流消息为 FillEvent
// 参数 data: 原始消息字节
// 返回: 成交事件；非成交消息返回 (nil, nil)。
func (p *StreamParser) Parse(data []byte) (*model.FillEvent, error) {
	var msg OrderTradeUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析用户数据流消息失败: %w", err)
	}

	if msg.EventType != "ORDER_TRADE_UPDATE" {
		return nil, nil
	}
	if msg.Order.ExecType != "TRADE" {
		return nil, nil
	}

	qty, err := fastparse.ParseFloat(msg.Order.LastFilledQty)
	if err != nil {
		return nil, fmt.Errorf("解析成交数量失败 '%s': %w", msg.Order.LastFilledQty, err)
	}
	price, err := fastparse.ParseFloat(msg.Order.LastFilledPrice)
	if err != nil {
		return nil, fmt.Errorf("解析成交价格失败 '%s': %w", msg.Order.LastFilledPrice, err)
	}
	if qty <= 0 {
		return nil, nil
	}

	return &model.FillEvent{
		Symbol:   msg.Order.Symbol,
		Market:   model.MarketFutures,
		OrderID:  fastparse.FormatInt(msg.Order.OrderID),
		Price:    price,
		Quantity: qty,
		Time:     time.UnixMilli(msg.Order.TradeTimeMs),
	}, nil
}
