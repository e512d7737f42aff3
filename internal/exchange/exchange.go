// Package exchange 定义交易所能力接口与类型化错误。
// 核心流水线只依赖本接口：下单、撤单、设杠杆、查仓位/订单/余额。
// 具体实现: binance（实盘）、sim（demo 模式与测试）。
package exchange

import (
	"context"
	"errors"

	"signal-copy-trader/internal/core/model"
)

// 交易所错误分类
// 执行引擎按类别映射到自身的状态转移：瞬时错误有界重试，拒单直接终止。
var (
	// ErrRateLimited 触发交易所限频
	ErrRateLimited = errors.New("交易所限频")
	// ErrNetwork 网络/传输层错误
	ErrNetwork = errors.New("网络错误")
	// ErrRejected 订单被交易所拒绝（交易对停牌、参数非法等）
	ErrRejected = errors.New("订单被拒绝")
	// ErrInsufficientFunds 保证金/余额不足
	ErrInsufficientFunds = errors.New("余额不足")
	// ErrOrderNotFound 订单不存在（已撤销或从未成功提交）
	ErrOrderNotFound = errors.New("订单不存在")
)

// IsTransient 判断错误是否为可重试的瞬时错误
// 仅限频与网络错误可重试；拒单与余额不足为终止性错误。
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// OrderSide 订单买卖方向
type OrderSide string

const (
	// Buy 买入
	Buy OrderSide = "buy"
	// Sell 卖出
	Sell OrderSide = "sell"
)

// EntrySide 根据持仓方向获取入场订单方向
func EntrySide(side model.Side) OrderSide {
	if side == model.SideLong {
		return Buy
	}
	return Sell
}

// CloseSide 根据持仓方向获取平仓订单方向
func CloseSide(side model.Side) OrderSide {
	if side == model.SideLong {
		return Sell
	}
	return Buy
}

// OrderStatus 订单状态
type OrderStatus string

const (
	// StatusNew 已挂出未成交
	StatusNew OrderStatus = "new"
	// StatusPartiallyFilled 部分成交
	StatusPartiallyFilled OrderStatus = "partially_filled"
	// StatusFilled 全部成交
	StatusFilled OrderStatus = "filled"
	// StatusCanceled 已撤销
	StatusCanceled OrderStatus = "canceled"
	// StatusExpired 已过期
	StatusExpired OrderStatus = "expired"
	// StatusRejected 被拒绝
	StatusRejected OrderStatus = "rejected"
)

// Done 判断订单是否处于终态
func (s OrderStatus) Done() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusExpired || s == StatusRejected
}

// Order 订单视图
type Order struct {
	// ID 订单标识
	ID string
	// Symbol 交易对
	Symbol string
	// Market 市场类型
	Market model.MarketType
	// Side 买卖方向
	Side OrderSide
	// Status 订单状态
	Status OrderStatus
	// Price 委托价格
	Price float64
	// Quantity 委托数量
	Quantity float64
	// ExecutedQty 已成交数量
	ExecutedQty float64
	// AvgPrice 成交均价
	AvgPrice float64
}

// PositionInfo 交易所侧仓位视图（对账输入）
type PositionInfo struct {
	// Symbol 交易对
	Symbol string
	// Market 市场类型
	Market model.MarketType
	// Side 持仓方向
	Side model.Side
	// Quantity 持仓数量
	Quantity float64
	// EntryPrice 开仓均价
	EntryPrice float64
	// MarkPrice 标记价格
	MarkPrice float64
	// UnrealizedPnL 未实现盈亏
	UnrealizedPnL float64
}

// Balance 账户余额视图
type Balance struct {
	// Asset 计价资产
	Asset string
	// Total 总额
	Total float64
	// Available 可用额
	Available float64
}

// SymbolLimits 交易对最小下单限制
type SymbolLimits struct {
	// MinQty 最小下单数量
	MinQty float64
	// MinNotional 最小名义价值
	MinNotional float64
}

// Exchange 交易所能力接口
// 所有方法都可能返回上述类型化错误；调用方负责限频与重试策略。
type Exchange interface {
	// PlaceLimitOrder 挂限价单
	PlaceLimitOrder(ctx context.Context, symbol string, market model.MarketType, side OrderSide, qty, price float64) (*Order, error)
	// PlaceStopOrder 挂止损单（触价市价）
	PlaceStopOrder(ctx context.Context, symbol string, market model.MarketType, side OrderSide, qty, stopPrice float64) (*Order, error)
	// PlaceTakeProfitOrder 挂止盈单（触价市价）
	PlaceTakeProfitOrder(ctx context.Context, symbol string, market model.MarketType, side OrderSide, qty, tpPrice float64) (*Order, error)
	// CancelOrder 撤单
	CancelOrder(ctx context.Context, symbol string, market model.MarketType, orderID string) error
	// SetLeverage 设置杠杆（仅 futures）
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// FetchOpenPositions 查询全部未平仓仓位
	FetchOpenPositions(ctx context.Context) ([]PositionInfo, error)
	// FetchOrderStatus 查询订单状态
	FetchOrderStatus(ctx context.Context, symbol string, market model.MarketType, orderID string) (*Order, error)
	// FetchBalance 查询账户余额
	FetchBalance(ctx context.Context) (*Balance, error)
	// FetchSymbolLimits 查询交易对最小下单限制
	FetchSymbolLimits(ctx context.Context, symbol string, market model.MarketType) (*SymbolLimits, error)
	// FetchMarkPrice 查询当前标记/最新价格
	FetchMarkPrice(ctx context.Context, symbol string, market model.MarketType) (float64, error)
}

// FillStream 保护单成交推送
// 实盘来自用户数据流 WebSocket；sim 直接投递。
type FillStream interface {
	// Fills 成交事件输出通道
	Fills() <-chan *model.FillEvent
}
