// Package sim 提供内存交易所实现。
// demo 模式与测试共用: 入场限价单可配置为立即成交，
// 保护单留在订单簿中等待 Trigger 触发并推送成交事件。
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/exchange"
)

// Sim 内存交易所
// 线程安全；实现 exchange.Exchange 与 exchange.FillStream。
type Sim struct {
	mu sync.Mutex

	// seq 订单号序列
	seq int
	// orders 订单簿
	orders map[string]*exchange.Order
	// positions 交易所侧仓位视图
	positions map[model.PositionKey]*exchange.PositionInfo
	// leverages 已设置的杠杆
	leverages map[string]int
	// marks 标记价格
	marks map[string]float64
	// limits 交易对下单限制
	limits map[string]exchange.SymbolLimits
	// balance 账户余额
	balance exchange.Balance

	// fills 成交推送通道
	fills chan *model.FillEvent

	// AutoFillEntry 限价单提交后立即按委托价全部成交
	AutoFillEntry bool

	// 故障注入钩子（测试用，返回非 nil 即替代真实行为）
	// PlaceLimitHook 限价单钩子
	PlaceLimitHook func() error
	// PlaceStopHook 止损单钩子
	PlaceStopHook func() error
	// PlaceTPHook 止盈单钩子
	PlaceTPHook func() error
	// LeverageHook 设杠杆钩子
	LeverageHook func() error
	// CancelHook 撤单钩子
	CancelHook func() error
}

// New 创建内存交易所
func New() *Sim {
	return &Sim{
		orders:    make(map[string]*exchange.Order),
		positions: make(map[model.PositionKey]*exchange.PositionInfo),
		leverages: make(map[string]int),
		marks:     make(map[string]float64),
		limits:    make(map[string]exchange.SymbolLimits),
		balance:   exchange.Balance{Asset: "USDT", Total: 10000, Available: 10000},
		fills:     make(chan *model.FillEvent, 64),
	}
}

// Fills 成交事件输出通道
func (s *Sim) Fills() <-chan *model.FillEvent {
	return s.fills
}

// SetMarkPrice 设置标记价格
func (s *Sim) SetMarkPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
}

// SetLimits 设置交易对下单限制
func (s *Sim) SetLimits(symbol string, limits exchange.SymbolLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[symbol] = limits
}

// Leverage 获取已设置的杠杆（测试断言用）
func (s *Sim) Leverage(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leverages[symbol]
}

// Order 获取订单拷贝（测试断言用）
func (s *Sim) Order(id string) (exchange.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return exchange.Order{}, false
	}
	return *o, true
}

// OpenOrders 获取指定交易对的非终态订单数（测试断言用）
func (s *Sim) OpenOrders(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.Status.Done() {
			n++
		}
	}
	return n
}

// PlaceLimitOrder 挂限价单
func (s *Sim) PlaceLimitOrder(ctx context.Context, symbol string, market model.MarketType, side exchange.OrderSide, qty, price float64) (*exchange.Order, error) {
	if s.PlaceLimitHook != nil {
		if err := s.PlaceLimitHook(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.newOrderLocked(symbol, market, side, qty, price)
	if s.AutoFillEntry {
		order.Status = exchange.StatusFilled
		order.ExecutedQty = qty
		order.AvgPrice = price
		s.applyEntryLocked(symbol, market, side, qty, price)
	}
	cp := *order
	return &cp, nil
}

// PlaceStopOrder 挂止损单
func (s *Sim) PlaceStopOrder(ctx context.Context, symbol string, market model.MarketType, side exchange.OrderSide, qty, stopPrice float64) (*exchange.Order, error) {
	if s.PlaceStopHook != nil {
		if err := s.PlaceStopHook(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.newOrderLocked(symbol, market, side, qty, stopPrice)
	return &cp, nil
}

// PlaceTakeProfitOrder 挂止盈单
func (s *Sim) PlaceTakeProfitOrder(ctx context.Context, symbol string, market model.MarketType, side exchange.OrderSide, qty, tpPrice float64) (*exchange.Order, error) {
	if s.PlaceTPHook != nil {
		if err := s.PlaceTPHook(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.newOrderLocked(symbol, market, side, qty, tpPrice)
	return &cp, nil
}

// CancelOrder 撤单
func (s *Sim) CancelOrder(ctx context.Context, symbol string, market model.MarketType, orderID string) error {
	if s.CancelHook != nil {
		if err := s.CancelHook(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return exchange.ErrOrderNotFound
	}
	if order.Status.Done() {
		return nil
	}
	order.Status = exchange.StatusCanceled
	return nil
}

// SetLeverage 设置杠杆
func (s *Sim) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if s.LeverageHook != nil {
		if err := s.LeverageHook(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverages[symbol] = leverage
	return nil
}

// FetchOpenPositions 查询全部未平仓仓位
func (s *Sim) FetchOpenPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]exchange.PositionInfo, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		if mark, ok := s.marks[p.Symbol]; ok {
			cp.MarkPrice = mark
		}
		out = append(out, cp)
	}
	return out, nil
}

// FetchOrderStatus 查询订单状态
func (s *Sim) FetchOrderStatus(ctx context.Context, symbol string, market model.MarketType, orderID string) (*exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// FetchBalance 查询账户余额
func (s *Sim) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.balance
	return &cp, nil
}

// FetchSymbolLimits 查询交易对下单限制
func (s *Sim) FetchSymbolLimits(ctx context.Context, symbol string, market model.MarketType) (*exchange.SymbolLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits, ok := s.limits[symbol]
	if !ok {
		return &exchange.SymbolLimits{}, nil
	}
	cp := limits
	return &cp, nil
}

// FetchMarkPrice 查询标记价格
// 未设置时返回 0（调用方按不可得处理）。
func (s *Sim) FetchMarkPrice(ctx context.Context, symbol string, market model.MarketType) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[symbol], nil
}

// Trigger 触发订单成交并推送成交事件（测试/demo 驱动）
// 按成交数量递减交易所侧仓位；仓位归零时从视图移除。
func (s *Sim) Trigger(orderID string, price, qty float64) error {
	s.mu.Lock()

	order, ok := s.orders[orderID]
	if !ok || order.Status.Done() {
		s.mu.Unlock()
		return exchange.ErrOrderNotFound
	}

	if qty <= 0 || qty >= order.Quantity {
		qty = order.Quantity
		order.Status = exchange.StatusFilled
	} else {
		order.Status = exchange.StatusPartiallyFilled
	}
	if price <= 0 {
		price = order.Price
	}
	order.ExecutedQty += qty
	order.AvgPrice = price

	key := model.PositionKey{Symbol: order.Symbol, Market: order.Market}
	if pos, ok := s.positions[key]; ok {
		pos.Quantity -= qty
		if pos.Quantity <= 0 {
			delete(s.positions, key)
		}
	}

	ev := &model.FillEvent{
		Symbol:   order.Symbol,
		Market:   order.Market,
		OrderID:  order.ID,
		Price:    price,
		Quantity: qty,
		Time:     time.Now(),
	}
	s.mu.Unlock()

	s.fills <- ev
	return nil
}

// RemovePosition 从交易所视图中移除仓位（模拟外部手动平仓）
func (s *Sim) RemovePosition(key model.PositionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, key)
}

// newOrderLocked 创建订单（需持锁调用）
func (s *Sim) newOrderLocked(symbol string, market model.MarketType, side exchange.OrderSide, qty, price float64) *exchange.Order {
	s.seq++
	order := &exchange.Order{
		ID:       fmt.Sprintf("sim-%d", s.seq),
		Symbol:   symbol,
		Market:   market,
		Side:     side,
		Status:   exchange.StatusNew,
		Price:    price,
		Quantity: qty,
	}
	s.orders[order.ID] = order
	return order
}

// applyEntryLocked 入场成交后更新交易所侧仓位视图（需持锁调用）
func (s *Sim) applyEntryLocked(symbol string, market model.MarketType, side exchange.OrderSide, qty, price float64) {
	posSide := model.SideLong
	if side == exchange.Sell {
		posSide = model.SideShort
	}
	key := model.PositionKey{Symbol: symbol, Market: market}
	if pos, ok := s.positions[key]; ok {
		pos.Quantity += qty
		return
	}
	s.positions[key] = &exchange.PositionInfo{
		Symbol:     symbol,
		Market:     market,
		Side:       posSide,
		Quantity:   qty,
		EntryPrice: price,
		MarkPrice:  price,
	}
}
