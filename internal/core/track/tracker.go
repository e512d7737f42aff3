// Package track 实现仓位追踪与交易所状态对账。
// Tracker 独占持有未平仓仓位表；全部变更经由同一把锁串行化，
// 不存在对同一仓位键的并发写者。
package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/risk"
	"signal-copy-trader/internal/exchange"
	"signal-copy-trader/internal/notify"
	"signal-copy-trader/internal/util/timeutil"
)

// Persister 仓位与风控状态的持久化接口
// 由 sqlite store 实现；持久化失败只记日志，不阻断交易流程。
type Persister interface {
	// SavePosition 保存/更新仓位
	SavePosition(pos *model.Position) error
	// DeletePosition 删除仓位
	DeletePosition(key model.PositionKey) error
	// RecordTrade 写入已完结交易
	RecordTrade(rec *model.TradeRecord) error
	// SaveRiskDay 保存日内风控累计
	SaveRiskDay(snap risk.StateSnapshot) error
}

// Tracker 仓位追踪器
// 拥有权威的内存仓位表；入场确认成交时 Open，保护单成交驱动 ApplyFill，
// 数量归零或外部平仓时移除并结算。
type Tracker struct {
	mu sync.Mutex

	// positions 未平仓仓位表
	positions map[model.PositionKey]*model.Position

	// ex 交易所能力（撤销残留保护单）
	ex exchange.Exchange
	// riskState 风控账本
	riskState *risk.State
	// cfg 配置快照容器
	cfg *config.Store
	// store 持久化
	store Persister
	// notifier 通知器
	notifier notify.Notifier
	// logger 日志记录器
	logger *zap.Logger

	// closeHooks 平仓回调（流水、统计等）
	closeHooks []func(*model.TradeRecord)
}

// New 创建仓位追踪器
func New(ex exchange.Exchange, riskState *risk.State, cfg *config.Store, store Persister, notifier notify.Notifier, logger *zap.Logger) *Tracker {
	return &Tracker{
		positions: make(map[model.PositionKey]*model.Position),
		ex:        ex,
		riskState: riskState,
		cfg:       cfg,
		store:     store,
		notifier:  notifier,
		logger:    logger.Named("track"),
	}
}

// OnClose 注册平仓回调
// 回调在持仓锁外执行，不得阻塞过久。
func (t *Tracker) OnClose(fn func(*model.TradeRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHooks = append(t.closeHooks, fn)
}

// Open 登记新仓位
// 同 (symbol, market) 已有未平仓仓位时返回错误（不变式违规，最高级别日志）。
func (t *Tracker) Open(pos *model.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pos.Key()
	if existing, ok := t.positions[key]; ok && !existing.Closed() {
		t.logger.Error("不变式违规：尝试重复开仓",
			zap.String("symbol", pos.Symbol),
			zap.String("market", string(pos.Market)),
			zap.String("existing_id", existing.ID))
		return fmt.Errorf("仓位已存在: %s/%s", pos.Symbol, pos.Market)
	}

	t.positions[key] = pos
	t.riskState.IncOpen(pos.Market)
	t.persist(pos)

	t.logger.Info("仓位已登记",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("entry", pos.EntryPrice))
	return nil
}

// Restore 从持久化恢复仓位（启动时调用，随后立即对账）
// 不触碰风控计数以外的任何外部状态。
func (t *Tracker) Restore(positions []*model.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pos := range positions {
		key := pos.Key()
		if _, ok := t.positions[key]; ok {
			continue
		}
		t.positions[key] = pos
		t.riskState.IncOpen(pos.Market)
	}
	t.logger.Info("仓位已恢复", zap.Int("count", len(positions)))
}

// Get 获取指定键的仓位（nil 表示不存在）
// 返回的指针视为只读。
func (t *Tracker) Get(key model.PositionKey) *model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positions[key]
}

// Has 判断指定键是否存在未平仓仓位
func (t *Tracker) Has(key model.PositionKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[key]
	return ok && !pos.Closed()
}

// Snapshot 获取全部仓位的拷贝
func (t *Tracker) Snapshot() []*model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*model.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// ConfirmEntry 确认入场单成交
// 以实际成交均价修正入场价并标记交易所侧已确认。
func (t *Tracker) ConfirmEntry(key model.PositionKey, avgPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok {
		return
	}
	if avgPrice > 0 {
		pos.EntryPrice = avgPrice
	}
	pos.Confirmed = true
	t.persist(pos)
}

// SetProtection 记录保护单标识（保护单全部挂出后调用）
func (t *Tracker) SetProtection(key model.PositionKey, slOrderID string, tpOrderIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok {
		return
	}
	pos.StopLossOrderID = slOrderID
	pos.TakeProfitOrderIDs = append([]string(nil), tpOrderIDs...)
	t.persist(pos)
}

// MarkNeedsAttention 标记仓位等待人工处理（保护单挂失败后调用）
func (t *Tracker) MarkNeedsAttention(key model.PositionKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok {
		return
	}
	pos.NeedsAttention = true
	t.persist(pos)
}

// ApplyFill 应用保护单成交事件
// 递减仓位数量并累计已实现盈亏；数量归零时撤销残留保护单并结算平仓。
func (t *Tracker) ApplyFill(ctx context.Context, ev *model.FillEvent) {
	t.mu.Lock()

	key := model.PositionKey{Symbol: ev.Symbol, Market: ev.Market}
	pos, ok := t.positions[key]
	if !ok || pos.Closed() {
		t.mu.Unlock()
		return
	}

	// 只处理本仓位的保护单成交；入场单成交由执行引擎处理
	isSL := ev.OrderID != "" && ev.OrderID == pos.StopLossOrderID
	isTP := false
	tpIndex := 0
	for i, id := range pos.TakeProfitOrderIDs {
		if id == ev.OrderID {
			isTP = true
			tpIndex = i + 1
			break
		}
	}
	if !isSL && !isTP {
		t.mu.Unlock()
		return
	}

	qty := ev.Quantity
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	pos.Quantity -= qty
	pos.RealizedPnL += (ev.Price - pos.EntryPrice) * qty * pos.Side.Direction()

	if isSL {
		pos.SLHit = true
	}
	if isTP {
		pos.TPHits = append(pos.TPHits, tpIndex)
	}

	t.logger.Info("保护单成交",
		zap.String("symbol", pos.Symbol),
		zap.String("order_id", ev.OrderID),
		zap.Bool("stop_loss", isSL),
		zap.Float64("qty", qty),
		zap.Float64("price", ev.Price),
		zap.Float64("remaining", pos.Quantity))

	if pos.Closed() {
		reason := model.CloseTakeProfit
		if isSL {
			reason = model.CloseStopLoss
		}
		t.closeLocked(ctx, pos, reason)
		return // closeLocked 释放锁
	}

	t.persist(pos)
	t.mu.Unlock()
}

// CloseExternal 将仓位按外部平仓处理（对账或人工指令）
// 参数 exitPrice: 推断的出场价；为 0 时使用最近标记价，仍无则按入场价（盈亏 0）。
func (t *Tracker) CloseExternal(ctx context.Context, key model.PositionKey, exitPrice float64, reason model.CloseReason) {
	t.mu.Lock()

	pos, ok := t.positions[key]
	if !ok {
		t.mu.Unlock()
		return
	}

	if exitPrice == 0 {
		exitPrice = pos.LastMarkPrice
	}
	if exitPrice == 0 {
		exitPrice = pos.EntryPrice
	}
	pos.RealizedPnL += (exitPrice - pos.EntryPrice) * pos.Quantity * pos.Side.Direction()
	pos.Quantity = 0

	t.closeLocked(ctx, pos, reason)
}

// SyncExchange 按交易所侧视图修正仓位（对账专用）
// 标记已确认、刷新标记价；数量偏差超过容差时以交易所数量为准。
// 返回: 是否发生数量修正，以及修正前的本地数量。
func (t *Tracker) SyncExchange(key model.PositionKey, exchangeQty, markPrice, tolerance float64) (corrected bool, localQty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok {
		return false, 0
	}

	dirty := false
	if !pos.Confirmed {
		pos.Confirmed = true
		dirty = true
	}
	if markPrice > 0 && markPrice != pos.LastMarkPrice {
		pos.LastMarkPrice = markPrice
		dirty = true
	}

	localQty = pos.Quantity
	if localQty > 0 && exchangeQty > 0 {
		diff := localQty - exchangeQty
		if diff < 0 {
			diff = -diff
		}
		if diff/localQty > tolerance {
			pos.Quantity = exchangeQty
			corrected = true
			dirty = true
		}
	}

	if dirty {
		t.persist(pos)
	}
	return corrected, localQty
}

// RemovePending 清理从未确认开仓的仓位（入场单被撤销）
// 不产生盈亏与历史记录。
func (t *Tracker) RemovePending(key model.PositionKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok || pos.Confirmed {
		return
	}

	delete(t.positions, key)
	t.riskState.DecOpen(pos.Market)
	if err := t.store.DeletePosition(key); err != nil {
		t.logger.Warn("删除仓位持久化失败", zap.Error(err))
	}
	t.logger.Info("清理未确认仓位（入场单已撤销）", zap.String("symbol", key.Symbol))
}

// closeLocked 结算平仓（进入时持锁，返回前释放）
// 撤销残留保护单、更新风控账本、写历史、触发通知与回调。
func (t *Tracker) closeLocked(ctx context.Context, pos *model.Position, reason model.CloseReason) {
	key := pos.Key()
	delete(t.positions, key)
	t.riskState.DecOpen(pos.Market)

	cfg := t.cfg.Current()
	halted := t.riskState.AddRealizedPnL(pos.RealizedPnL, cfg.Trading.MaxDailyLossUSD)

	if err := t.store.DeletePosition(key); err != nil {
		t.logger.Warn("删除仓位持久化失败", zap.Error(err))
	}
	if err := t.store.SaveRiskDay(t.riskState.Snapshot()); err != nil {
		t.logger.Warn("保存风控状态失败", zap.Error(err))
	}

	now := time.Now()
	rec := &model.TradeRecord{
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Market:     string(pos.Market),
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.InitialQuantity,
		Leverage:   pos.Leverage,
		PnL:        pos.RealizedPnL,
		Reason:     string(reason),
		HoldHours:  timeutil.HoursBetween(pos.OpenedAt, now),
		SignalID:   pos.SignalID,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
	}
	if err := t.store.RecordTrade(rec); err != nil {
		t.logger.Warn("写交易历史失败", zap.Error(err))
	}

	// 收集残留保护单（已成交的档位除外），锁外撤销
	var leftovers []string
	if pos.StopLossOrderID != "" && !pos.SLHit {
		leftovers = append(leftovers, pos.StopLossOrderID)
	}
	for i, id := range pos.TakeProfitOrderIDs {
		if id == "" || tpHit(pos.TPHits, i+1) {
			continue
		}
		leftovers = append(leftovers, id)
	}
	hooks := append([]func(*model.TradeRecord){}, t.closeHooks...)
	symbol, market := pos.Symbol, pos.Market

	t.mu.Unlock()

	for _, id := range leftovers {
		if err := t.ex.CancelOrder(ctx, symbol, market, id); err != nil {
			t.logger.Warn("撤销残留保护单失败",
				zap.String("symbol", symbol),
				zap.String("order_id", id),
				zap.Error(err))
		}
	}

	t.logger.Info("仓位已平仓",
		zap.String("symbol", symbol),
		zap.String("reason", string(reason)),
		zap.Float64("pnl", rec.PnL),
		zap.Float64("hold_hours", rec.HoldHours))

	t.notifier.Notify(notify.Event{
		Kind:    notify.KindPositionClosed,
		Symbol:  symbol,
		Message: fmt.Sprintf("仓位平掉 %s %s | 原因: %s | 盈亏: %+.2f USDT | 持仓 %.2fh", symbol, rec.Side, reason, rec.PnL, rec.HoldHours),
	})
	if halted {
		t.notifier.Notify(notify.Event{
			Kind:     notify.KindDailyLossHalt,
			Symbol:   symbol,
			Message:  fmt.Sprintf("日内亏损熔断触发: %.2f USDT，已停止新开仓", t.riskState.DailyPnL()),
			Critical: true,
		})
	}

	for _, fn := range hooks {
		fn(rec)
	}
}

// persist 保存仓位（需持锁调用；失败只记日志）
func (t *Tracker) persist(pos *model.Position) {
	if err := t.store.SavePosition(pos); err != nil {
		t.logger.Warn("保存仓位失败", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
}

// tpHit 判断指定止盈档位（1 起）是否已有成交
func tpHit(hits []int, idx int) bool {
	for _, h := range hits {
		if h == idx {
			return true
		}
	}
	return false
}
