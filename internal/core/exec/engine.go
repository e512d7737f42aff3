// Package exec 实现订单计划的执行状态机。
// 每个计划独立推进: planned -> entry_submitted -> entry_filled -> protected，
// 入场成交前的任何失败进入 aborted（撤单、不留仓位）；
// 入场已成交而保护单挂失败时绝不放弃仓位，升级为最高级别告警等待人工处理。
package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/track"
	"signal-copy-trader/internal/exchange"
	"signal-copy-trader/internal/notify"
	"signal-copy-trader/internal/util/backoff"
	"signal-copy-trader/internal/util/timeutil"
)

// Engine 执行引擎
// 同一交易标识至多执行一次；重复提交直接忽略。
type Engine struct {
	// ex 交易所能力
	ex exchange.Exchange
	// tracker 仓位追踪器
	tracker *track.Tracker
	// cfg 配置快照容器
	cfg *config.Store
	// notifier 通知器
	notifier notify.Notifier
	// logger 日志记录器
	logger *zap.Logger

	// inflightMu 保护 inflight
	inflightMu sync.Mutex
	// inflight 已开始执行的交易标识（at-most-once 屏障）
	inflight map[string]struct{}

	// onLatency 执行耗时观察回调（统计用，可为 nil）
	onLatency func(time.Duration)
}

// New 创建执行引擎
func New(ex exchange.Exchange, tracker *track.Tracker, cfg *config.Store, notifier notify.Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		ex:       ex,
		tracker:  tracker,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.Named("exec"),
		inflight: make(map[string]struct{}),
	}
}

// SetLatencyHook 注册执行耗时观察回调
func (e *Engine) SetLatencyHook(fn func(time.Duration)) {
	e.onLatency = fn
}

// Execute 执行订单计划
// 阻塞直到计划进入 protected 或终态；同一 TradeID 重复调用被忽略。
// 返回的错误只描述执行结果，调用方无需重试（重试语义在引擎内部）。
func (e *Engine) Execute(ctx context.Context, plan *model.OrderPlan) error {
	if !e.begin(plan.TradeID) {
		e.logger.Warn("忽略重复执行请求", zap.String("trade_id", plan.TradeID))
		return nil
	}

	started := time.Now()
	err := e.run(ctx, plan)
	elapsed := time.Since(started)

	if e.onLatency != nil {
		e.onLatency(elapsed)
	}
	slowWarn := timeutil.MsToDuration(e.cfg.Current().Exec.SlowExecWarnMs)
	if elapsed > slowWarn {
		e.logger.Warn("执行耗时超过阈值",
			zap.String("trade_id", plan.TradeID),
			zap.String("symbol", plan.Symbol),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", slowWarn))
	}
	return err
}

// begin 登记交易标识（at-most-once）
// 返回: false 表示该标识已执行过
func (e *Engine) begin(tradeID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, ok := e.inflight[tradeID]; ok {
		return false
	}
	e.inflight[tradeID] = struct{}{}
	return true
}

// run 推进执行状态机
func (e *Engine) run(ctx context.Context, plan *model.OrderPlan) error {
	cfg := e.cfg.Current()
	logger := e.logger.With(
		zap.String("trade_id", plan.TradeID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)))

	logger.Info("开始执行订单计划",
		zap.String("state", string(model.StatePlanned)),
		zap.Float64("entry", plan.EntryPrice),
		zap.Float64("qty", plan.Quantity),
		zap.Int("leverage", plan.Leverage))

	// 杠杆先行: 入场后再改杠杆会直接改变已持仓位的保证金结构
	if plan.Market == model.MarketFutures && plan.Leverage > 1 {
		err := backoff.Retry(ctx, 3, exchange.IsTransient, func() error {
			return e.ex.SetLeverage(ctx, plan.Symbol, plan.Leverage)
		})
		if err != nil {
			logger.Error("设置杠杆失败，终止执行", zap.Error(err))
			return fmt.Errorf("设置杠杆失败: %w", err)
		}
	}

	var entry *exchange.Order
	err := backoff.Retry(ctx, 3, exchange.IsTransient, func() error {
		var err error
		entry, err = e.ex.PlaceLimitOrder(ctx, plan.Symbol, plan.Market,
			exchange.EntrySide(plan.Side), plan.Quantity, plan.EntryPrice)
		return err
	})
	if err != nil {
		logger.Error("入场单提交失败，终止执行",
			zap.String("state", string(model.StateAborted)),
			zap.Error(err))
		return fmt.Errorf("入场单提交失败: %w", err)
	}

	logger.Info("入场单已提交",
		zap.String("state", string(model.StateEntrySubmitted)),
		zap.String("order_id", entry.ID))

	// 提交即登记仓位（未确认），占住仓位键并计入持仓上限；
	// 进程在等待成交期间崩溃时由对账循环清理。
	pos := &model.Position{
		ID:              uuid.NewString(),
		Symbol:          plan.Symbol,
		Market:          plan.Market,
		Side:            plan.Side,
		EntryPrice:      plan.EntryPrice,
		Quantity:        plan.Quantity,
		InitialQuantity: plan.Quantity,
		Leverage:        plan.Leverage,
		StopLoss:        plan.StopLoss,
		TakeProfits:     tpPrices(plan.TakeProfits),
		OpenedAt:        time.Now(),
		SignalID:        plan.Signal.SourceID,
	}
	if err := e.tracker.Open(pos); err != nil {
		// 仓位键被占用: 撤掉刚提交的入场单
		e.cancelQuiet(ctx, plan, entry.ID, logger)
		return fmt.Errorf("登记仓位失败: %w", err)
	}
	key := pos.Key()

	filled, err := e.awaitEntryFill(ctx, plan, entry.ID, cfg, logger)
	if err != nil || !filled {
		e.tracker.RemovePending(key)
		if err != nil {
			return err
		}
		return nil
	}

	// 保护阶段: 止损 + 止盈阶梯；失败升级而非放弃仓位
	if err := e.protect(ctx, plan, key, cfg, logger); err != nil {
		return err
	}
	return nil
}

// awaitEntryFill 轮询等待入场单成交
// 超时或订单进入非成交终态时撤单并返回 false（调用方清理挂起仓位）。
func (e *Engine) awaitEntryFill(ctx context.Context, plan *model.OrderPlan, orderID string, cfg *config.Config, logger *zap.Logger) (bool, error) {
	timeout := timeutil.MsToDuration(cfg.Exec.EntryFillTimeoutMs)
	interval := timeutil.MsToDuration(cfg.Exec.PollIntervalMs)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelQuiet(ctx, plan, orderID, logger)
			return false, ctx.Err()
		case <-ticker.C:
		}

		order, err := e.ex.FetchOrderStatus(ctx, plan.Symbol, plan.Market, orderID)
		if err != nil {
			if exchange.IsTransient(err) {
				continue
			}
			logger.Error("查询入场单状态失败，撤单终止",
				zap.String("state", string(model.StateAborted)), zap.Error(err))
			e.cancelQuiet(ctx, plan, orderID, logger)
			return false, fmt.Errorf("查询入场单失败: %w", err)
		}

		switch order.Status {
		case exchange.StatusFilled:
			avg := order.AvgPrice
			if avg == 0 {
				avg = plan.EntryPrice
			}
			e.tracker.ConfirmEntry(model.PositionKey{Symbol: plan.Symbol, Market: plan.Market}, avg)
			logger.Info("入场单已成交",
				zap.String("state", string(model.StateEntryFilled)),
				zap.Float64("avg_price", avg))
			e.notifier.Notify(notify.Event{
				Kind:    notify.KindTradeEntered,
				Symbol:  plan.Symbol,
				Message: fmt.Sprintf("入场成交 %s %s @ %.8g qty=%.8f lev=%dx", plan.Symbol, plan.Side, avg, plan.Quantity, plan.Leverage),
			})
			return true, nil
		case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
			logger.Warn("入场单未成交即进入终态，终止执行",
				zap.String("state", string(model.StateAborted)),
				zap.String("order_status", string(order.Status)))
			return false, nil
		}

		if time.Now().After(deadline) {
			logger.Warn("入场单等待超时，撤单终止",
				zap.String("state", string(model.StateAborted)),
				zap.Duration("timeout", timeout))
			e.cancelQuiet(ctx, plan, orderID, logger)
			return false, nil
		}
	}
}

// protect 挂出止损单与止盈阶梯
// 每张保护单独立有界重试；任一最终失败即撤回本次已挂出的保护单以外动作，
// 标记仓位等待人工处理并发出最高级别告警。仓位本身绝不主动平掉。
func (e *Engine) protect(ctx context.Context, plan *model.OrderPlan, key model.PositionKey, cfg *config.Config, logger *zap.Logger) error {
	closeSide := exchange.CloseSide(plan.Side)

	var slOrder *exchange.Order
	err := backoff.Retry(ctx, cfg.Exec.ProtectMaxRetries, exchange.IsTransient, func() error {
		var err error
		slOrder, err = e.ex.PlaceStopOrder(ctx, plan.Symbol, plan.Market, closeSide, plan.Quantity, plan.StopLoss)
		return err
	})
	if err != nil {
		e.escalateUnprotected(key, plan, "止损单挂失败", err, logger)
		return fmt.Errorf("止损单挂失败: %w", err)
	}

	tpIDs := make([]string, 0, len(plan.TakeProfits))
	for i, tp := range plan.TakeProfits {
		var tpOrder *exchange.Order
		err := backoff.Retry(ctx, cfg.Exec.ProtectMaxRetries, exchange.IsTransient, func() error {
			var err error
			tpOrder, err = e.ex.PlaceTakeProfitOrder(ctx, plan.Symbol, plan.Market, closeSide, tp.Quantity, tp.Price)
			return err
		})
		if err != nil {
			// 已挂出的止损留在原位，仓位仍有基础保护
			e.tracker.SetProtection(key, slOrder.ID, tpIDs)
			e.escalateUnprotected(key, plan, fmt.Sprintf("第 %d 档止盈单挂失败", i+1), err, logger)
			return fmt.Errorf("止盈单挂失败: %w", err)
		}
		tpIDs = append(tpIDs, tpOrder.ID)
	}

	e.tracker.SetProtection(key, slOrder.ID, tpIDs)
	logger.Info("保护单全部挂出",
		zap.String("state", string(model.StateProtected)),
		zap.String("sl_order_id", slOrder.ID),
		zap.Int("tp_count", len(tpIDs)))
	e.notifier.Notify(notify.Event{
		Kind:    notify.KindPositionProtected,
		Symbol:  plan.Symbol,
		Message: fmt.Sprintf("仓位已保护 %s: SL @ %.8g + %d 档 TP", plan.Symbol, plan.StopLoss, len(tpIDs)),
	})
	return nil
}

// escalateUnprotected 仓位裸奔升级
// 标记等待人工处理并发出关键告警；这是整个流水线里唯一不可自动恢复的失败。
func (e *Engine) escalateUnprotected(key model.PositionKey, plan *model.OrderPlan, what string, err error, logger *zap.Logger) {
	e.tracker.MarkNeedsAttention(key)
	logger.Error("仓位缺少完整保护，等待人工处理",
		zap.String("what", what),
		zap.Error(err))
	e.notifier.Notify(notify.Event{
		Kind:     notify.KindUnprotectedPosition,
		Symbol:   plan.Symbol,
		Message:  fmt.Sprintf("仓位裸奔 %s %s qty=%.8f: %s (%v)，请立即人工处理", plan.Symbol, plan.Side, plan.Quantity, what, err),
		Critical: true,
	})
}

// cancelQuiet 撤单（失败只记日志）
func (e *Engine) cancelQuiet(ctx context.Context, plan *model.OrderPlan, orderID string, logger *zap.Logger) {
	cancelCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cancelCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.ex.CancelOrder(cancelCtx, plan.Symbol, plan.Market, orderID); err != nil {
		logger.Warn("撤销入场单失败", zap.String("order_id", orderID), zap.Error(err))
	}
}

func tpPrices(levels []model.TPLevel) []float64 {
	out := make([]float64, len(levels))
	for i, tp := range levels {
		out[i] = tp.Price
	}
	return out
}
