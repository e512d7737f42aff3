package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/exchange"
	"signal-copy-trader/internal/notify"
	"signal-copy-trader/internal/util/timeutil"
)

// Reconciler 仓位对账循环
// 周期性比对内存仓位表与交易所侧仓位，内存视图向交易所事实收敛：
// 交易所查无的已确认仓位按外部平仓结算；数量偏差以交易所为准修正；
// 交易所多出的未追踪仓位只告警（每个键一次），绝不主动接管。
// 对账是幂等的：连续两轮无外部变化时第二轮零动作。
type Reconciler struct {
	// tracker 仓位追踪器
	tracker *Tracker
	// ex 交易所查询能力
	ex exchange.Exchange
	// cfg 配置快照容器
	cfg *config.Store
	// notifier 通知器
	notifier notify.Notifier
	// logger 日志记录器
	logger *zap.Logger

	// warnedMu 保护 warned
	warnedMu sync.Mutex
	// warned 已告警过的未追踪仓位键
	warned map[model.PositionKey]struct{}
}

// NewReconciler 创建对账循环
func NewReconciler(tracker *Tracker, ex exchange.Exchange, cfg *config.Store, notifier notify.Notifier, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		tracker:  tracker,
		ex:       ex,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.Named("reconcile"),
	}
}

// Run 启动对账循环直到 ctx 取消
// 启动时立即执行一轮（恢复持久化仓位后的首次校准），之后按配置间隔执行。
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("启动对账失败", zap.Error(err))
	}

	interval := timeutil.MsToDuration(r.cfg.Current().Reconcile.IntervalMs)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("对账失败，下一轮重试", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一轮对账
// 交易所查询失败时整轮跳过，不做任何本地变更。
func (r *Reconciler) RunOnce(ctx context.Context) error {
	exPositions, err := r.ex.FetchOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("查询交易所仓位失败: %w", err)
	}

	byKey := make(map[model.PositionKey]exchange.PositionInfo, len(exPositions))
	for _, p := range exPositions {
		byKey[model.PositionKey{Symbol: p.Symbol, Market: p.Market}] = p
	}

	cfg := r.cfg.Current()
	tracked := r.tracker.Snapshot()
	trackedKeys := make(map[model.PositionKey]struct{}, len(tracked))

	for _, pos := range tracked {
		key := pos.Key()
		trackedKeys[key] = struct{}{}

		// 合约仓位视图不含现货持仓；现货缺席不代表已平仓，
		// 其保护单成交通过订单状态轮询发现
		if key.Market == model.MarketSpot {
			if _, ok := byKey[key]; !ok {
				if pos.Confirmed {
					r.syncSpotOrders(ctx, pos)
				}
				continue
			}
		}

		info, onExchange := byKey[key]
		if !onExchange {
			if !pos.Confirmed {
				// 交易所从未出现过该仓位: 入场单尚未成交即被撤销/过期
				r.tracker.RemovePending(key)
				continue
			}
			// 已确认仓位在交易所消失: 外部平仓，按最近标记价推断出场
			r.logger.Warn("仓位已在交易所侧消失，按外部平仓结算",
				zap.String("symbol", key.Symbol),
				zap.String("market", string(key.Market)),
				zap.Float64("last_mark", pos.LastMarkPrice))
			r.notifier.Notify(notify.Event{
				Kind:    notify.KindReconcileDiscrepancy,
				Symbol:  key.Symbol,
				Message: fmt.Sprintf("对账: %s 仓位在交易所侧已不存在，按外部平仓处理", key.Symbol),
			})
			r.tracker.CloseExternal(ctx, key, pos.LastMarkPrice, model.CloseExternal)
			continue
		}

		corrected, localQty := r.tracker.SyncExchange(key, info.Quantity, info.MarkPrice, cfg.Reconcile.QtyTolerance)
		if corrected {
			r.logger.Warn("仓位数量偏差超过容差，以交易所为准修正",
				zap.String("symbol", key.Symbol),
				zap.Float64("local_qty", localQty),
				zap.Float64("exchange_qty", info.Quantity))
			r.notifier.Notify(notify.Event{
				Kind:    notify.KindReconcileDiscrepancy,
				Symbol:  key.Symbol,
				Message: fmt.Sprintf("对账: %s 数量修正 %.8f -> %.8f", key.Symbol, localQty, info.Quantity),
			})
		}
	}

	// 交易所有、本地无: 未追踪仓位，每个键只告警一次
	for key, info := range byKey {
		if _, ok := trackedKeys[key]; ok {
			continue
		}
		if r.markWarned(key) {
			continue
		}
		r.logger.Warn("发现未追踪的交易所仓位（不接管）",
			zap.String("symbol", key.Symbol),
			zap.String("market", string(key.Market)),
			zap.Float64("qty", info.Quantity))
		r.notifier.Notify(notify.Event{
			Kind:    notify.KindReconcileDiscrepancy,
			Symbol:  key.Symbol,
			Message: fmt.Sprintf("对账: 交易所存在未追踪仓位 %s qty=%.8f，请人工确认", key.Symbol, info.Quantity),
		})
	}

	return nil
}

// syncSpotOrders 轮询现货仓位的保护单状态
// 现货成交不会出现在合约用户数据流中，已成交的保护单
// 在这里合成成交事件交给追踪器结算。已记录过的档位跳过，保证幂等。
func (r *Reconciler) syncSpotOrders(ctx context.Context, pos *model.Position) {
	ids := make([]string, 0, len(pos.TakeProfitOrderIDs)+1)
	if pos.StopLossOrderID != "" && !pos.SLHit {
		ids = append(ids, pos.StopLossOrderID)
	}
	for i, id := range pos.TakeProfitOrderIDs {
		if id == "" || tpHit(pos.TPHits, i+1) {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		order, err := r.ex.FetchOrderStatus(ctx, pos.Symbol, pos.Market, id)
		if err != nil {
			r.logger.Warn("查询现货保护单状态失败",
				zap.String("symbol", pos.Symbol),
				zap.String("order_id", id),
				zap.Error(err))
			continue
		}
		if order.Status != exchange.StatusFilled {
			continue
		}
		price := order.AvgPrice
		if price == 0 {
			price = order.Price
		}
		qty := order.ExecutedQty
		if qty == 0 {
			qty = order.Quantity
		}
		r.tracker.ApplyFill(ctx, &model.FillEvent{
			Symbol:   pos.Symbol,
			Market:   pos.Market,
			OrderID:  id,
			Price:    price,
			Quantity: qty,
			Time:     time.Now(),
		})
	}
}

// markWarned 标记未追踪仓位已告警
// 返回: true 表示此前已告警过（本轮跳过）
func (r *Reconciler) markWarned(key model.PositionKey) bool {
	r.warnedMu.Lock()
	defer r.warnedMu.Unlock()
	if _, ok := r.warned[key]; ok {
		return true
	}
	if r.warned == nil {
		r.warned = make(map[model.PositionKey]struct{})
	}
	r.warned[key] = struct{}{}
	return false
}
