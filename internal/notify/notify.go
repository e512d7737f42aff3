// Package notify 实现生命周期事件通知。
// 通知是 fire-and-forget：投递失败绝不影响交易逻辑。
// 异步分发器持有有界队列，满时丢弃并记录，不阻塞热路径。
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Kind 通知事件类型
type Kind string

const (
	// KindSignalRejected 信号被拒绝（含原因码）
	KindSignalRejected Kind = "signal_rejected"
	// KindTradeEntered 入场单已成交
	KindTradeEntered Kind = "trade_entered"
	// KindPositionProtected 止损与止盈单全部挂出
	KindPositionProtected Kind = "position_protected"
	// KindPositionClosed 仓位平掉（含已实现盈亏）
	KindPositionClosed Kind = "position_closed"
	// KindReconcileDiscrepancy 对账发现差异
	KindReconcileDiscrepancy Kind = "reconcile_discrepancy"
	// KindDailyLossHalt 日内亏损熔断触发
	KindDailyLossHalt Kind = "daily_loss_halt"
	// KindUnprotectedPosition 仓位裸奔告警（最高级别，需人工处理）
	KindUnprotectedPosition Kind = "unprotected_position"
)

// Event 通知事件
type Event struct {
	// Kind 事件类型
	Kind Kind
	// Symbol 相关交易对（可为空）
	Symbol string
	// Message 事件描述
	Message string
	// Critical 是否为关键告警
	Critical bool
}

// Notifier 通知器接口
type Notifier interface {
	// Notify 投递一条通知（不得阻塞调用方）
	Notify(ev Event)
}

// Nop 空通知器
type Nop struct{}

// Notify 丢弃事件
func (Nop) Notify(Event) {}

// LogNotifier 基于 zap 的通知器
// 所有事件落日志；Critical 事件用 Error 级别。
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// Notify 记录事件日志
func (n *LogNotifier) Notify(ev Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("symbol", ev.Symbol),
	}
	if ev.Critical {
		n.logger.Error(ev.Message, fields...)
		return
	}
	n.logger.Info(ev.Message, fields...)
}

// Dispatcher 异步通知分发器
// 将事件广播给全部下游通知器；队列满时丢弃最新事件并计数。
type Dispatcher struct {
	// sinks 下游通知器
	sinks []Notifier
	// ch 事件队列
	ch chan Event
	// dropped 丢弃计数
	dropped atomic.Int64
	// logger 日志记录器
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher 创建异步分发器并启动投递循环
// 参数 queueSize: 事件队列容量
// 参数 sinks: 下游通知器列表
func NewDispatcher(logger *zap.Logger, queueSize int, sinks ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		sinks:  sinks,
		ch:     make(chan Event, queueSize),
		logger: logger.Named("notify"),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Notify 投递事件（非阻塞）
// 队列满时丢弃，只记录丢弃计数；交易逻辑不受影响。
func (d *Dispatcher) Notify(ev Event) {
	select {
	case d.ch <- ev:
	default:
		n := d.dropped.Add(1)
		if n%100 == 1 {
			d.logger.Warn("通知队列已满，丢弃事件", zap.Int64("dropped_total", n))
		}
	}
}

// Close 停止分发器并等待队列排空
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ev)
		case <-d.done:
			// 排空剩余事件后退出
			for {
				select {
				case ev := <-d.ch:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Warn("通知器 panic", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
				}
			}()
			s.Notify(ev)
		}()
	}
}

// Rejectedf 构造信号拒绝事件
func Rejectedf(symbol, reason, format string, args ...any) Event {
	return Event{
		Kind:    KindSignalRejected,
		Symbol:  symbol,
		Message: fmt.Sprintf("信号被拒绝 [%s]: %s", reason, fmt.Sprintf(format, args...)),
	}
}
