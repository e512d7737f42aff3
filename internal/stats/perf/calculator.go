// Package perf 实现交易表现与执行耗时的滚动统计。
// 输入来自平仓记录与执行引擎的耗时观察，用于周期性输出运行报告。
package perf

import (
	"sync"
	"time"

	"signal-copy-trader/internal/core/model"
)

type tradeSample struct {
	win       bool
	pnl       float64
	holdHours float64
}

// Stats 交易表现统计信息（滚动窗口）
type Stats struct {
	// Count 样本数
	Count int64
	// WinCount 盈利样本数（PnL>0）
	WinCount int64
	// LossCount 亏损样本数（PnL<=0）
	LossCount int64

	// WinRate 胜率
	WinRate float64
	// TotalPnL 窗口内总盈亏（计价货币）
	TotalPnL float64
	// AvgWin 平均盈利
	AvgWin float64
	// AvgLoss 平均亏损（绝对值）
	AvgLoss float64
	// ProfitFactor 盈利因子 = 总盈利 / 总亏损
	ProfitFactor float64
	// AvgHoldHours 平均持仓时长（小时）
	AvgHoldHours float64

	// ExecCount 执行次数
	ExecCount int64
	// AvgExecMs 平均执行耗时（毫秒）
	AvgExecMs float64
	// MaxExecMs 最大执行耗时（毫秒）
	MaxExecMs float64
}

// Calculator 表现计算器（滚动窗口）
// 并发安全；平仓回调与执行耗时回调来自不同 goroutine。
type Calculator struct {
	mu sync.Mutex

	// windowSize 滚动窗口大小
	windowSize int
	// buf 环形缓冲区
	buf []tradeSample
	// pos 写入位置
	pos int
	// full 是否已填满
	full bool

	// 维护滚动统计（O(1) 更新）
	count     int64
	winCount  int64
	lossCount int64
	sumWin    float64
	sumLoss   float64
	sumPnL    float64
	sumHold   float64

	// 执行耗时累计（不开窗）
	execCount int64
	sumExecMs float64
	maxExecMs float64
}

// NewCalculator 创建表现计算器
// 参数 windowSize: 滚动窗口大小（建议 1000）
func NewCalculator(windowSize int) *Calculator {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &Calculator{
		windowSize: windowSize,
		buf:        make([]tradeSample, windowSize),
	}
}

// AddTrade 添加一笔平仓记录到滚动统计
func (c *Calculator) AddTrade(rec *model.TradeRecord) {
	if rec == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := tradeSample{
		win:       rec.PnL > 0,
		pnl:       rec.PnL,
		holdHours: rec.HoldHours,
	}

	// 若环已满，移除旧样本对统计的贡献
	if c.full {
		old := c.buf[c.pos]
		c.count--
		c.sumPnL -= old.pnl
		c.sumHold -= old.holdHours
		if old.win {
			c.winCount--
			c.sumWin -= old.pnl
		} else {
			c.lossCount--
			c.sumLoss -= abs(old.pnl)
		}
	}

	c.buf[c.pos] = s
	c.pos = (c.pos + 1) % c.windowSize
	if c.pos == 0 {
		c.full = true
	}

	c.count++
	c.sumPnL += s.pnl
	c.sumHold += s.holdHours
	if s.win {
		c.winCount++
		c.sumWin += s.pnl
	} else {
		c.lossCount++
		c.sumLoss += abs(s.pnl)
	}
}

// ObserveExecLatency 记录一次执行耗时
func (c *Calculator) ObserveExecLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := float64(d) / float64(time.Millisecond)
	c.execCount++
	c.sumExecMs += ms
	if ms > c.maxExecMs {
		c.maxExecMs = ms
	}
}

// Snapshot 获取当前统计信息
func (c *Calculator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Count:     c.count,
		WinCount:  c.winCount,
		LossCount: c.lossCount,
		TotalPnL:  c.sumPnL,
		ExecCount: c.execCount,
		MaxExecMs: c.maxExecMs,
	}

	if c.count > 0 {
		stats.WinRate = float64(c.winCount) / float64(c.count)
		stats.AvgHoldHours = c.sumHold / float64(c.count)
	}
	if c.winCount > 0 {
		stats.AvgWin = c.sumWin / float64(c.winCount)
	}
	if c.lossCount > 0 {
		stats.AvgLoss = c.sumLoss / float64(c.lossCount)
	}
	if c.sumLoss > 0 {
		stats.ProfitFactor = c.sumWin / c.sumLoss
	}
	if c.execCount > 0 {
		stats.AvgExecMs = c.sumExecMs / float64(c.execCount)
	}
	return stats
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
