// Package model 定义信号执行流水线中使用的核心数据结构。
package model

// ValidatedTrade 通过风控验证的交易
// 由验证器创建，被订单规划器消费一次，不做持久化。
type ValidatedTrade struct {
	// ID 交易唯一标识
	ID string
	// Signal 原始候选信号
	Signal *CandidateSignal
	// RiskReward 盈亏比 = |最近 TP - 入场| / |入场 - 止损|
	RiskReward float64
	// Leverage 解析后的杠杆（config 覆盖 > 信号提示 > 默认 1）
	Leverage int
	// SizeUSD 解析后的仓位规模（计价货币）
	SizeUSD float64
}

// TPLevel 止盈档位
type TPLevel struct {
	// Price 调整后的止盈价格（向入场侧偏移以提高成交概率）
	Price float64
	// Quantity 该档位平仓数量（基础资产）
	Quantity float64
}

// OrderPlan 订单计划
// 规划器的纯函数输出：入场限价单 + 止损单 + 止盈阶梯。
// 不变式：各 TP 数量之和 ≤ 总数量；入场永远是限价单。
type OrderPlan struct {
	// TradeID 对应的交易标识
	TradeID string
	// Symbol 交易对
	Symbol string
	// Side 交易方向
	Side Side
	// Market 市场类型
	Market MarketType
	// EntryPrice 入场限价
	EntryPrice float64
	// Quantity 入场数量（基础资产）
	Quantity float64
	// Leverage 杠杆倍数（仅 futures 使用）
	Leverage int
	// StopLoss 止损触发价（单笔，覆盖全部剩余数量）
	StopLoss float64
	// TakeProfits 止盈阶梯（1/3/5 档精选）
	TakeProfits []TPLevel
	// Signal 原始候选信号（供追踪器与通知使用）
	Signal *CandidateSignal
}

// TPQuantitySum 计算止盈阶梯数量之和
func (p *OrderPlan) TPQuantitySum() float64 {
	var sum float64
	for _, tp := range p.TakeProfits {
		sum += tp.Quantity
	}
	return sum
}

// TradeState 交易状态机状态
type TradeState string

const (
	// StatePlanned 已生成订单计划，尚未提交
	StatePlanned TradeState = "planned"
	// StateEntrySubmitted 入场限价单已提交
	StateEntrySubmitted TradeState = "entry_submitted"
	// StateEntryFilled 入场单已成交
	StateEntryFilled TradeState = "entry_filled"
	// StateProtected 止损与止盈单全部挂出
	StateProtected TradeState = "protected"
	// StatePartiallyClosed 部分止盈/止损成交
	StatePartiallyClosed TradeState = "partially_closed"
	// StateClosed 仓位全部平掉
	StateClosed TradeState = "closed"
	// StateAborted 入场成交前终止（提交失败 / 超时撤单 / 外部取消）
	StateAborted TradeState = "aborted"
)

// Terminal 判断是否为终态
func (s TradeState) Terminal() bool {
	return s == StateClosed || s == StateAborted
}
