// Package plan 实现订单计划的纯函数生成。
// 输入已验证交易、配置快照与市场观测值，输出入场限价单、止损单与止盈阶梯；
// 不触碰任何外部状态，同样输入必得同样输出。
package plan

import (
	"fmt"
	"math"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/exchange"
)

// 数量精度
// 合约保留 6 位小数，现货保留 8 位（跟随交易所常见步长）。
const (
	futuresQtyDecimals = 6
	spotQtyDecimals    = 8
)

// Plan 生成订单计划
// 参数 trade: 已验证交易
// 参数 cfg: 配置快照
// 参数 markPrice: 当前标记/最新价格（0 表示不可得，跳过入场可得性检查）
// 参数 limits: 交易对最小下单限制（nil 表示不可得，跳过下限检查）
// 返回: 订单计划，或带原因码的拒绝结果。
func Plan(trade *model.ValidatedTrade, cfg *config.Config, markPrice float64, limits *exchange.SymbolLimits) (*model.OrderPlan, *model.Rejection) {
	sig := trade.Signal

	// 市场价越过入场价超出容忍度则放弃，绝不追价
	if markPrice > 0 {
		if rej := checkEntryAvailable(sig, markPrice, cfg.Plan.EntryOffsetBps); rej != nil {
			return nil, rej
		}
	}

	decimals := spotQtyDecimals
	if sig.Market == model.MarketFutures {
		decimals = futuresQtyDecimals
	}

	qty := roundDown(trade.SizeUSD/sig.EntryPrice, decimals)
	if qty <= 0 {
		return nil, &model.Rejection{
			Reason: model.RejectBelowMinimum,
			Detail: fmt.Sprintf("规模 %.2f USDT 在价格 %.8g 下数量为零", trade.SizeUSD, sig.EntryPrice),
			Signal: sig,
		}
	}

	if limits != nil {
		if limits.MinQty > 0 && qty < limits.MinQty {
			return nil, &model.Rejection{
				Reason: model.RejectBelowMinimum,
				Detail: fmt.Sprintf("数量 %.8f 低于交易所下限 %.8f", qty, limits.MinQty),
				Signal: sig,
			}
		}
		if limits.MinNotional > 0 && qty*sig.EntryPrice < limits.MinNotional {
			return nil, &model.Rejection{
				Reason: model.RejectBelowMinimum,
				Detail: fmt.Sprintf("名义价值 %.2f 低于交易所下限 %.2f", qty*sig.EntryPrice, limits.MinNotional),
				Signal: sig,
			}
		}
	}

	tps := buildTPLadder(sig, qty, decimals, cfg.Plan.TPOffsetBps, limits)
	if len(tps) == 0 {
		return nil, &model.Rejection{
			Reason: model.RejectInvalidTakeProfit,
			Detail: "没有可用的止盈档位",
			Signal: sig,
		}
	}

	return &model.OrderPlan{
		TradeID:     trade.ID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Market:      sig.Market,
		EntryPrice:  sig.EntryPrice,
		Quantity:    qty,
		Leverage:    trade.Leverage,
		StopLoss:    sig.StopLoss,
		TakeProfits: tps,
		Signal:      sig,
	}, nil
}

// checkEntryAvailable 检查入场价是否仍然可得
// 多头: 市场价不得高于入场价超过容忍度；空头镜像对称。
// 市场价已向盈利方向脱离入场价意味着限价单只会在回撤时成交，风险结构已变。
func checkEntryAvailable(sig *model.CandidateSignal, markPrice, offsetBps float64) *model.Rejection {
	tolerance := sig.EntryPrice * offsetBps / 10000
	passed := false
	if sig.Side == model.SideLong {
		passed = markPrice > sig.EntryPrice+tolerance
	} else {
		passed = markPrice < sig.EntryPrice-tolerance
	}
	if !passed {
		return nil
	}
	return &model.Rejection{
		Reason: model.RejectEntryUnavailable,
		Detail: fmt.Sprintf("市场价 %.8g 已越过入场价 %.8g (容忍 %.1f bps)", markPrice, sig.EntryPrice, offsetBps),
		Signal: sig,
	}
}

// buildTPLadder 构建止盈阶梯
// 先过滤出盈利侧的有效档位；固定精选第 1/3/5 档；
// 每档数量不满足交易所下限时减少档数（至少保留一档）；
// 每档价格向入场侧偏移 tpOffsetBps 提高成交概率；
// 数量均分，余数并入最后一档，保证总和不超过开仓数量。
func buildTPLadder(sig *model.CandidateSignal, qty float64, decimals int, tpOffsetBps float64, limits *exchange.SymbolLimits) []model.TPLevel {
	var valid []float64
	for _, tp := range sig.TakeProfits {
		if tp <= 0 {
			continue
		}
		if sig.Side == model.SideLong && tp > sig.EntryPrice {
			valid = append(valid, tp)
		}
		if sig.Side == model.SideShort && tp < sig.EntryPrice {
			valid = append(valid, tp)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	// 档位精选: 固定取第 1/3/5 档，拉开间距避免档位挤在一起
	var picked []float64
	for _, idx := range []int{0, 2, 4} {
		if idx < len(valid) {
			picked = append(picked, valid[idx])
		}
	}

	// 每档数量需满足交易所下限；名义价值以入场价近似
	if limits != nil {
		n := len(picked)
		for n > 1 {
			per := roundDown(qty/float64(n), decimals)
			if (limits.MinQty > 0 && per < limits.MinQty) ||
				(limits.MinNotional > 0 && per*sig.EntryPrice < limits.MinNotional) {
				n--
				continue
			}
			break
		}
		picked = picked[:n]
	}

	levels := make([]model.TPLevel, 0, len(picked))
	perLevel := roundDown(qty/float64(len(picked)), decimals)
	allocated := 0.0
	for i, price := range picked {
		levelQty := perLevel
		if i == len(picked)-1 {
			levelQty = roundDown(qty-allocated, decimals)
		}
		allocated += levelQty
		levels = append(levels, model.TPLevel{
			Price:    nudgeTowardEntry(price, sig.Side, tpOffsetBps),
			Quantity: levelQty,
		})
	}
	return levels
}

// nudgeTowardEntry 将止盈价向入场侧偏移指定基点
// 多头止盈下移，空头止盈上移。
func nudgeTowardEntry(price float64, side model.Side, offsetBps float64) float64 {
	delta := price * offsetBps / 10000
	if side == model.SideLong {
		return price - delta
	}
	return price + delta
}

// roundDown 向下取整到指定小数位
// 下单数量只舍不入，避免超出资金规模。
func roundDown(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Floor(v*scale) / scale
}
