package binance

import (
	"context"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/exchange"
	"signal-copy-trader/internal/util/fastparse"
)

// FetchSymbolLimits 查询交易对最小下单限制
// 首次查询拉取 exchangeInfo 并缓存；限制在交易所侧极少变动，
// 进程生命周期内不刷新缓存。
func (c *Client) FetchSymbolLimits(ctx context.Context, symbol string, market model.MarketType) (*exchange.SymbolLimits, error) {
	key := limitsKey{symbol: symbol, market: market}

	c.limitsMu.Lock()
	if limits, ok := c.limitsCache[key]; ok {
		c.limitsMu.Unlock()
		cp := limits
		return &cp, nil
	}
	c.limitsMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var limits exchange.SymbolLimits
	if market == model.MarketFutures {
		info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, c.mapError("查询交易规则", symbol, err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != symbol {
				continue
			}
			if f := s.LotSizeFilter(); f != nil {
				limits.MinQty = fastparse.MustParseFloat(f.MinQuantity)
			}
			if f := s.MinNotionalFilter(); f != nil {
				limits.MinNotional = fastparse.MustParseFloat(f.Notional)
			}
			break
		}
	} else {
		info, err := c.spotClient.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, c.mapError("查询交易规则", symbol, err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != symbol {
				continue
			}
			if f := s.LotSizeFilter(); f != nil {
				limits.MinQty = fastparse.MustParseFloat(f.MinQuantity)
			}
			if f := s.NotionalFilter(); f != nil {
				limits.MinNotional = fastparse.MustParseFloat(f.MinNotional)
			}
			break
		}
	}

	c.limitsMu.Lock()
	c.limitsCache[key] = limits
	c.limitsMu.Unlock()

	cp := limits
	return &cp, nil
}
