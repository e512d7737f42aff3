// Package binance 实现 Binance 交易所适配层。
// REST 下单/查询走 adshao/go-binance，合约与现货各持一个客户端；
// 保护单成交推送走用户数据流 WebSocket（见 stream.go）。
// 所有请求经过进程级令牌桶限频，交易所错误码映射为类型化错误。
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/exchange"
	"signal-copy-trader/internal/util/fastparse"
)

// Client Binance REST 适配器
// 实现 exchange.Exchange；全部方法先过限频器再发请求。
type Client struct {
	// futuresClient 合约客户端
	futuresClient *futures.Client
	// spotClient 现货客户端
	spotClient *gobinance.Client
	// limiter 请求限频器
	limiter *rate.Limiter
	// logger 日志记录器
	logger *zap.Logger

	// limitsMu 保护 limitsCache
	limitsMu sync.Mutex
	// limitsCache 交易对下单限制缓存（按市场类型分别缓存）
	limitsCache map[limitsKey]exchange.SymbolLimits
}

// limitsKey 下单限制缓存键
type limitsKey struct {
	symbol string
	market model.MarketType
}

// NewClient 创建 Binance 适配器
// 参数 apiKey/apiSecret: API 凭证
// 参数 requestsPerSec: REST 请求速率上限
// 参数 burst: 令牌桶突发容量
func NewClient(apiKey, apiSecret string, requestsPerSec float64, burst int, logger *zap.Logger) *Client {
	return &Client{
		futuresClient: gobinance.NewFuturesClient(apiKey, apiSecret),
		spotClient:    gobinance.NewClient(apiKey, apiSecret),
		limiter:       rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		logger:        logger.Named("binance"),
		limitsCache:   make(map[limitsKey]exchange.SymbolLimits),
	}
}

// FuturesClient 获取底层合约客户端（用户数据流共用）
func (c *Client) FuturesClient() *futures.Client {
	return c.futuresClient
}

// PlaceLimitOrder 挂限价单（GTC）
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, market model.MarketType, side exchange.OrderSide, qty, price float64) (*exchange.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if market == model.MarketFutures {
		res, err := c.futuresClient.NewCreateOrderService().
			Symbol(symbol).
			Side(futuresSide(side)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(fastparse.FormatFloat(qty, -1)).
			Price(fastparse.FormatFloat(price, -1)).
			Do(ctx)
		if err != nil {
			return nil, c.mapError("下限价单", symbol, err)
		}
		return &exchange.Order{
			ID:       strconv.FormatInt(res.OrderID, 10),
			Symbol:   symbol,
			Market:   market,
			Side:     side,
			Status:   mapFuturesStatus(res.Status),
			Price:    price,
			Quantity: qty,
		}, nil
	}

	res, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(spotSide(side)).
		Type(gobinance.OrderTypeLimit).
		TimeInForce(gobinance.TimeInForceTypeGTC).
		Quantity(fastparse.FormatFloat(qty, -1)).
		Price(fastparse.FormatFloat(price, -1)).
		Do(ctx)
	if err != nil {
		return nil, c.mapError("下限价单", symbol, err)
	}
	return &exchange.Order{
		ID:       strconv.FormatInt(res.OrderID, 10),
		Symbol:   symbol,
		Market:   market,
		Side:     side,
		Status:   mapSpotStatus(res.Status),
		Price:    price,
		Quantity: qty,
	}, nil
}

// PlaceStopOrder 挂止损单
// 合约: STOP_MARKET 触价市价；现货: STOP_LOSS_LIMIT（限价挂在触发价）。
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, market model.MarketType, side exchange.OrderSide, qty, stopPrice float64) (*exchange.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if market == model.MarketFutures {
		res, err := c.futuresClient.NewCreateOrderService().
			Symbol(symbol).
			Side(futuresSide(side)).
			Type(futures.OrderTypeStopMarket).
			Quantity(fastparse.FormatFloat(qty, -1)).
			StopPrice(fastparse.FormatFloat(stopPrice, -1)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return nil, c.mapError("下止损单", symbol, err)
		}
		return &exchange.Order{
			ID:       strconv.FormatInt(res.OrderID, 10),
			Symbol:   symbol,
			Market:   market,
			Side:     side,
			Status:   mapFuturesStatus(res.Status),
			Price:    stopPrice,
			Quantity: qty,
		}, nil
	}

	res, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(spotSide(side)).
		Type(gobinance.OrderTypeStopLossLimit).
		TimeInForce(gobinance.TimeInForceTypeGTC).
		Quantity(fastparse.FormatFloat(qty, -1)).
		StopPrice(fastparse.FormatFloat(stopPrice, -1)).
		Price(fastparse.FormatFloat(stopPrice, -1)).
		Do(ctx)
	if err != nil {
		return nil, c.mapError("下止损单", symbol, err)
	}
	return &exchange.Order{
		ID:       strconv.FormatInt(res.OrderID, 10),
		Symbol:   symbol,
		Market:   market,
		Side:     side,
		Status:   mapSpotStatus(res.Status),
		Price:    stopPrice,
		Quantity: qty,
	}, nil
}

// PlaceTakeProfitOrder 挂止盈单
// 合约: TAKE_PROFIT_MARKET；现货: TAKE_PROFIT_LIMIT。
func (c *Client) PlaceTakeProfitOrder(ctx context.Context, symbol string, market model.MarketType, side exchange.OrderSide, qty, tpPrice float64) (*exchange.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if market == model.MarketFutures {
		res, err := c.futuresClient.NewCreateOrderService().
			Symbol(symbol).
			Side(futuresSide(side)).
			Type(futures.OrderTypeTakeProfitMarket).
			Quantity(fastparse.FormatFloat(qty, -1)).
			StopPrice(fastparse.FormatFloat(tpPrice, -1)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return nil, c.mapError("下止盈单", symbol, err)
		}
		return &exchange.Order{
			ID:       strconv.FormatInt(res.OrderID, 10),
			Symbol:   symbol,
			Market:   market,
			Side:     side,
			Status:   mapFuturesStatus(res.Status),
			Price:    tpPrice,
			Quantity: qty,
		}, nil
	}

	res, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(spotSide(side)).
		Type(gobinance.OrderTypeTakeProfitLimit).
		TimeInForce(gobinance.TimeInForceTypeGTC).
		Quantity(fastparse.FormatFloat(qty, -1)).
		StopPrice(fastparse.FormatFloat(tpPrice, -1)).
		Price(fastparse.FormatFloat(tpPrice, -1)).
		Do(ctx)
	if err != nil {
		return nil, c.mapError("下止盈单", symbol, err)
	}
	return &exchange.Order{
		ID:       strconv.FormatInt(res.OrderID, 10),
		Symbol:   symbol,
		Market:   market,
		Side:     side,
		Status:   mapSpotStatus(res.Status),
		Price:    tpPrice,
		Quantity: qty,
	}, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, symbol string, market model.MarketType, orderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("无效的订单标识 '%s': %w", orderID, err)
	}

	if market == model.MarketFutures {
		if _, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
			return c.mapError("撤单", symbol, err)
		}
		return nil
	}
	if _, err := c.spotClient.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.mapError("撤单", symbol, err)
	}
	return nil
}

// SetLeverage 设置合约杠杆
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return c.mapError("设置杠杆", symbol, err)
	}
	return nil
}

// FetchOpenPositions 查询全部未平仓合约仓位
// 现货没有仓位概念，余额变动不纳入对账。
func (c *Client) FetchOpenPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.mapError("查询仓位", "", err)
	}

	out := make([]exchange.PositionInfo, 0, len(risks))
	for _, r := range risks {
		amt := fastparse.MustParseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := model.SideLong
		qty := amt
		if amt < 0 {
			side = model.SideShort
			qty = -amt
		}
		out = append(out, exchange.PositionInfo{
			Symbol:        r.Symbol,
			Market:        model.MarketFutures,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    fastparse.MustParseFloat(r.EntryPrice),
			MarkPrice:     fastparse.MustParseFloat(r.MarkPrice),
			UnrealizedPnL: fastparse.MustParseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

// FetchOrderStatus 查询订单状态
func (c *Client) FetchOrderStatus(ctx context.Context, symbol string, market model.MarketType, orderID string) (*exchange.Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的订单标识 '%s': %w", orderID, err)
	}

	if market == model.MarketFutures {
		o, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
		if err != nil {
			return nil, c.mapError("查询订单", symbol, err)
		}
		return &exchange.Order{
			ID:          orderID,
			Symbol:      symbol,
			Market:      market,
			Status:      mapFuturesStatus(o.Status),
			Price:       fastparse.MustParseFloat(o.Price),
			Quantity:    fastparse.MustParseFloat(o.OrigQuantity),
			ExecutedQty: fastparse.MustParseFloat(o.ExecutedQuantity),
			AvgPrice:    fastparse.MustParseFloat(o.AvgPrice),
		}, nil
	}

	o, err := c.spotClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.mapError("查询订单", symbol, err)
	}
	avg := 0.0
	if executed := fastparse.MustParseFloat(o.ExecutedQuantity); executed > 0 {
		avg = fastparse.MustParseFloat(o.CummulativeQuoteQuantity) / executed
	}
	return &exchange.Order{
		ID:          orderID,
		Symbol:      symbol,
		Market:      market,
		Status:      mapSpotStatus(o.Status),
		Price:       fastparse.MustParseFloat(o.Price),
		Quantity:    fastparse.MustParseFloat(o.OrigQuantity),
		ExecutedQty: fastparse.MustParseFloat(o.ExecutedQuantity),
		AvgPrice:    avg,
	}, nil
}

// FetchBalance 查询合约账户 USDT 余额
func (c *Client) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	balances, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, c.mapError("查询余额", "", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return &exchange.Balance{
				Asset:     b.Asset,
				Total:     fastparse.MustParseFloat(b.Balance),
				Available: fastparse.MustParseFloat(b.AvailableBalance),
			}, nil
		}
	}
	return &exchange.Balance{Asset: "USDT"}, nil
}

// FetchMarkPrice 查询标记价格（合约）/ 最新成交价（现货）
func (c *Client) FetchMarkPrice(ctx context.Context, symbol string, market model.MarketType) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	if market == model.MarketFutures {
		premiums, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			return 0, c.mapError("查询标记价", symbol, err)
		}
		if len(premiums) == 0 {
			return 0, fmt.Errorf("标记价为空: %s", symbol)
		}
		return fastparse.MustParseFloat(premiums[0].MarkPrice), nil
	}

	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.mapError("查询最新价", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("最新价为空: %s", symbol)
	}
	return fastparse.MustParseFloat(prices[0].Price), nil
}

// mapError 将交易所错误映射为类型化错误
// 网络层错误归为 ErrNetwork；API 错误按错误码分类。
func (c *Client) mapError(op, symbol string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		mapped := classifyAPICode(apiErr.Code)
		c.logger.Warn("Binance API 错误",
			zap.String("op", op),
			zap.String("symbol", symbol),
			zap.Int64("code", apiErr.Code),
			zap.String("message", apiErr.Message))
		return fmt.Errorf("%s失败 (code=%d %s): %w", op, apiErr.Code, apiErr.Message, mapped)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s失败: %v: %w", op, err, exchange.ErrNetwork)
	}
	return fmt.Errorf("%s失败: %v: %w", op, err, exchange.ErrNetwork)
}

// classifyAPICode 按 Binance 错误码分类
// -1003/-1015: 限频；-2010/-4164 等下单拒绝；-2019: 保证金不足；
// -2011/-2013: 订单不存在或撤单被拒。
func classifyAPICode(code int64) error {
	switch code {
	case -1003, -1015:
		return exchange.ErrRateLimited
	case -2019:
		return exchange.ErrInsufficientFunds
	case -2011, -2013:
		return exchange.ErrOrderNotFound
	default:
		return exchange.ErrRejected
	}
}

// futuresSide 转换为合约订单方向
func futuresSide(side exchange.OrderSide) futures.SideType {
	if side == exchange.Buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// spotSide 转换为现货订单方向
func spotSide(side exchange.OrderSide) gobinance.SideType {
	if side == exchange.Buy {
		return gobinance.SideTypeBuy
	}
	return gobinance.SideTypeSell
}

// mapFuturesStatus 映射合约订单状态
func mapFuturesStatus(s futures.OrderStatusType) exchange.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return exchange.StatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case futures.OrderStatusTypeCanceled:
		return exchange.StatusCanceled
	case futures.OrderStatusTypeExpired:
		return exchange.StatusExpired
	case futures.OrderStatusTypeRejected:
		return exchange.StatusRejected
	default:
		return exchange.StatusNew
	}
}

// mapSpotStatus 映射现货订单状态
func mapSpotStatus(s gobinance.OrderStatusType) exchange.OrderStatus {
	switch s {
	case gobinance.OrderStatusTypeNew:
		return exchange.StatusNew
	case gobinance.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartiallyFilled
	case gobinance.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case gobinance.OrderStatusTypeCanceled:
		return exchange.StatusCanceled
	case gobinance.OrderStatusTypeExpired:
		return exchange.StatusExpired
	case gobinance.OrderStatusTypeRejected:
		return exchange.StatusRejected
	default:
		return exchange.StatusNew
	}
}
