// Package ai 实现从聊天消息中抽取候选信号。
// 抽取完全交给模型完成，本包只负责请求编排、限频与结果的结构化校验；
// 模型抽不出信号或校验失败都按 "无信号" 处理，不做正则兜底猜测。
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
)

// Extractor 信号抽取接口
type Extractor interface {
	// Extract 从消息文本抽取候选信号
	// 返回 (nil, nil) 表示消息不含可交易信号。
	Extract(ctx context.Context, content, sourceID string) (*model.CandidateSignal, error)
}

// extractPrompt 抽取提示词
// 模型必须返回固定结构 JSON；抽不出信号时返回 {"signal": null}。
const extractPrompt = `You are a cryptocurrency trading signal parser. Extract trading information from the provided text.

CRITICAL REQUIREMENTS:
1. Return ONLY valid JSON in the exact format specified below
2. All numeric values must be valid numbers (not null, not strings)
3. If any required field cannot be determined, return {"signal": null}

REQUIRED JSON FORMAT:
{
    "signal": {
        "symbol": "BTCUSDT",
        "side": "long",
        "market": "futures",
        "entry_price": 45000.0,
        "market_entry": false,
        "stop_loss": 44000.0,
        "take_profits": [47000.0, 48000.0],
        "leverage": 10,
        "confidence": 0.85
    }
}

PARSING RULES:
- symbol: Extract crypto symbol (e.g., BTC, ETH) and add USDT if not present
- side: "long" for long/buy signals, "short" for short/sell signals
- market: "futures" for leveraged trades, "spot" for spot trades
- entry_price: The entry price; 0 with "market_entry": true if the signal only says enter at market
- stop_loss: The stop loss price (must be a number)
- take_profits: All take profit levels in order (at least one)
- leverage: Leverage multiplier if stated, otherwise 0
- confidence: Rate extraction confidence 0.0-1.0 based on clarity

If the content doesn't contain a clear trading signal, return {"signal": null}`

// geminiRequest generateContent 请求体
type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// geminiResponse generateContent 响应体
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// extractedSignal 模型输出的信号结构
type extractedSignal struct {
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Market      string    `json:"market"`
	EntryPrice  float64   `json:"entry_price"`
	MarketEntry bool      `json:"market_entry"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
	Leverage    int       `json:"leverage"`
	Confidence  float64   `json:"confidence"`
}

// extractEnvelope 模型输出的外层结构
type extractEnvelope struct {
	Signal *extractedSignal `json:"signal"`
}

// GeminiExtractor 基于 Gemini generateContent 的抽取器
type GeminiExtractor struct {
	// cfg AI 配置
	cfg *config.AIConfig
	// client HTTP 客户端
	client *http.Client
	// limiter 每分钟请求限频器
	limiter *rate.Limiter
	// logger 日志记录器
	logger *zap.Logger
	// now 时间源（测试注入）
	now func() time.Time
}

// NewGeminiExtractor 创建 Gemini 抽取器
func NewGeminiExtractor(cfg *config.AIConfig, logger *zap.Logger) *GeminiExtractor {
	return &GeminiExtractor{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMin)), 1),
		logger:  logger.Named("ai"),
		now:     time.Now,
	}
}

// Extract 从消息文本抽取候选信号
// 限频等待受 ctx 约束；模型判定无信号时返回 (nil, nil)。
func (g *GeminiExtractor) Extract(ctx context.Context, content, sourceID string) (*model.CandidateSignal, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: extractPrompt},
				{Text: "Signal content: " + content},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     0.1,
			TopK:            1,
			TopP:            0.8,
			MaxOutputTokens: 1024,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化抽取请求失败: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.cfg.Endpoint, g.cfg.Model, g.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构造抽取请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用模型失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取模型响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("模型返回非 200: %d %s", resp.StatusCode, truncate(string(body), 200))
	}

	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("解析模型响应失败: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("模型响应不含候选内容")
	}

	sig, err := DecodeSignal(gr.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		g.logger.Debug("模型判定消息不含信号", zap.String("source_id", sourceID))
		return nil, nil
	}

	sig.SourceID = sourceID
	sig.ArrivedAt = g.now()
	g.logger.Info("信号抽取成功",
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.Float64("confidence", sig.Confidence),
		zap.String("source_id", sourceID))
	return sig, nil
}

// DecodeSignal 解码模型输出文本为候选信号
// 剥离 markdown 代码栅栏，截取首个 '{' 到末个 '}' 之间的 JSON，
// 然后做结构化校验。返回 (nil, nil) 表示模型判定无信号。
func DecodeSignal(text string) (*model.CandidateSignal, error) {
	text = stripFences(strings.TrimSpace(text))

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("模型输出不含 JSON: %s", truncate(text, 120))
	}

	var envelope extractEnvelope
	if err := json.Unmarshal([]byte(text[start:end+1]), &envelope); err != nil {
		return nil, fmt.Errorf("解析模型输出 JSON 失败: %w", err)
	}
	if envelope.Signal == nil {
		return nil, nil
	}

	es := envelope.Signal
	if err := validateExtracted(es); err != nil {
		return nil, fmt.Errorf("模型输出校验失败: %w", err)
	}

	market := model.MarketFutures
	if strings.EqualFold(es.Market, string(model.MarketSpot)) {
		market = model.MarketSpot
	}
	side := model.SideLong
	if strings.EqualFold(es.Side, string(model.SideShort)) {
		side = model.SideShort
	}

	// 兼容模型按 0-100 给置信度的情况
	confidence := es.Confidence
	if confidence > 1 {
		confidence /= 100
	}

	return &model.CandidateSignal{
		Symbol:      strings.ToUpper(strings.TrimSpace(es.Symbol)),
		Side:        side,
		Market:      market,
		EntryPrice:  es.EntryPrice,
		MarketEntry: es.MarketEntry,
		StopLoss:    es.StopLoss,
		TakeProfits: es.TakeProfits,
		Leverage:    es.Leverage,
		Confidence:  confidence,
	}, nil
}

// validateExtracted 结构化校验模型输出
// 市价入场信号允许入场价为 0（后续由验证器拒绝），其余数值必须完整；
// 止损离入场价过近（<0.1%）视为抽取噪声。
func validateExtracted(es *extractedSignal) error {
	if strings.TrimSpace(es.Symbol) == "" {
		return fmt.Errorf("缺少 symbol")
	}
	if !strings.EqualFold(es.Side, "long") && !strings.EqualFold(es.Side, "short") {
		return fmt.Errorf("无效的 side: '%s'", es.Side)
	}
	if es.Market != "" && !strings.EqualFold(es.Market, "futures") && !strings.EqualFold(es.Market, "spot") {
		return fmt.Errorf("无效的 market: '%s'", es.Market)
	}
	if es.StopLoss <= 0 {
		return fmt.Errorf("缺少 stop_loss")
	}
	if len(es.TakeProfits) == 0 {
		return fmt.Errorf("缺少 take_profits")
	}
	for _, tp := range es.TakeProfits {
		if tp <= 0 {
			return fmt.Errorf("无效的止盈价: %f", tp)
		}
	}
	if es.Leverage < 0 || es.Leverage > 125 {
		return fmt.Errorf("无效的 leverage: %d", es.Leverage)
	}
	if !es.MarketEntry {
		if es.EntryPrice <= 0 {
			return fmt.Errorf("缺少 entry_price")
		}
		slDistance := (es.StopLoss - es.EntryPrice) / es.EntryPrice
		if slDistance < 0 {
			slDistance = -slDistance
		}
		if slDistance < 0.001 {
			return fmt.Errorf("止损离入场价过近: %.4f%%", slDistance*100)
		}
	}
	return nil
}

// stripFences 剥离 markdown 代码栅栏
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
