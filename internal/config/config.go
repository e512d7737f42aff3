// Package config 负责加载和验证 YAML 配置文件。
// 提供流水线所需的所有配置项，包括风控参数、订单规划参数、交易所连接等。
// 配置以不可变快照形式被消费：每次决策读取一份快照，热更新只影响之后的决策。
package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
// 包含所有子模块的配置项。加载后视为只读。
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Mode 运行模式: demo 或 live
	Mode string `yaml:"mode"`
	// Trading 风控与仓位配置
	Trading TradingConfig `yaml:"trading"`
	// Plan 订单规划配置
	Plan PlanConfig `yaml:"plan"`
	// Exec 执行引擎配置
	Exec ExecConfig `yaml:"exec"`
	// SignalCache 信号指纹缓存配置
	SignalCache SignalCacheConfig `yaml:"signal_cache"`
	// Reconcile 对账循环配置
	Reconcile ReconcileConfig `yaml:"reconcile"`
	// Exchange 交易所连接配置
	Exchange ExchangeConfig `yaml:"exchange"`
	// AI 信号抽取配置
	AI AIConfig `yaml:"ai"`
	// Notify 通知配置
	Notify NotifyConfig `yaml:"notify"`
	// Store 持久化配置
	Store StoreConfig `yaml:"store"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// TradingConfig 风控与仓位配置
type TradingConfig struct {
	// Enabled 交易总开关
	Enabled bool `yaml:"enabled"`
	// Leverage 杠杆覆盖值（0 表示使用信号提示的杠杆）
	Leverage int `yaml:"leverage"`
	// FuturesPositionSizeUSD 合约单笔仓位规模（计价货币）
	FuturesPositionSizeUSD float64 `yaml:"futures_position_size_usd"`
	// SpotPositionSizeUSD 现货单笔仓位规模（计价货币）
	SpotPositionSizeUSD float64 `yaml:"spot_position_size_usd"`
	// MaxFuturesPositions 合约最大并发持仓数
	MaxFuturesPositions int `yaml:"max_futures_positions"`
	// MaxSpotPositions 现货最大并发持仓数
	MaxSpotPositions int `yaml:"max_spot_positions"`
	// MaxDailyLossUSD 日内最大亏损（计价货币），达到后熔断
	MaxDailyLossUSD float64 `yaml:"max_daily_loss_usd"`
	// Blacklist 交易对黑名单
	Blacklist []string `yaml:"blacklist"`
	// MinConfidence AI 置信度下限（0-1）
	MinConfidence float64 `yaml:"min_confidence"`
	// MaxRiskReward 盈亏比上限
	MaxRiskReward float64 `yaml:"max_risk_reward"`
}

// PlanConfig 订单规划配置
type PlanConfig struct {
	// EntryOffsetBps 入场价改善容忍度（基点）
	// 入场限价允许向有利方向偏移至多该值；市场越过入场价超过该值则拒绝。
	EntryOffsetBps float64 `yaml:"entry_offset_bps"`
	// TPOffsetBps 止盈价向入场侧偏移（基点），提高成交概率
	TPOffsetBps float64 `yaml:"tp_offset_bps"`
}

// ExecConfig 执行引擎配置
type ExecConfig struct {
	// EntryFillTimeoutMs 入场单成交等待超时（毫秒），超时撤单并终止
	EntryFillTimeoutMs int `yaml:"entry_fill_timeout_ms"`
	// PollIntervalMs 订单状态轮询间隔（毫秒）
	PollIntervalMs int `yaml:"poll_interval_ms"`
	// ProtectMaxRetries 保护单挂单失败的最大重试次数
	ProtectMaxRetries int `yaml:"protect_max_retries"`
	// QueueSize 信号队列容量，满时丢弃最旧信号
	QueueSize int `yaml:"queue_size"`
	// SlowExecWarnMs 执行耗时告警阈值（毫秒）
	SlowExecWarnMs int `yaml:"slow_exec_warn_ms"`
}

// SignalCacheConfig 信号指纹缓存配置
type SignalCacheConfig struct {
	// TTLMs 指纹存活窗口（毫秒），窗口内重复指纹被拒绝
	TTLMs int `yaml:"ttl_ms"`
}

// ReconcileConfig 对账循环配置
type ReconcileConfig struct {
	// IntervalMs 对账间隔（毫秒）
	IntervalMs int `yaml:"interval_ms"`
	// QtyTolerance 数量偏差告警阈值（比例，0-1）
	QtyTolerance float64 `yaml:"qty_tolerance"`
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	// APIKey API Key（留空时读取 EXCHANGE_API_KEY 环境变量）
	APIKey string `yaml:"api_key"`
	// APISecret API Secret（留空时读取 EXCHANGE_API_SECRET 环境变量）
	APISecret string `yaml:"api_secret"`
	// RequestsPerSec REST 请求速率上限
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	// Burst 令牌桶突发容量
	Burst int `yaml:"burst"`
	// StreamPingIntervalMs 成交推送流心跳间隔（毫秒）
	StreamPingIntervalMs int `yaml:"stream_ping_interval_ms"`
	// StreamReadTimeoutMs 成交推送流读取超时（毫秒）
	StreamReadTimeoutMs int `yaml:"stream_read_timeout_ms"`
}

// AIConfig 信号抽取配置
type AIConfig struct {
	// APIKey 模型 API Key（留空时读取 GEMINI_API_KEY 环境变量）
	APIKey string `yaml:"api_key"`
	// Endpoint 模型 API 地址
	Endpoint string `yaml:"endpoint"`
	// Model 模型名称
	Model string `yaml:"model"`
	// TimeoutMs 单次调用超时（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
	// RequestsPerMin 每分钟请求上限
	RequestsPerMin int `yaml:"requests_per_min"`
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	// TelegramToken Telegram Bot Token（留空则仅日志通知）
	TelegramToken string `yaml:"telegram_token"`
	// TelegramChatID Telegram Chat ID
	TelegramChatID string `yaml:"telegram_chat_id"`
	// TimeoutMs 单次发送超时（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	// Path SQLite 数据库路径
	Path string `yaml:"path"`
	// JournalDir 交易流水 JSONL 输出目录（留空关闭）
	JournalDir string `yaml:"journal_dir"`
	// BufferSize 流水异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "signal-copy-trader"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Mode == "" {
		c.Mode = "demo"
	}

	// 风控默认值（与原始部署保持一致）
	if c.Trading.FuturesPositionSizeUSD == 0 {
		c.Trading.FuturesPositionSizeUSD = 150
	}
	if c.Trading.SpotPositionSizeUSD == 0 {
		c.Trading.SpotPositionSizeUSD = 100
	}
	if c.Trading.MaxFuturesPositions == 0 {
		c.Trading.MaxFuturesPositions = 2
	}
	if c.Trading.MaxSpotPositions == 0 {
		c.Trading.MaxSpotPositions = 1
	}
	if c.Trading.MaxDailyLossUSD == 0 {
		c.Trading.MaxDailyLossUSD = 300
	}
	if c.Trading.MinConfidence == 0 {
		c.Trading.MinConfidence = 0.7
	}
	if c.Trading.MaxRiskReward == 0 {
		c.Trading.MaxRiskReward = 3.0
	}

	if c.Plan.TPOffsetBps == 0 {
		c.Plan.TPOffsetBps = 5
	}

	if c.Exec.EntryFillTimeoutMs == 0 {
		c.Exec.EntryFillTimeoutMs = 300000 // 5 分钟
	}
	if c.Exec.PollIntervalMs == 0 {
		c.Exec.PollIntervalMs = 2000
	}
	if c.Exec.ProtectMaxRetries == 0 {
		c.Exec.ProtectMaxRetries = 3
	}
	if c.Exec.QueueSize == 0 {
		c.Exec.QueueSize = 50
	}
	if c.Exec.SlowExecWarnMs == 0 {
		c.Exec.SlowExecWarnMs = 3000
	}

	if c.SignalCache.TTLMs == 0 {
		c.SignalCache.TTLMs = 300000 // 5 分钟
	}

	if c.Reconcile.IntervalMs == 0 {
		c.Reconcile.IntervalMs = 10000
	}
	if c.Reconcile.QtyTolerance == 0 {
		c.Reconcile.QtyTolerance = 0.01
	}

	if c.Exchange.RequestsPerSec == 0 {
		c.Exchange.RequestsPerSec = 5
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 10
	}
	if c.Exchange.StreamPingIntervalMs == 0 {
		c.Exchange.StreamPingIntervalMs = 25000
	}
	if c.Exchange.StreamReadTimeoutMs == 0 {
		c.Exchange.StreamReadTimeoutMs = 60000
	}
	if c.Exchange.APIKey == "" {
		c.Exchange.APIKey = os.Getenv("EXCHANGE_API_KEY")
	}
	if c.Exchange.APISecret == "" {
		c.Exchange.APISecret = os.Getenv("EXCHANGE_API_SECRET")
	}

	if c.AI.Endpoint == "" {
		c.AI.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-1.5-flash"
	}
	if c.AI.TimeoutMs == 0 {
		c.AI.TimeoutMs = 30000
	}
	if c.AI.RequestsPerMin == 0 {
		c.AI.RequestsPerMin = 60
	}
	if c.AI.APIKey == "" {
		c.AI.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if c.Notify.TimeoutMs == 0 {
		c.Notify.TimeoutMs = 10000
	}

	if c.Store.Path == "" {
		c.Store.Path = "./trader.db"
	}
	if c.Store.BufferSize == 0 {
		c.Store.BufferSize = 1000
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	if c.Mode != "demo" && c.Mode != "live" {
		errs = append(errs, fmt.Sprintf("mode: 无效的运行模式 '%s'，有效值: demo, live", c.Mode))
	}

	if c.Trading.Leverage < 0 {
		errs = append(errs, "trading.leverage: 杠杆覆盖值不能为负数")
	}
	if c.Trading.FuturesPositionSizeUSD <= 0 {
		errs = append(errs, "trading.futures_position_size_usd: 合约仓位规模必须为正数")
	}
	if c.Trading.SpotPositionSizeUSD <= 0 {
		errs = append(errs, "trading.spot_position_size_usd: 现货仓位规模必须为正数")
	}
	if c.Trading.MaxFuturesPositions <= 0 {
		errs = append(errs, "trading.max_futures_positions: 合约持仓上限必须为正数")
	}
	if c.Trading.MaxSpotPositions <= 0 {
		errs = append(errs, "trading.max_spot_positions: 现货持仓上限必须为正数")
	}
	if c.Trading.MaxDailyLossUSD <= 0 {
		errs = append(errs, "trading.max_daily_loss_usd: 日内最大亏损必须为正数")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("trading.min_confidence: 置信度阈值必须在 0-1 之间，当前值: %f", c.Trading.MinConfidence))
	}
	if c.Trading.MaxRiskReward <= 0 {
		errs = append(errs, "trading.max_risk_reward: 盈亏比上限必须为正数")
	}

	if c.Plan.EntryOffsetBps < 0 {
		errs = append(errs, "plan.entry_offset_bps: 入场容忍度不能为负数")
	}
	if c.Plan.TPOffsetBps < 0 {
		errs = append(errs, "plan.tp_offset_bps: 止盈偏移不能为负数")
	}

	if c.Exec.EntryFillTimeoutMs <= 0 {
		errs = append(errs, "exec.entry_fill_timeout_ms: 入场超时必须为正数")
	}
	if c.Exec.PollIntervalMs <= 0 {
		errs = append(errs, "exec.poll_interval_ms: 轮询间隔必须为正数")
	}
	if c.Exec.ProtectMaxRetries < 1 {
		errs = append(errs, "exec.protect_max_retries: 保护单重试次数至少为 1")
	}

	if c.SignalCache.TTLMs <= 0 {
		errs = append(errs, "signal_cache.ttl_ms: 指纹 TTL 必须为正数")
	}

	if c.Reconcile.IntervalMs <= 0 {
		errs = append(errs, "reconcile.interval_ms: 对账间隔必须为正数")
	}
	if c.Reconcile.QtyTolerance < 0 || c.Reconcile.QtyTolerance > 1 {
		errs = append(errs, "reconcile.qty_tolerance: 数量偏差阈值必须在 0-1 之间")
	}

	if c.Mode == "live" {
		if c.Exchange.APIKey == "" {
			errs = append(errs, "exchange.api_key: live 模式必须提供 API Key")
		}
		if c.Exchange.APISecret == "" {
			errs = append(errs, "exchange.api_secret: live 模式必须提供 API Secret")
		}
	}

	if c.AI.RequestsPerMin <= 0 {
		errs = append(errs, "ai.requests_per_min: 请求速率上限必须为正数")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsLive 判断是否为实盘模式
func (c *Config) IsLive() bool {
	return c.Mode == "live"
}

// SpotSupported 判断当前模式是否支持现货交易
// demo 模式仅支持合约。
func (c *Config) SpotSupported() bool {
	return c.IsLive()
}

// IsBlacklisted 判断交易对是否在黑名单中
func (c *Config) IsBlacklisted(symbol string) bool {
	for _, s := range c.Trading.Blacklist {
		if s == symbol {
			return true
		}
	}
	return false
}

// PositionSizeUSD 获取指定市场类型的仓位规模
func (c *Config) PositionSizeUSD(futures bool) float64 {
	if futures {
		return c.Trading.FuturesPositionSizeUSD
	}
	return c.Trading.SpotPositionSizeUSD
}

// Store 配置快照容器
// 持有当前生效的不可变快照；Reload 原子替换，正在进行的决策不受影响。
type Store struct {
	// path 配置文件路径
	path string
	// current 当前快照
	current atomic.Pointer[Config]
}

// NewStore 创建配置快照容器并加载初始快照
// 参数 path: 配置文件路径
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore 从现成配置构造快照容器
// 没有文件来源，Reload 为空操作；供测试与内嵌场景使用。
func NewStaticStore(cfg *Config) *Store {
	cfg.setDefaults()
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current 获取当前配置快照
// 返回的指针视为只读；一次决策只读取一次。
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload 重新加载配置并原子替换快照
// 加载或验证失败时保留旧快照。
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}
