// Package main 是信号跟单执行器的入口点。
// 从告警流读取群聊消息，经 AI 抽取为候选信号，依次通过验证、
// 订单规划与执行引擎落到交易所，仓位追踪与对账循环维护持仓事实。
//
// demo 模式使用内存交易所（入场立即成交），live 模式对接 Binance。
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"signal-copy-trader/internal/ai"
	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/exec"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/plan"
	"signal-copy-trader/internal/core/risk"
	"signal-copy-trader/internal/core/track"
	"signal-copy-trader/internal/core/validate"
	"signal-copy-trader/internal/exchange"
	"signal-copy-trader/internal/exchange/binance"
	"signal-copy-trader/internal/exchange/sim"
	"signal-copy-trader/internal/notify"
	"signal-copy-trader/internal/output/jsonl"
	"signal-copy-trader/internal/stats/perf"
	"signal-copy-trader/internal/store"
	"signal-copy-trader/internal/util/timeutil"
)

// statsLogInterval 绩效统计输出间隔
const statsLogInterval = 10 * time.Minute

func main() {
	var configPath string
	var alertsPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.StringVar(&alertsPath, "alerts", "-", "告警消息来源（JSONL/纯文本，每行一条；- 表示 stdin）")
	flag.Parse()

	cfgStore, err := config.NewStore(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgStore.Current()

	logger := newLogger(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT/SIGTERM 优雅退出，SIGHUP 热加载配置
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sigCh {
			if s == syscall.SIGHUP {
				if err := cfgStore.Reload(); err != nil {
					logger.Warn("配置热加载失败，保留旧配置", zap.Error(err))
				} else {
					logger.Info("配置已热加载")
				}
				continue
			}
			logger.Info("收到退出信号，开始优雅关闭")
			cancel()
			return
		}
	}()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("打开数据库失败", zap.Error(err))
		os.Exit(1)
	}

	riskState := risk.NewState(cfg.Trading.Enabled)
	if snap, ok, err := db.LoadRiskDay(timeutil.DayKey(time.Now())); err != nil {
		logger.Warn("加载风控状态失败", zap.Error(err))
	} else if ok {
		riskState.Restore(snap.DayKey, snap.DailyPnL, snap.TradingEnabled, snap.HaltedByLoss)
		logger.Info("风控状态已恢复",
			zap.String("day", snap.DayKey),
			zap.Float64("daily_pnl", snap.DailyPnL),
			zap.Bool("halted", snap.HaltedByLoss))
	}

	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.TelegramToken != "" {
		sinks = append(sinks, notify.NewTelegramNotifier(
			cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID,
			timeutil.MsToDuration(cfg.Notify.TimeoutMs), logger))
	}
	dispatcher := notify.NewDispatcher(logger, 64, sinks...)

	// 交易所与成交推送
	var ex exchange.Exchange
	var fills <-chan *model.FillEvent
	var simEx *sim.Sim
	var userStream *binance.UserStream
	if cfg.IsLive() {
		client := binance.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
			cfg.Exchange.RequestsPerSec, cfg.Exchange.Burst, logger)
		userStream = binance.NewUserStream(&cfg.Exchange, client.FuturesClient(), logger)
		if err := userStream.Connect(ctx); err != nil {
			logger.Error("用户数据流连接失败", zap.Error(err))
			os.Exit(1)
		}
		ex = client
		fills = userStream.Fills()
	} else {
		simEx = sim.New()
		simEx.AutoFillEntry = true
		ex = simEx
		fills = simEx.Fills()
		logger.Info("demo 模式：使用内存交易所，入场立即成交")
	}

	tracker := track.New(ex, riskState, cfgStore, db, dispatcher, logger)
	if positions, err := db.LoadPositions(); err != nil {
		logger.Warn("加载持久化仓位失败", zap.Error(err))
	} else if len(positions) > 0 {
		tracker.Restore(positions)
	}

	cache := risk.NewSignalCache(timeutil.MsToDuration(cfg.SignalCache.TTLMs))
	validator := validate.New(cfgStore, riskState, cache, tracker, logger)
	engine := exec.New(ex, tracker, cfgStore, dispatcher, logger)
	reconciler := track.NewReconciler(tracker, ex, cfgStore, dispatcher, logger)
	extractor := ai.NewGeminiExtractor(&cfg.AI, logger)

	perfCalc := perf.NewCalculator(1000)
	engine.SetLatencyHook(perfCalc.ObserveExecLatency)
	tracker.OnClose(perfCalc.AddTrade)

	var journal *jsonl.Journal
	if cfg.Store.JournalDir != "" {
		journal, err = jsonl.NewJournal(cfg.Store.JournalDir, cfg.Store.BufferSize)
		if err != nil {
			logger.Error("创建交易流水失败", zap.Error(err))
			os.Exit(1)
		}
		tracker.OnClose(func(rec *model.TradeRecord) {
			if err := journal.Record(rec); err != nil {
				logger.Warn("写交易流水失败", zap.Error(err))
			}
		})
	}

	// 信号队列：容量满时丢弃最旧信号（交易信号过期比积压更糟）
	queue := make(chan *model.CandidateSignal, cfg.Exec.QueueSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return reconciler.Run(gctx) })

	if userStream != nil {
		g.Go(func() error {
			userStream.Run(gctx)
			return nil
		})
	}

	// 成交推送泵
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-fills:
				if !ok {
					return nil
				}
				tracker.ApplyFill(gctx, ev)
			}
		}
	})

	// 告警读取与 AI 抽取
	g.Go(func() error {
		return readAlerts(gctx, alertsPath, extractor, queue, logger)
	})

	// 交易流水线：验证 -> 规划 -> 执行
	g.Go(func() error {
		return runPipeline(gctx, queue, validator, engine, ex, simEx, cfgStore, dispatcher, logger)
	})

	// 绩效统计输出
	g.Go(func() error {
		ticker := time.NewTicker(statsLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				logStats(logger, perfCalc.Snapshot())
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("流水线退出", zap.Error(err))
	}

	logStats(logger, perfCalc.Snapshot())

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if userStream != nil {
			_ = userStream.Close()
		}
		dispatcher.Close()
		if journal != nil {
			_ = journal.Close()
		}
		_ = db.Close()
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
}

// readAlerts 逐行读取告警消息并经 AI 抽取入队
// 每行一条消息；抽取失败或无信号的消息跳过。文件读尽后正常返回，
// 流水线其余部分（持仓、对账）继续运行。
func readAlerts(ctx context.Context, path string, extractor ai.Extractor, queue chan *model.CandidateSignal, logger *zap.Logger) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("打开告警来源失败: %w", err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seq := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		seq++
		sourceID := fmt.Sprintf("alert-%d", seq)

		sig, err := extractor.Extract(ctx, line, sourceID)
		if err != nil {
			logger.Warn("信号抽取失败", zap.String("source_id", sourceID), zap.Error(err))
			continue
		}
		if sig == nil {
			continue
		}
		enqueue(queue, sig, logger)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("读取告警来源失败: %w", err)
	}
	logger.Info("告警来源读尽", zap.Int("messages", seq))
	return nil
}

// enqueue 信号入队，队列满时丢弃最旧信号
func enqueue(queue chan *model.CandidateSignal, sig *model.CandidateSignal, logger *zap.Logger) {
	for {
		select {
		case queue <- sig:
			return
		default:
		}
		select {
		case dropped := <-queue:
			logger.Warn("信号队列已满，丢弃最旧信号",
				zap.String("symbol", dropped.Symbol),
				zap.String("source_id", dropped.SourceID))
		default:
		}
	}
}

// runPipeline 消费信号队列，逐条走完验证、规划与执行
func runPipeline(
	ctx context.Context,
	queue <-chan *model.CandidateSignal,
	validator *validate.Validator,
	engine *exec.Engine,
	ex exchange.Exchange,
	simEx *sim.Sim,
	cfgStore *config.Store,
	notifier notify.Notifier,
	logger *zap.Logger,
) error {
	for {
		var sig *model.CandidateSignal
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig = <-queue:
		}

		trade, rej := validator.Validate(sig)
		if rej != nil {
			// 拒绝原因已在验证器内记录，这里只通知
			notifier.Notify(notify.Rejectedf(sig.Symbol, string(rej.Reason), "%s", rej.Detail))
			continue
		}

		// demo 模式下交易所没有行情，以信号入场价作标记价
		if simEx != nil {
			simEx.SetMarkPrice(sig.Symbol, sig.EntryPrice)
		}

		markPrice, err := ex.FetchMarkPrice(ctx, sig.Symbol, sig.Market)
		if err != nil {
			logger.Warn("查询标记价失败，跳过入场价前置检查",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			markPrice = 0
		}
		limits, err := ex.FetchSymbolLimits(ctx, sig.Symbol, sig.Market)
		if err != nil {
			logger.Warn("查询下单限制失败，跳过最小量检查",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			limits = nil
		}

		orderPlan, rej := plan.Plan(trade, cfgStore.Current(), markPrice, limits)
		if rej != nil {
			logger.Info("订单规划拒绝",
				zap.String("symbol", sig.Symbol),
				zap.String("reason", string(rej.Reason)),
				zap.String("detail", rej.Detail))
			notifier.Notify(notify.Rejectedf(sig.Symbol, string(rej.Reason), "%s", rej.Detail))
			continue
		}

		if err := engine.Execute(ctx, orderPlan); err != nil {
			logger.Error("执行失败",
				zap.String("trade_id", orderPlan.TradeID),
				zap.String("symbol", orderPlan.Symbol),
				zap.Error(err))
		}
	}
}

// logStats 输出绩效统计快照
func logStats(logger *zap.Logger, s perf.Stats) {
	if s.Count == 0 && s.ExecCount == 0 {
		return
	}
	logger.Info("绩效统计",
		zap.Int64("trades", s.Count),
		zap.Float64("win_rate", s.WinRate),
		zap.Float64("total_pnl", s.TotalPnL),
		zap.Float64("profit_factor", s.ProfitFactor),
		zap.Float64("avg_hold_hours", s.AvgHoldHours),
		zap.Int64("exec_count", s.ExecCount),
		zap.Float64("avg_exec_ms", s.AvgExecMs),
		zap.Float64("max_exec_ms", s.MaxExecMs))
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
