package binance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-copy-trader/internal/config"
	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/util/backoff"
	"signal-copy-trader/internal/util/timeutil"
)

// streamBaseURL 合约用户数据流地址
const streamBaseURL = "wss://fstream.binance.com/ws/"

// listenKeyKeepalive listenKey 续期间隔（官方要求 60 分钟内续期）
const listenKeyKeepalive = 30 * time.Minute

// UserStream 用户数据流客户端
// 通过 listenKey 订阅账户事件，过滤出保护单成交并输出 FillEvent。
// 断线自动重连并重新申请 listenKey。
type UserStream struct {
	// cfg 交易所连接配置
	cfg *config.ExchangeConfig
	// futuresClient 合约客户端（listenKey 管理）
	futuresClient *futures.Client
	// parser 消息解析器
	parser *StreamParser
	// logger 日志记录器
	logger *zap.Logger

	// conn WebSocket 连接
	conn *websocket.Conn
	// connMu 连接锁
	connMu sync.Mutex

	// listenKey 当前 listenKey
	listenKey string

	// fillCh 成交事件输出通道
	fillCh chan *model.FillEvent

	// backoff 重连退避
	backoff *backoff.Backoff
	// closed 是否已关闭
	closed int32
	// lastMsgTime 最后消息时间（纳秒）
	lastMsgTime int64
}

// NewUserStream 创建用户数据流客户端
func NewUserStream(cfg *config.ExchangeConfig, futuresClient *futures.Client, logger *zap.Logger) *UserStream {
	return &UserStream{
		cfg:           cfg,
		futuresClient: futuresClient,
		parser:        NewStreamParser(),
		logger:        logger.Named("userstream"),
		fillCh:        make(chan *model.FillEvent, 256),
		backoff:       backoff.NewDefault(),
	}
}

// Fills 成交事件输出通道
func (s *UserStream) Fills() <-chan *model.FillEvent {
	return s.fillCh
}

// Connect 申请 listenKey 并建立 WebSocket 连接
func (s *UserStream) Connect(ctx context.Context) error {
	listenKey, err := s.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("申请 listenKey 失败: %w", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	header := http.Header{}
	header.Set("User-Agent", "signal-copy-trader/1.0")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamBaseURL+listenKey, header)
	if err != nil {
		return fmt.Errorf("连接用户数据流失败: %w", err)
	}

	readTimeout := timeutil.MsToDuration(s.cfg.StreamReadTimeoutMs)
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	// Binance 服务端主动发 ping；回 pong 并顺延读超时
	conn.SetPingHandler(func(appData string) error {
		atomic.StoreInt64(&s.lastMsgTime, time.Now().UnixNano())
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	s.conn = conn
	s.listenKey = listenKey
	s.backoff.Reset()
	s.logger.Info("用户数据流连接成功")
	return nil
}

// Run 启动主循环
// 包含读取循环与 listenKey 续期循环；阻塞直到 ctx 取消。
func (s *UserStream) Run(ctx context.Context) {
	go s.keepaliveLoop(ctx)
	s.readLoop(ctx)
}

func (s *UserStream) readLoop(ctx context.Context) {
	readTimeout := timeutil.MsToDuration(s.cfg.StreamReadTimeoutMs)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			s.reconnect(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn("读取用户数据流失败", zap.Error(err))
			s.reconnect(ctx)
			continue
		}

		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		atomic.StoreInt64(&s.lastMsgTime, time.Now().UnixNano())

		fill, err := s.parser.Parse(data)
		if err != nil {
			s.logger.Warn("解析用户数据流消息失败", zap.Error(err))
			continue
		}
		if fill == nil {
			continue
		}

		select {
		case s.fillCh <- fill:
		default:
			// 成交事件不可丢；队列满说明消费端卡死，阻塞等待
			s.logger.Warn("成交事件队列已满，阻塞投递", zap.String("symbol", fill.Symbol))
			select {
			case s.fillCh <- fill:
			case <-ctx.Done():
				return
			}
		}
	}
}

// keepaliveLoop listenKey 续期循环
func (s *UserStream) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}

			s.connMu.Lock()
			listenKey := s.listenKey
			s.connMu.Unlock()
			if listenKey == "" {
				continue
			}

			err := s.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			if err != nil {
				s.logger.Warn("listenKey 续期失败", zap.Error(err))
				continue
			}
			s.logger.Debug("listenKey 已续期")
		}
	}
}

func (s *UserStream) reconnect(ctx context.Context) {
	s.closeConn()

	delay := s.backoff.Next()
	s.logger.Info("用户数据流准备重连", zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := s.Connect(ctx); err != nil {
		s.logger.Error("用户数据流重连失败", zap.Error(err))
	}
}

func (s *UserStream) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close 关闭客户端
func (s *UserStream) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	s.closeConn()
	close(s.fillCh)
	s.logger.Info("用户数据流已关闭")
	return nil
}
