// Package notify 实现生命周期事件通知。
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// TelegramNotifier Telegram Bot 通知器
// 投递失败只记录日志，不向上传播。
type TelegramNotifier struct {
	// token Bot Token
	token string
	// chatID 目标会话
	chatID string
	// client HTTP 客户端（带超时）
	client *http.Client
	// logger 日志记录器
	logger *zap.Logger
}

// NewTelegramNotifier 创建 Telegram 通知器
// 参数 token: Bot Token
// 参数 chatID: 目标会话 ID
// 参数 timeout: 单次发送超时
func NewTelegramNotifier(token, chatID string, timeout time.Duration, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("telegram"),
	}
}

// Notify 发送事件消息
// 在分发器的投递 goroutine 中执行，允许同步 HTTP 调用。
func (t *TelegramNotifier) Notify(ev Event) {
	text := ev.Message
	if ev.Critical {
		text = "🚨 " + text
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		t.logger.Warn("序列化 Telegram 消息失败", zap.Error(err))
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.logger.Warn("发送 Telegram 通知失败", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("Telegram 返回非 200", zap.Int("status", resp.StatusCode))
	}
}
