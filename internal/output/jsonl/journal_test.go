// Package jsonl 交易流水写入测试
package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"signal-copy-trader/internal/core/model"
)

func TestJournal_WriteAndRead(t *testing.T) {
	dir := t.TempDir()

	j, err := NewJournal(dir, 10)
	if err != nil {
		t.Fatalf("创建流水写入器失败: %v", err)
	}

	closedAt := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	recs := []*model.TradeRecord{
		{Symbol: "BTCUSDT", Side: "long", Market: "futures", PnL: 12.5, Reason: "take_profit", ClosedAt: closedAt},
		{Symbol: "ETHUSDT", Side: "short", Market: "futures", PnL: -4.2, Reason: "stop_loss", ClosedAt: closedAt},
	}
	for _, rec := range recs {
		if err := j.Record(rec); err != nil {
			t.Fatalf("写入失败: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "trades-2026-08.jsonl"))
	if err != nil {
		t.Fatalf("打开流水文件失败: %v", err)
	}
	defer f.Close()

	var got []model.TradeRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec model.TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("解析流水行失败: %v", err)
		}
		got = append(got, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("读取流水失败: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("记录数=%d, want 2", len(got))
	}
	if got[0].Symbol != "BTCUSDT" || got[0].PnL != 12.5 {
		t.Errorf("第一条记录不符: %+v", got[0])
	}
	if got[1].Symbol != "ETHUSDT" || got[1].Reason != "stop_loss" {
		t.Errorf("第二条记录不符: %+v", got[1])
	}
}

func TestJournal_MonthlyRotation(t *testing.T) {
	dir := t.TempDir()

	j, err := NewJournal(dir, 10)
	if err != nil {
		t.Fatalf("创建流水写入器失败: %v", err)
	}

	_ = j.Record(&model.TradeRecord{Symbol: "BTCUSDT", ClosedAt: time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)})
	_ = j.Record(&model.TradeRecord{Symbol: "BTCUSDT", ClosedAt: time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)})
	if err := j.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	for _, name := range []string{"trades-2026-07.jsonl", "trades-2026-08.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("缺少流水文件 %s: %v", name, err)
		}
	}
}

func TestJournal_ClosedRejectsWrites(t *testing.T) {
	dir := t.TempDir()

	j, err := NewJournal(dir, 10)
	if err != nil {
		t.Fatalf("创建流水写入器失败: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	if err := j.Record(&model.TradeRecord{Symbol: "BTCUSDT", ClosedAt: time.Now()}); err == nil {
		t.Fatalf("期望错误但得到 nil")
	}
}
