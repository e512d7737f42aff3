// Package ai 模型输出解码测试
package ai

import (
	"testing"

	"signal-copy-trader/internal/core/model"
)

func TestDecodeSignal_ModelOutputs(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantSignal bool
		wantErr    bool
		wantSymbol string
		wantSide   model.Side
		wantConf   float64
		wantTPs    int
	}{
		{
			name: "标准输出",
			text: `{"signal":{"symbol":"BTCUSDT","side":"long","market":"futures","entry_price":45000,"stop_loss":44000,"take_profits":[47000,48000],"leverage":10,"confidence":0.85}}`,
			wantSignal: true,
			wantSymbol: "BTCUSDT",
			wantSide:   model.SideLong,
			wantConf:   0.85,
			wantTPs:    2,
		},
		{
			name: "带 markdown 栅栏的输出",
			text: "```json\n{\"signal\":{\"symbol\":\"ethusdt\",\"side\":\"short\",\"market\":\"futures\",\"entry_price\":3000,\"stop_loss\":3100,\"take_profits\":[2900],\"leverage\":5,\"confidence\":0.9}}\n```",
			wantSignal: true,
			wantSymbol: "ETHUSDT",
			wantSide:   model.SideShort,
			wantConf:   0.9,
			wantTPs:    1,
		},
		{
			name: "置信度按 0-100 给出时归一化",
			text: `{"signal":{"symbol":"SOLUSDT","side":"long","entry_price":100,"stop_loss":95,"take_profits":[110],"confidence":85}}`,
			wantSignal: true,
			wantSymbol: "SOLUSDT",
			wantSide:   model.SideLong,
			wantConf:   0.85,
			wantTPs:    1,
		},
		{
			name: "JSON 前后带解释文字",
			text: `Here is the extracted signal: {"signal":{"symbol":"BTCUSDT","side":"long","entry_price":50000,"stop_loss":49000,"take_profits":[52000]}} Hope this helps.`,
			wantSignal: true,
			wantSymbol: "BTCUSDT",
			wantSide:   model.SideLong,
			wantTPs:    1,
		},
		{
			name:       "模型判定无信号",
			text:       `{"signal": null}`,
			wantSignal: false,
		},
		{
			name:    "缺少止损",
			text:    `{"signal":{"symbol":"BTCUSDT","side":"long","entry_price":50000,"take_profits":[52000]}}`,
			wantErr: true,
		},
		{
			name:    "缺少止盈",
			text:    `{"signal":{"symbol":"BTCUSDT","side":"long","entry_price":50000,"stop_loss":49000,"take_profits":[]}}`,
			wantErr: true,
		},
		{
			name:    "止损贴入场价过近",
			text:    `{"signal":{"symbol":"BTCUSDT","side":"long","entry_price":50000,"stop_loss":49999,"take_profits":[52000]}}`,
			wantErr: true,
		},
		{
			name:    "无效方向",
			text:    `{"signal":{"symbol":"BTCUSDT","side":"hold","entry_price":50000,"stop_loss":49000,"take_profits":[52000]}}`,
			wantErr: true,
		},
		{
			name:    "杠杆超出范围",
			text:    `{"signal":{"symbol":"BTCUSDT","side":"long","entry_price":50000,"stop_loss":49000,"take_profits":[52000],"leverage":200}}`,
			wantErr: true,
		},
		{
			name:    "输出不含 JSON",
			text:    "I could not find any trading signal in this message.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := DecodeSignal(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("期望错误但得到 nil (signal=%+v)", sig)
				}
				return
			}
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if !tt.wantSignal {
				if sig != nil {
					t.Fatalf("期望 nil 但得到信号: %+v", sig)
				}
				return
			}
			if sig == nil {
				t.Fatalf("期望信号但得到 nil")
			}
			if sig.Symbol != tt.wantSymbol {
				t.Errorf("Symbol=%s, want %s", sig.Symbol, tt.wantSymbol)
			}
			if sig.Side != tt.wantSide {
				t.Errorf("Side=%s, want %s", sig.Side, tt.wantSide)
			}
			if tt.wantConf > 0 && sig.Confidence != tt.wantConf {
				t.Errorf("Confidence=%f, want %f", sig.Confidence, tt.wantConf)
			}
			if len(sig.TakeProfits) != tt.wantTPs {
				t.Errorf("len(TakeProfits)=%d, want %d", len(sig.TakeProfits), tt.wantTPs)
			}
		})
	}
}

func TestDecodeSignal_MarketEntry(t *testing.T) {
	sig, err := DecodeSignal(`{"signal":{"symbol":"BTCUSDT","side":"long","entry_price":0,"market_entry":true,"stop_loss":49000,"take_profits":[52000]}}`)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if sig == nil {
		t.Fatalf("期望信号但得到 nil")
	}
	if !sig.MarketEntry {
		t.Errorf("MarketEntry=false, want true")
	}
	if sig.EntryPrice != 0 {
		t.Errorf("EntryPrice=%f, want 0", sig.EntryPrice)
	}
}

func TestDecodeSignal_DefaultMarketIsFutures(t *testing.T) {
	sig, err := DecodeSignal(`{"signal":{"symbol":"BTCUSDT","side":"long","entry_price":50000,"stop_loss":49000,"take_profits":[52000]}}`)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if sig.Market != model.MarketFutures {
		t.Errorf("Market=%s, want futures", sig.Market)
	}
}
