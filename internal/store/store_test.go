package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	_ "modernc.org/sqlite"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/risk"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func TestSchemaCreated(t *testing.T) {
	s, path := newTestStore(t)
	assert.NoError(t, s.Close())

	db, err := sql.Open("sqlite", path)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('positions','risk_days','trades')`)
	assert.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		assert.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	assert.NoError(t, rows.Err())

	assert.True(t, found["positions"])
	assert.True(t, found["risk_days"])
	assert.True(t, found["trades"])
}

func TestPositionRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	pos := &model.Position{
		ID:                 "P1",
		Symbol:             "BTCUSDT",
		Market:             model.MarketFutures,
		Side:               model.SideLong,
		EntryPrice:         50000,
		Quantity:           0.003,
		InitialQuantity:    0.003,
		Leverage:           10,
		StopLossOrderID:    "sl-1",
		TakeProfitOrderIDs: []string{"tp-1", "tp-2"},
		StopLoss:           49000,
		TakeProfits:        []float64{51000, 52000},
		OpenedAt:           time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		SignalID:           "msg-42",
		Confirmed:          true,
		RealizedPnL:        1.5,
		LastMarkPrice:      50500,
		TPHits:             []int{1},
	}
	assert.NoError(t, s.SavePosition(pos))

	loaded, err := s.LoadPositions()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, pos.ID, got.ID)
	assert.Equal(t, pos.Symbol, got.Symbol)
	assert.Equal(t, pos.Market, got.Market)
	assert.Equal(t, pos.Side, got.Side)
	assert.Equal(t, pos.EntryPrice, got.EntryPrice)
	assert.Equal(t, pos.Quantity, got.Quantity)
	assert.Equal(t, pos.StopLossOrderID, got.StopLossOrderID)
	assert.Equal(t, pos.TakeProfitOrderIDs, got.TakeProfitOrderIDs)
	assert.Equal(t, pos.TakeProfits, got.TakeProfits)
	assert.Equal(t, pos.TPHits, got.TPHits)
	assert.True(t, got.Confirmed)
	assert.Equal(t, pos.RealizedPnL, got.RealizedPnL)
}

func TestPositionUpsertAndDelete(t *testing.T) {
	s, _ := newTestStore(t)

	pos := &model.Position{
		ID: "P1", Symbol: "ETHUSDT", Market: model.MarketFutures, Side: model.SideShort,
		EntryPrice: 3000, Quantity: 0.05, InitialQuantity: 0.05, Leverage: 5,
		StopLoss: 3100, OpenedAt: time.Now().UTC(),
	}
	assert.NoError(t, s.SavePosition(pos))

	// 同键更新而非重复插入
	pos.Quantity = 0.03
	pos.RealizedPnL = 2.0
	assert.NoError(t, s.SavePosition(pos))

	loaded, err := s.LoadPositions()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Equal(t, 0.03, loaded[0].Quantity)

	assert.NoError(t, s.DeletePosition(pos.Key()))
	loaded, err = s.LoadPositions()
	assert.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRiskDayRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok, err := s.LoadRiskDay("2026-08-27")
	assert.NoError(t, err)
	assert.False(t, ok)

	snap := risk.StateSnapshot{
		DayKey:         "2026-08-27",
		DailyPnL:       -120.5,
		TradingEnabled: true,
		HaltedByLoss:   false,
	}
	assert.NoError(t, s.SaveRiskDay(snap))

	// 同日更新
	snap.DailyPnL = -310
	snap.TradingEnabled = false
	snap.HaltedByLoss = true
	assert.NoError(t, s.SaveRiskDay(snap))

	got, ok, err := s.LoadRiskDay("2026-08-27")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -310.0, got.DailyPnL)
	assert.False(t, got.TradingEnabled)
	assert.True(t, got.HaltedByLoss)
}

func TestTradeHistory(t *testing.T) {
	s, _ := newTestStore(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &model.TradeRecord{
			Symbol:     "BTCUSDT",
			Side:       "long",
			Market:     "futures",
			EntryPrice: 50000,
			Quantity:   0.003,
			Leverage:   10,
			PnL:        float64(i) * 10,
			Reason:     "take_profit",
			HoldHours:  1.5,
			SignalID:   "msg-1",
			OpenedAt:   base,
			ClosedAt:   base.Add(time.Duration(i) * time.Hour),
		}
		assert.NoError(t, s.RecordTrade(rec))
	}

	trades, err := s.ListTrades(2)
	assert.NoError(t, err)
	assert.Len(t, trades, 2)
	// 按平仓时间倒序
	assert.Equal(t, 20.0, trades[0].PnL)
	assert.Equal(t, 10.0, trades[1].PnL)

	all, err := s.ListTrades(0)
	assert.NoError(t, err)
	assert.Len(t, all, 3)
}
