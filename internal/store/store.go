// Package store 实现仓位、风控状态与交易历史的 SQLite 持久化。
// 进程重启后从这里恢复内存状态，随后由对账循环向交易所事实校准。
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"signal-copy-trader/internal/core/model"
	"signal-copy-trader/internal/core/risk"
)

// Store SQLite 持久化层
type Store struct {
	db *sql.DB
}

// Open 打开数据库并建表
// 参数 path: 数据库文件路径
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 持久化调用全部串行来自追踪器锁内路径，单连接即可
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化数据库结构失败: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition 保存/更新仓位
func (s *Store) SavePosition(pos *model.Position) error {
	tpOrderIDs, err := json.Marshal(pos.TakeProfitOrderIDs)
	if err != nil {
		return fmt.Errorf("序列化止盈单标识失败: %w", err)
	}
	takeProfits, err := json.Marshal(pos.TakeProfits)
	if err != nil {
		return fmt.Errorf("序列化止盈价失败: %w", err)
	}
	tpHits, err := json.Marshal(pos.TPHits)
	if err != nil {
		return fmt.Errorf("序列化止盈命中失败: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO positions
		(id, symbol, market, side, entry_price, quantity, initial_quantity, leverage,
		 stop_loss_order_id, take_profit_order_ids, stop_loss, take_profits,
		 opened_at, signal_id, confirmed, realized_pnl, last_mark_price, sl_hit, tp_hits, needs_attention)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, market) DO UPDATE SET
		 id=excluded.id, side=excluded.side, entry_price=excluded.entry_price,
		 quantity=excluded.quantity, initial_quantity=excluded.initial_quantity,
		 leverage=excluded.leverage, stop_loss_order_id=excluded.stop_loss_order_id,
		 take_profit_order_ids=excluded.take_profit_order_ids, stop_loss=excluded.stop_loss,
		 take_profits=excluded.take_profits, opened_at=excluded.opened_at,
		 signal_id=excluded.signal_id, confirmed=excluded.confirmed,
		 realized_pnl=excluded.realized_pnl, last_mark_price=excluded.last_mark_price,
		 sl_hit=excluded.sl_hit, tp_hits=excluded.tp_hits, needs_attention=excluded.needs_attention`,
		pos.ID, pos.Symbol, string(pos.Market), string(pos.Side), pos.EntryPrice,
		pos.Quantity, pos.InitialQuantity, pos.Leverage,
		pos.StopLossOrderID, string(tpOrderIDs), pos.StopLoss, string(takeProfits),
		pos.OpenedAt.UTC(), pos.SignalID, pos.Confirmed, pos.RealizedPnL,
		pos.LastMarkPrice, pos.SLHit, string(tpHits), pos.NeedsAttention,
	)
	return err
}

// DeletePosition 删除仓位
func (s *Store) DeletePosition(key model.PositionKey) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE symbol = ? AND market = ?`,
		key.Symbol, string(key.Market))
	return err
}

// LoadPositions 加载全部持久化仓位（启动恢复）
func (s *Store) LoadPositions() ([]*model.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, market, side, entry_price, quantity, initial_quantity, leverage,
		       stop_loss_order_id, take_profit_order_ids, stop_loss, take_profits,
		       opened_at, signal_id, confirmed, realized_pnl, last_mark_price, sl_hit, tp_hits, needs_attention
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("查询仓位失败: %w", err)
	}
	defer rows.Close()

	var out []*model.Position
	for rows.Next() {
		var (
			pos         model.Position
			market      string
			side        string
			tpOrderIDs  string
			takeProfits string
			tpHits      string
		)
		if err := rows.Scan(&pos.ID, &pos.Symbol, &market, &side, &pos.EntryPrice,
			&pos.Quantity, &pos.InitialQuantity, &pos.Leverage,
			&pos.StopLossOrderID, &tpOrderIDs, &pos.StopLoss, &takeProfits,
			&pos.OpenedAt, &pos.SignalID, &pos.Confirmed, &pos.RealizedPnL,
			&pos.LastMarkPrice, &pos.SLHit, &tpHits, &pos.NeedsAttention); err != nil {
			return nil, fmt.Errorf("扫描仓位行失败: %w", err)
		}
		pos.Market = model.MarketType(market)
		pos.Side = model.Side(side)
		if err := json.Unmarshal([]byte(tpOrderIDs), &pos.TakeProfitOrderIDs); err != nil {
			return nil, fmt.Errorf("解析止盈单标识失败: %w", err)
		}
		if err := json.Unmarshal([]byte(takeProfits), &pos.TakeProfits); err != nil {
			return nil, fmt.Errorf("解析止盈价失败: %w", err)
		}
		if err := json.Unmarshal([]byte(tpHits), &pos.TPHits); err != nil {
			return nil, fmt.Errorf("解析止盈命中失败: %w", err)
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}

// SaveRiskDay 保存日内风控累计
func (s *Store) SaveRiskDay(snap risk.StateSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO risk_days (day_key, daily_pnl, trading_enabled, halted_by_loss, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day_key) DO UPDATE SET
		 daily_pnl=excluded.daily_pnl, trading_enabled=excluded.trading_enabled,
		 halted_by_loss=excluded.halted_by_loss, updated_at=excluded.updated_at`,
		snap.DayKey, snap.DailyPnL, snap.TradingEnabled, snap.HaltedByLoss, time.Now().UTC(),
	)
	return err
}

// LoadRiskDay 加载指定交易日的风控累计
// 返回: (快照, 是否存在, 错误)
func (s *Store) LoadRiskDay(dayKey string) (risk.StateSnapshot, bool, error) {
	var snap risk.StateSnapshot
	err := s.db.QueryRow(`
		SELECT day_key, daily_pnl, trading_enabled, halted_by_loss
		FROM risk_days WHERE day_key = ?`, dayKey).
		Scan(&snap.DayKey, &snap.DailyPnL, &snap.TradingEnabled, &snap.HaltedByLoss)
	if err == sql.ErrNoRows {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("查询风控状态失败: %w", err)
	}
	return snap, true, nil
}

// RecordTrade 写入已完结交易
func (s *Store) RecordTrade(rec *model.TradeRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO trades
		(symbol, side, market, entry_price, quantity, leverage, pnl, reason, hold_hours, signal_id, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Side, rec.Market, rec.EntryPrice, rec.Quantity, rec.Leverage,
		rec.PnL, rec.Reason, rec.HoldHours, rec.SignalID, rec.OpenedAt.UTC(), rec.ClosedAt.UTC(),
	)
	return err
}

// ListTrades 按平仓时间倒序读取交易历史
// 参数 limit: 最多返回条数（<=0 表示全部）
func (s *Store) ListTrades(limit int) ([]*model.TradeRecord, error) {
	query := `
		SELECT symbol, side, market, entry_price, quantity, leverage, pnl, reason, hold_hours, signal_id, opened_at, closed_at
		FROM trades ORDER BY closed_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("查询交易历史失败: %w", err)
	}
	defer rows.Close()

	var out []*model.TradeRecord
	for rows.Next() {
		var rec model.TradeRecord
		if err := rows.Scan(&rec.Symbol, &rec.Side, &rec.Market, &rec.EntryPrice,
			&rec.Quantity, &rec.Leverage, &rec.PnL, &rec.Reason, &rec.HoldHours,
			&rec.SignalID, &rec.OpenedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("扫描交易行失败: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
