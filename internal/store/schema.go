package store

// schema 数据库结构
// positions 表按 (symbol, market) 唯一，价格数组以 JSON 文本存储。
const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	market TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price REAL NOT NULL,
	quantity REAL NOT NULL,
	initial_quantity REAL NOT NULL,
	leverage INTEGER NOT NULL,
	stop_loss_order_id TEXT NOT NULL DEFAULT '',
	take_profit_order_ids TEXT NOT NULL DEFAULT '[]',
	stop_loss REAL NOT NULL,
	take_profits TEXT NOT NULL DEFAULT '[]',
	opened_at DATETIME NOT NULL,
	signal_id TEXT NOT NULL DEFAULT '',
	confirmed INTEGER NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	last_mark_price REAL NOT NULL DEFAULT 0,
	sl_hit INTEGER NOT NULL DEFAULT 0,
	tp_hits TEXT NOT NULL DEFAULT '[]',
	needs_attention INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, market)
);

CREATE TABLE IF NOT EXISTS risk_days (
	day_key TEXT PRIMARY KEY,
	daily_pnl REAL NOT NULL,
	trading_enabled INTEGER NOT NULL,
	halted_by_loss INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	market TEXT NOT NULL,
	entry_price REAL NOT NULL,
	quantity REAL NOT NULL,
	leverage INTEGER NOT NULL,
	pnl REAL NOT NULL,
	reason TEXT NOT NULL,
	hold_hours REAL NOT NULL,
	signal_id TEXT NOT NULL DEFAULT '',
	opened_at DATETIME NOT NULL,
	closed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
`
