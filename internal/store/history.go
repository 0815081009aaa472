package store

import (
	"database/sql"
	"fmt"
	"time"

	"gridtrader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// HistoryStore persists applied fills per session in a local SQLite file.
// Prices are stored as text to keep decimal exactness.
type HistoryStore struct {
	db     *sql.DB
	logger core.ILogger
}

const historySchema = `
CREATE TABLE IF NOT EXISTS fills (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT    NOT NULL,
	order_id    TEXT    NOT NULL,
	instrument  TEXT    NOT NULL,
	side        TEXT    NOT NULL,
	price       TEXT    NOT NULL,
	quantity    TEXT    NOT NULL,
	realized    TEXT    NOT NULL,
	exchange_ts INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_session ON fills(session_id, recorded_at);
`

// OpenHistory opens (or creates) the fill-history database
func OpenHistory(path string, logger core.ILogger) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &HistoryStore{
		db:     db,
		logger: logger.WithField("component", "history_store"),
	}, nil
}

// Close closes the database
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// RecordFill appends one applied fill
func (s *HistoryStore) RecordFill(sessionID string, fill core.Fill, realized decimal.Decimal) error {
	_, err := s.db.Exec(
		`INSERT INTO fills (session_id, order_id, instrument, side, price, quantity, realized, exchange_ts, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, fill.OrderID, fill.Instrument, string(fill.Side),
		fill.Price.String(), fill.Quantity.String(), realized.String(),
		fill.ExchangeTs, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record fill: %w", err)
	}
	return nil
}

// FillRow is one persisted fill
type FillRow struct {
	OrderID    string
	Instrument string
	Side       core.Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Realized   decimal.Decimal
	ExchangeTs int64
	RecordedAt time.Time
}

// RecentFills returns the newest fills for a session, newest first
func (s *HistoryStore) RecentFills(sessionID string, limit int) ([]FillRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT order_id, instrument, side, price, quantity, realized, exchange_ts, recorded_at
		 FROM fills WHERE session_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []FillRow
	for rows.Next() {
		var r FillRow
		var side, price, qty, realized string
		var recordedAt int64
		if err := rows.Scan(&r.OrderID, &r.Instrument, &side, &price, &qty, &realized, &r.ExchangeTs, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill row: %w", err)
		}
		r.Side = core.Side(side)
		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price in history: %w", err)
		}
		if r.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity in history: %w", err)
		}
		if r.Realized, err = decimal.NewFromString(realized); err != nil {
			return nil, fmt.Errorf("corrupt realized pnl in history: %w", err)
		}
		r.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProfitSummary aggregates a session's persisted results
func (s *HistoryStore) ProfitSummary(sessionID string) (core.ProfitReport, error) {
	report := core.ProfitReport{SessionID: sessionID}

	rows, err := s.db.Query(
		`SELECT price, quantity, realized, recorded_at FROM fills WHERE session_id = ? ORDER BY recorded_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return report, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		var price, qty, realized string
		var recordedAt int64
		if err := rows.Scan(&price, &qty, &realized, &recordedAt); err != nil {
			return report, fmt.Errorf("failed to scan history row: %w", err)
		}
		p, _ := decimal.NewFromString(price)
		q, _ := decimal.NewFromString(qty)
		r, _ := decimal.NewFromString(realized)

		report.TotalVolume = report.TotalVolume.Add(p.Mul(q))
		report.RealizedPnL = report.RealizedPnL.Add(r)
		if !r.IsZero() {
			report.RoundTrips++
		}
		at := time.UnixMilli(recordedAt)
		if first {
			report.FirstTradeAt = at
			first = false
		}
		report.LastTradeAt = at
	}
	return report, rows.Err()
}

// PruneSession removes a session's history rows
func (s *HistoryStore) PruneSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM fills WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	return nil
}
