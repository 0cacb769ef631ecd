package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradebridge/internal/errors"
	"tradebridge/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per consensus round
	CREATE TABLE IF NOT EXISTS consensus_results (
		id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		method TEXT NOT NULL,
		direction TEXT NOT NULL,
		confidence REAL NOT NULL,
		should_trade INTEGER NOT NULL,
		agreement_level TEXT NOT NULL,
		valid_votes INTEGER NOT NULL,
		total_votes INTEGER NOT NULL,
		total_cost REAL NOT NULL,
		payload TEXT NOT NULL,
		order_id TEXT,
		created_at DATETIME NOT NULL
	);

	-- Individual votes, kept for per-provider reporting
	CREATE TABLE IF NOT EXISTS consensus_votes (
		consensus_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT,
		direction TEXT NOT NULL,
		confidence REAL NOT NULL,
		is_error INTEGER NOT NULL,
		error_message TEXT,
		latency_ms INTEGER,
		cost REAL,
		FOREIGN KEY (consensus_id) REFERENCES consensus_results(id)
	);

	-- Broker accounts provisioned on the remote side
	CREATE TABLE IF NOT EXISTS provisioned_accounts (
		broker TEXT NOT NULL,
		login TEXT NOT NULL,
		server TEXT NOT NULL,
		account_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (broker, login, server)
	);

	-- Candle cache
	CREATE TABLE IF NOT EXISTS candles (
		workspace TEXT NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (workspace, symbol, timeframe, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_consensus_symbol ON consensus_results(symbol, created_at);
	CREATE INDEX IF NOT EXISTS idx_votes_consensus ON consensus_votes(consensus_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Consensus audit log
// ============================================================================

// SaveConsensus stores a consensus result and its votes.
func (s *SQLiteStore) SaveConsensus(ctx context.Context, workspace string, r *models.ConsensusResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode consensus: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO consensus_results
			(id, workspace, symbol, timeframe, method, direction, confidence, should_trade,
			 agreement_level, valid_votes, total_votes, total_cost, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, workspace, r.Symbol, string(r.Timeframe), string(r.Method), string(r.Direction), r.Confidence,
		boolToInt(r.ShouldTrade), string(r.AgreementLevel), r.ValidVotes, r.TotalVotes, r.TotalCost,
		string(payload), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save consensus: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM consensus_votes WHERE consensus_id = ?`, r.ID); err != nil {
		return fmt.Errorf("failed to clear votes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO consensus_votes
			(consensus_id, provider, model, direction, confidence, is_error, error_message, latency_ms, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range r.Votes {
		if _, err := stmt.ExecContext(ctx, r.ID, v.Provider, v.Model, string(v.Direction), v.Confidence,
			boolToInt(v.Error), v.ErrorMessage, v.ProcessingTime.Milliseconds(), v.Cost); err != nil {
			return fmt.Errorf("failed to insert vote: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetConsensus loads the full result for id.
func (s *SQLiteStore) GetConsensus(ctx context.Context, id string) (*models.ConsensusResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM consensus_results WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(sql.ErrNoRows, "consensus %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consensus: %w", err)
	}

	var r models.ConsensusResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, errors.NewParseError("consensus payload", err)
	}
	return &r, nil
}

// ListConsensus returns audit log rows, newest first.
func (s *SQLiteStore) ListConsensus(ctx context.Context, filter DecisionFilter) ([]DecisionSummary, error) {
	query := `SELECT id, workspace, symbol, timeframe, method, direction, confidence, should_trade,
		agreement_level, valid_votes, total_votes, total_cost, COALESCE(order_id, ''), created_at
		FROM consensus_results WHERE 1=1`
	args := []interface{}{}

	if filter.Workspace != "" {
		query += " AND workspace = ?"
		args = append(args, filter.Workspace)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	if filter.ShouldTrade != nil {
		query += " AND should_trade = ?"
		args = append(args, boolToInt(*filter.ShouldTrade))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consensus: %w", err)
	}
	defer rows.Close()

	var out []DecisionSummary
	for rows.Next() {
		var d DecisionSummary
		var tf, method, dir, level string
		var shouldTrade int
		if err := rows.Scan(&d.ID, &d.Workspace, &d.Symbol, &tf, &method, &dir, &d.Confidence, &shouldTrade,
			&level, &d.ValidVotes, &d.TotalVotes, &d.TotalCost, &d.OrderID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consensus: %w", err)
		}
		d.Timeframe = models.Timeframe(tf)
		d.Method = models.ConsensusMethod(method)
		d.Direction = models.Direction(dir)
		d.AgreementLevel = models.AgreementLevel(level)
		d.ShouldTrade = shouldTrade == 1
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consensus: %w", err)
	}
	return out, nil
}

// MarkExecuted links a consensus round to the order it produced.
func (s *SQLiteStore) MarkExecuted(ctx context.Context, id, orderID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE consensus_results SET order_id = ? WHERE id = ?`, orderID, id)
	if err != nil {
		return fmt.Errorf("failed to mark consensus executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(sql.ErrNoRows, "consensus %s", id)
	}
	return nil
}

// ============================================================================
// Provisioned accounts
// ============================================================================

// GetProvisionedAccount returns the stored account id, or "" when none is stored.
func (s *SQLiteStore) GetProvisionedAccount(ctx context.Context, broker, login, server string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM provisioned_accounts WHERE broker = ? AND login = ? AND server = ?
	`, broker, login, server).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get provisioned account: %w", err)
	}
	return id, nil
}

// SaveProvisionedAccount stores or replaces an account id.
func (s *SQLiteStore) SaveProvisionedAccount(ctx context.Context, broker, login, server, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO provisioned_accounts (broker, login, server, account_id) VALUES (?, ?, ?, ?)
	`, broker, login, server, accountID)
	if err != nil {
		return fmt.Errorf("failed to save provisioned account: %w", err)
	}
	return nil
}

// ============================================================================
// Candles
// ============================================================================

// SaveCandles saves candles to the database.
func (s *SQLiteStore) SaveCandles(ctx context.Context, workspace string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (workspace, symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, workspace, c.Symbol, string(c.Timeframe), c.Timestamp.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert candle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetCandles retrieves cached candles in ascending time order.
func (s *SQLiteStore) GetCandles(ctx context.Context, workspace, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE workspace = ? AND symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, workspace, symbol, string(tf), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c := models.Candle{Symbol: symbol, Timeframe: tf}
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return candles, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
