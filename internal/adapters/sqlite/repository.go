package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.StrategyRepository and ports.TradeRepository
// using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trading_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the periodic loops
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS strategies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT 'binance',
		is_testnet INTEGER NOT NULL DEFAULT 1,
		is_real_account INTEGER NOT NULL DEFAULT 0,
		direction TEXT NOT NULL DEFAULT 'BOTH',
		leverage INTEGER NOT NULL DEFAULT 1,
		margin_mode TEXT NOT NULL DEFAULT 'ISOLATED',
		default_qty REAL NOT NULL DEFAULT 0,
		account_pct REAL NOT NULL DEFAULT 0,
		stop_loss_pct REAL NOT NULL DEFAULT 0,
		tp1_pct REAL NOT NULL DEFAULT 0, tp1_close_pct REAL NOT NULL DEFAULT 0,
		tp2_pct REAL NOT NULL DEFAULT 0, tp2_close_pct REAL NOT NULL DEFAULT 0,
		tp3_pct REAL NOT NULL DEFAULT 0, tp3_close_pct REAL NOT NULL DEFAULT 0,
		break_even INTEGER NOT NULL DEFAULT 0,
		break_again INTEGER NOT NULL DEFAULT 0,
		next_candle_pct REAL NOT NULL DEFAULT 0,
		compounding INTEGER NOT NULL DEFAULT 1,
		trading_mode TEXT NOT NULL DEFAULT 'CONTINUOUS',
		averaging INTEGER NOT NULL DEFAULT 0,
		hedge_mode INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		api_key TEXT NOT NULL DEFAULT '',
		secret_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		quantity REAL NOT NULL,
		initial_qty REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		stop_loss_order_id TEXT DEFAULT NULL,
		take_profit_order_id TEXT DEFAULT NULL,
		stop_loss_price REAL NOT NULL DEFAULT 0,
		tp_levels TEXT NOT NULL DEFAULT '[]',
		close_reason TEXT DEFAULT NULL,
		last_tp_level INTEGER NOT NULL DEFAULT 0,
		is_from_averaging INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
	CREATE INDEX IF NOT EXISTS idx_trades_lookup ON trades (strategy_id, symbol, side, status);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- StrategyRepository Implementation ---

const strategyColumns = `id, name, exchange, is_testnet, is_real_account, direction, leverage,
	margin_mode, default_qty, account_pct, stop_loss_pct,
	tp1_pct, tp1_close_pct, tp2_pct, tp2_close_pct, tp3_pct, tp3_close_pct,
	break_even, break_again, next_candle_pct, compounding, trading_mode,
	averaging, hedge_mode, paused, api_key, secret_key, created_at`

func scanStrategy(row interface{ Scan(...interface{}) error }) (*domain.Strategy, error) {
	var s domain.Strategy
	err := row.Scan(
		&s.ID, &s.Name, &s.Exchange, &s.IsTestnet, &s.IsRealAccount, &s.Direction, &s.Leverage,
		&s.MarginMode, &s.DefaultQty, &s.AccountPct, &s.StopLossPct,
		&s.TakeProfits[0].PricePct, &s.TakeProfits[0].ClosePct,
		&s.TakeProfits[1].PricePct, &s.TakeProfits[1].ClosePct,
		&s.TakeProfits[2].PricePct, &s.TakeProfits[2].ClosePct,
		&s.BreakEven, &s.BreakAgain, &s.NextCandlePct, &s.Compounding, &s.TradingMode,
		&s.Averaging, &s.HedgeMode, &s.Paused,
		&s.Credentials.APIKey, &s.Credentials.SecretKey, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindByID retrieves a strategy by its unique ID. Returns nil, nil if not found.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = ?`
	s, err := scanStrategy(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy %d: %w", id, err)
	}
	return s, nil
}

// FindActive retrieves all non-paused strategies.
func (r *Repository) FindActive(ctx context.Context) ([]*domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE paused = 0 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active strategies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- TradeRepository Implementation ---

const tradeColumns = `id, strategy_id, symbol, side, type, entry_price, COALESCE(exit_price, 0),
	quantity, initial_qty, pnl, status, order_id,
	COALESCE(stop_loss_order_id, ''), COALESCE(take_profit_order_id, ''),
	stop_loss_price, tp_levels, COALESCE(close_reason, ''), last_tp_level,
	is_from_averaging, error_message, created_at, closed_at`

func scanTrade(row interface{ Scan(...interface{}) error }) (*domain.Trade, error) {
	var (
		t        domain.Trade
		slRaw    string
		tpRaw    string
		tpLevels string
		closedAt sql.NullTime
		closeRsn string
	)
	err := row.Scan(
		&t.ID, &t.StrategyID, &t.Symbol, &t.Side, &t.Type, &t.EntryPrice, &t.ExitPrice,
		&t.Quantity, &t.InitialQty, &t.Pnl, &t.Status, &t.OrderID,
		&slRaw, &tpRaw,
		&t.StopLossPrice, &tpLevels, &closeRsn, &t.LastTpLevel,
		&t.IsFromAvg, &t.ErrorMessage, &t.CreatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	t.StopLoss = domain.DecodeProtectiveState(slRaw)
	t.TakeProfit = domain.DecodeProtectiveState(tpRaw)
	t.CloseReason = domain.CloseReason(closeRsn)
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	if tpLevels != "" {
		// A corrupt ladder snapshot degrades to manual-mode monitoring.
		_ = json.Unmarshal([]byte(tpLevels), &t.TakeProfitPcts)
	}
	return &t, nil
}

// Create saves a new trade and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (strategy_id, symbol, side, type, entry_price, exit_price, quantity,
		initial_qty, pnl, status, order_id, stop_loss_order_id, take_profit_order_id,
		stop_loss_price, tp_levels, close_reason, last_tp_level, is_from_averaging,
		error_message, created_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	tpLevels, err := json.Marshal(trade.TakeProfitPcts)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tp levels: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.StrategyID, trade.Symbol, trade.Side, trade.Type, trade.EntryPrice,
		nullFloat(trade.ExitPrice), trade.Quantity, trade.InitialQty, trade.Pnl,
		trade.Status, trade.OrderID,
		nullString(trade.StopLoss.Encode()), nullString(trade.TakeProfit.Encode()),
		trade.StopLossPrice, string(tpLevels), nullString(string(trade.CloseReason)),
		trade.LastTpLevel, trade.IsFromAvg, trade.ErrorMessage,
		trade.CreatedAt, nullTime(trade.ClosedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "status": trade.Status})
	return id, nil
}

// Update modifies an existing trade. The whole row is written in one
// statement, so OPEN -> CLOSED lands atomically.
func (r *Repository) Update(ctx context.Context, trade *domain.Trade) error {
	const query = `
	UPDATE trades
	SET entry_price = ?, exit_price = ?, quantity = ?, initial_qty = ?, pnl = ?,
		status = ?, order_id = ?, stop_loss_order_id = ?, take_profit_order_id = ?,
		stop_loss_price = ?, tp_levels = ?, close_reason = ?, last_tp_level = ?,
		is_from_averaging = ?, error_message = ?, closed_at = ?, side = ?
	WHERE id = ?`

	tpLevels, err := json.Marshal(trade.TakeProfitPcts)
	if err != nil {
		return fmt.Errorf("failed to marshal tp levels: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.EntryPrice, nullFloat(trade.ExitPrice), trade.Quantity, trade.InitialQty,
		trade.Pnl, trade.Status, trade.OrderID,
		nullString(trade.StopLoss.Encode()), nullString(trade.TakeProfit.Encode()),
		trade.StopLossPrice, string(tpLevels), nullString(string(trade.CloseReason)),
		trade.LastTpLevel, trade.IsFromAvg, trade.ErrorMessage,
		nullTime(trade.ClosedAt), trade.Side,
		trade.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade ID %d: %w", trade.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for trade ID %d: %w", trade.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade ID %d not found for update: %w", trade.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "status": trade.Status})
	return nil
}

// FindByStatus retrieves all trades with the given status, oldest first.
func (r *Repository) FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY created_at ASC`
	return r.queryTrades(ctx, query, status)
}

// FindOpen retrieves OPEN trades matching (strategy, symbol, side), oldest
// first. An empty side matches both sides.
func (r *Repository) FindOpen(ctx context.Context, strategyID int64, symbol string, side domain.OrderSide) ([]*domain.Trade, error) {
	if side == "" {
		query := `SELECT ` + tradeColumns + ` FROM trades
			WHERE strategy_id = ? AND symbol = ? AND status = ? ORDER BY created_at ASC`
		return r.queryTrades(ctx, query, strategyID, symbol, domain.StatusOpen)
	}
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE strategy_id = ? AND symbol = ? AND side = ? AND status = ? ORDER BY created_at ASC`
	return r.queryTrades(ctx, query, strategyID, symbol, side, domain.StatusOpen)
}

// FindOpenByStrategy retrieves all OPEN trades for a strategy.
func (r *Repository) FindOpenByStrategy(ctx context.Context, strategyID int64) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE strategy_id = ? AND status = ? ORDER BY created_at ASC`
	return r.queryTrades(ctx, query, strategyID, domain.StatusOpen)
}

// FindMostRecentWithInitialQty returns the newest trade of the strategy
// carrying a non-zero initial quantity, or nil, nil when none exists.
func (r *Repository) FindMostRecentWithInitialQty(ctx context.Context, strategyID int64, symbol string) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE strategy_id = ? AND symbol = ? AND initial_qty > 0
		ORDER BY created_at DESC LIMIT 1`
	t, err := scanTrade(r.db.QueryRowContext(ctx, query, strategyID, symbol))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query initial-qty anchor for strategy %d: %w", strategyID, err)
	}
	return t, nil
}

// CountClosedByStrategy counts CLOSED trades for a strategy.
func (r *Repository) CountClosedByStrategy(ctx context.Context, strategyID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM trades WHERE strategy_id = ? AND status = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, strategyID, domain.StatusClosed).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count closed trades for strategy %d: %w", strategyID, err)
	}
	return count, nil
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var (
	_ ports.StrategyRepository = (*Repository)(nil)
	_ ports.TradeRepository    = (*Repository)(nil)
)
