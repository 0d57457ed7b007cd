package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"polymarket-copytrader/exposure"
	"polymarket-copytrader/fifo"
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node backend. The pool holds one connection, so
// every transaction is serialized and a reservation commits before the next
// evaluator reads exposure.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (and creates if needed) the SQLite database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS leaders (
        id INTEGER PRIMARY KEY,
        address TEXT NOT NULL,
        name TEXT,
        enabled INTEGER NOT NULL DEFAULT 1
    );

    CREATE TABLE IF NOT EXISTS accounts (
        id INTEGER PRIMARY KEY,
        name TEXT,
        address TEXT NOT NULL,
        proxy_address TEXT,
        key_ref TEXT,
        signature_type INTEGER NOT NULL DEFAULT 0,
        enabled INTEGER NOT NULL DEFAULT 1
    );

    CREATE TABLE IF NOT EXISTS follower_configs (
        id INTEGER PRIMARY KEY,
        account_id INTEGER NOT NULL,
        leader_id INTEGER NOT NULL,
        enabled INTEGER NOT NULL DEFAULT 1,
        settings TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_follower_configs_leader ON follower_configs(leader_id, enabled);

    CREATE TABLE IF NOT EXISTS processed_trades (
        leader_id INTEGER NOT NULL,
        trade_id TEXT NOT NULL,
        trade_type TEXT NOT NULL,
        source TEXT NOT NULL,
        outcome TEXT NOT NULL,
        processed_at INTEGER NOT NULL,
        PRIMARY KEY (leader_id, trade_id)
    );

    CREATE TABLE IF NOT EXISTS copy_orders (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        config_id INTEGER NOT NULL,
        account_id INTEGER NOT NULL,
        leader_id INTEGER NOT NULL,
        market_id TEXT NOT NULL,
        outcome_index INTEGER NOT NULL,
        token_id TEXT,
        exchange_order_id TEXT NOT NULL UNIQUE,
        leader_trade_id TEXT,
        quantity TEXT NOT NULL,
        price TEXT NOT NULL,
        matched_quantity TEXT NOT NULL,
        remaining_quantity TEXT NOT NULL,
        status TEXT NOT NULL,
        price_updated INTEGER NOT NULL DEFAULT 0,
        notified INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_copy_orders_key ON copy_orders(config_id, market_id, outcome_index, status);
    CREATE INDEX IF NOT EXISTS idx_copy_orders_account ON copy_orders(account_id, status);
    CREATE INDEX IF NOT EXISTS idx_copy_orders_status ON copy_orders(status, created_at);

    CREATE TABLE IF NOT EXISTS sell_match_records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        config_id INTEGER NOT NULL,
        account_id INTEGER NOT NULL,
        market_id TEXT NOT NULL,
        outcome_index INTEGER NOT NULL,
        kind TEXT NOT NULL,
        sell_order_id TEXT,
        leader_trade_id TEXT,
        matched_quantity TEXT NOT NULL,
        sell_price TEXT NOT NULL,
        realized_pnl TEXT NOT NULL,
        price_updated INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_sell_records_config ON sell_match_records(config_id, created_at);

    CREATE TABLE IF NOT EXISTS sell_match_details (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        record_id INTEGER NOT NULL REFERENCES sell_match_records(id) ON DELETE CASCADE,
        buy_order_id INTEGER NOT NULL,
        matched_quantity TEXT NOT NULL,
        buy_price TEXT NOT NULL,
        sell_price TEXT NOT NULL,
        realized_pnl TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_sell_details_record ON sell_match_details(record_id);

    CREATE TABLE IF NOT EXISTS failed_trades (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        config_id INTEGER NOT NULL,
        account_id INTEGER NOT NULL,
        leader_id INTEGER NOT NULL,
        leader_trade_id TEXT,
        market_id TEXT,
        outcome_index INTEGER,
        side TEXT,
        price TEXT,
        size TEXT,
        category TEXT NOT NULL,
        reason TEXT,
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS token_cache (
        market_id TEXT NOT NULL,
        outcome_index INTEGER NOT NULL,
        token_id TEXT NOT NULL,
        PRIMARY KEY (market_id, outcome_index)
    );
    `

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLiteStore) SaveLeader(ctx context.Context, leader models.Leader) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leaders (id, address, name, enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address, name = excluded.name, enabled = excluded.enabled`,
		leader.ID, strings.ToLower(leader.Address), leader.Name, boolInt(leader.Enabled))
	if err != nil {
		return fmt.Errorf("save leader %d: %w", leader.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListLeaders(ctx context.Context) ([]models.Leader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, COALESCE(name, ''), enabled FROM leaders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list leaders: %w", err)
	}
	defer rows.Close()

	var out []models.Leader
	for rows.Next() {
		var l models.Leader
		var enabled int
		if err := rows.Scan(&l.ID, &l.Address, &l.Name, &enabled); err != nil {
			return nil, err
		}
		l.Enabled = enabled == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, address, proxy_address, key_ref, signature_type, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, address = excluded.address, proxy_address = excluded.proxy_address,
			key_ref = excluded.key_ref, signature_type = excluded.signature_type, enabled = excluded.enabled`,
		a.ID, a.Name, a.Address, a.ProxyAddress, a.KeyRef, a.SignatureType, boolInt(a.Enabled))
	if err != nil {
		return fmt.Errorf("save account %d: %w", a.ID, err)
	}
	return nil
}

const sqliteAccountColumns = `id, COALESCE(name, ''), address, COALESCE(proxy_address, ''), COALESCE(key_ref, ''), signature_type, enabled`

func scanSQLiteAccount(r rowScanner) (models.Account, error) {
	var a models.Account
	var enabled int
	err := r.Scan(&a.ID, &a.Name, &a.Address, &a.ProxyAddress, &a.KeyRef, &a.SignatureType, &enabled)
	a.Enabled = enabled == 1
	return a, err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFollowerConfig(ctx context.Context, cfg models.FollowerConfig) error {
	settings, err := marshalSettings(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO follower_configs (id, account_id, leader_id, enabled, settings) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id, leader_id = excluded.leader_id,
			enabled = excluded.enabled, settings = excluded.settings`,
		cfg.ID, cfg.AccountID, cfg.LeaderID, boolInt(cfg.Enabled), string(settings))
	if err != nil {
		return fmt.Errorf("save follower config %d: %w", cfg.ID, err)
	}
	return nil
}

func scanSQLiteConfig(r rowScanner) (models.FollowerConfig, error) {
	var id, accountID, leaderID int64
	var enabled int
	var raw string
	if err := r.Scan(&id, &accountID, &leaderID, &enabled, &raw); err != nil {
		return models.FollowerConfig{}, err
	}
	return unmarshalSettings(id, accountID, leaderID, enabled == 1, []byte(raw))
}

func (s *SQLiteStore) GetFollowerConfig(ctx context.Context, id int64) (*models.FollowerConfig, error) {
	cfg, err := scanSQLiteConfig(s.db.QueryRowContext(ctx,
		`SELECT id, account_id, leader_id, enabled, settings FROM follower_configs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("follower config %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQLiteStore) ListFollowerConfigs(ctx context.Context, leaderID int64) ([]models.FollowerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, leader_id, enabled, settings FROM follower_configs
		WHERE leader_id = ? AND enabled = 1 ORDER BY id`, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list follower configs: %w", err)
	}
	defer rows.Close()

	var out []models.FollowerConfig
	for rows.Next() {
		cfg, err := scanSQLiteConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetProcessedTrade(ctx context.Context, leaderID int64, tradeID string) (*models.ProcessedTrade, error) {
	var rec models.ProcessedTrade
	var side, source, outcome string
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT leader_id, trade_id, trade_type, source, outcome, processed_at
		FROM processed_trades WHERE leader_id = ? AND trade_id = ?`, leaderID, tradeID).
		Scan(&rec.LeaderID, &rec.TradeID, &side, &source, &outcome, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("processed trade %d/%s: %w", leaderID, tradeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.TradeType = models.Side(side)
	rec.Source = models.TradeSource(source)
	rec.Outcome = models.TradeOutcome(outcome)
	rec.ProcessedAt = fromNanos(at)
	return &rec, nil
}

func (s *SQLiteStore) InsertProcessedTrade(ctx context.Context, rec models.ProcessedTrade) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_trades (leader_id, trade_id, trade_type, source, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.LeaderID, rec.TradeID, string(rec.TradeType), string(rec.Source), string(rec.Outcome), nanos(rec.ProcessedAt))
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	return err
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteExposure(ctx context.Context, q sqlQuerier, cfg models.FollowerConfig, marketID string) (exposure.State, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT market_id, quantity, price FROM copy_orders
		WHERE config_id = ? AND status != ?`, cfg.ID, string(models.OrderFullyMatched))
	if err != nil {
		return exposure.State{}, fmt.Errorf("sum exposure: %w", err)
	}
	defer rows.Close()

	st := exposure.State{Exposure: decimal.Zero}
	markets := make(map[string]struct{})
	for rows.Next() {
		var market, qtyS, priceS string
		if err := rows.Scan(&market, &qtyS, &priceS); err != nil {
			return st, err
		}
		markets[market] = struct{}{}
		if market != marketID {
			continue
		}
		var qty, price decimal.Decimal
		if err := parseDecimals([]*decimal.Decimal{&qty, &price}, qtyS, priceS); err != nil {
			return st, err
		}
		st.Exposure = st.Exposure.Add(qty.Mul(price))
	}
	_, st.HoldsMarket = markets[marketID]
	st.OpenMarkets = len(markets)
	return st, rows.Err()
}

func (s *SQLiteStore) Exposure(ctx context.Context, cfg models.FollowerConfig, marketID string) (exposure.State, error) {
	return sqliteExposure(ctx, s.db, cfg, marketID)
}

func (s *SQLiteStore) DailyStats(ctx context.Context, configID int64, since time.Time) (DailyStats, error) {
	stats := DailyStats{RealizedPnL: decimal.Zero}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM copy_orders WHERE config_id = ? AND created_at >= ?`, configID, nanos(since)).
		Scan(&stats.Orders); err != nil {
		return stats, fmt.Errorf("count daily orders: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM sell_match_records WHERE config_id = ? AND created_at >= ?`, configID, nanos(since))
	if err != nil {
		return stats, fmt.Errorf("sum daily pnl: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pnlS string
		if err := rows.Scan(&pnlS); err != nil {
			return stats, err
		}
		pnl, err := decimal.NewFromString(pnlS)
		if err != nil {
			return stats, err
		}
		stats.RealizedPnL = stats.RealizedPnL.Add(pnl)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: begin: %w", err)
	}
	defer tx.Rollback()

	st, err := sqliteExposure(ctx, tx, req.Config, req.Order.MarketID)
	if err != nil {
		return Reservation{}, err
	}

	dec := exposure.Decide(req.Config, st, req.Order.Price, req.Order.Quantity)
	if !dec.Reserves() {
		return Reservation{Decision: dec}, nil
	}

	o := newPendingOrder(req, dec, placeholderID(), s.now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO copy_orders (config_id, account_id, leader_id, market_id, outcome_index, token_id,
			exchange_order_id, leader_trade_id, quantity, price, matched_quantity, remaining_quantity,
			status, price_updated, notified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		o.ConfigID, o.AccountID, o.LeaderID, o.MarketID, o.OutcomeIndex, o.TokenID,
		o.ExchangeOrderID, o.LeaderTradeID, o.Quantity.String(), o.Price.String(),
		o.MatchedQuantity.String(), o.RemainingQuantity.String(), string(o.Status),
		nanos(o.CreatedAt), nanos(o.UpdatedAt))
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: insert pending order: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("reserve: commit: %w", err)
	}
	return Reservation{Decision: dec, Order: &o}, nil
}

func (s *SQLiteStore) FinalizeOrder(ctx context.Context, orderID int64, exchangeOrderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE copy_orders SET exchange_order_id = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ?
		WHERE id = ?`,
		exchangeOrderID, string(models.OrderPending), string(models.OrderFilled), nanos(s.now()), orderID)
	if err != nil {
		return fmt.Errorf("finalize order %d: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize order %d: %w", orderID, models.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteOrder(ctx context.Context, orderID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM copy_orders WHERE id = ?`, orderID); err != nil {
		return fmt.Errorf("delete order %d: %w", orderID, err)
	}
	return nil
}

const sqliteOrderColumns = `id, config_id, account_id, leader_id, market_id, outcome_index, COALESCE(token_id, ''),
	exchange_order_id, COALESCE(leader_trade_id, ''), quantity, price, matched_quantity, remaining_quantity,
	status, price_updated, notified, created_at, updated_at`

func scanSQLiteOrder(r rowScanner) (models.Order, error) {
	var o models.Order
	var qty, price, matched, remaining, status string
	var priceUpdated, notified int
	var created, updated int64
	err := r.Scan(&o.ID, &o.ConfigID, &o.AccountID, &o.LeaderID, &o.MarketID, &o.OutcomeIndex, &o.TokenID,
		&o.ExchangeOrderID, &o.LeaderTradeID, &qty, &price, &matched, &remaining,
		&status, &priceUpdated, &notified, &created, &updated)
	if err != nil {
		return o, err
	}
	if err := parseDecimals([]*decimal.Decimal{&o.Quantity, &o.Price, &o.MatchedQuantity, &o.RemainingQuantity},
		qty, price, matched, remaining); err != nil {
		return o, err
	}
	o.Status = models.OrderStatus(status)
	o.PriceUpdated = priceUpdated == 1
	o.Notified = notified == 1
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return o, nil
}

func (s *SQLiteStore) queryOrders(ctx context.Context, q sqlQuerier, where string, args ...any) ([]models.Order, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sqliteOrderColumns+` FROM copy_orders WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM copy_orders WHERE id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

const openStatuses = `('filled', 'partially_matched')`

func (s *SQLiteStore) ListOpenOrders(ctx context.Context, key models.PositionKey) ([]models.Order, error) {
	return s.queryOrders(ctx, s.db, `config_id = ? AND market_id = ? AND outcome_index = ? AND status IN `+openStatuses+`
		ORDER BY created_at, id`, key.ConfigID, key.MarketID, key.OutcomeIndex)
}

func (s *SQLiteStore) ListAccountOpenOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	return s.queryOrders(ctx, s.db, `account_id = ? AND status IN `+openStatuses+` ORDER BY created_at, id`, accountID)
}

func (s *SQLiteStore) ListPendingOrders(ctx context.Context, createdBefore time.Time) ([]models.Order, error) {
	return s.queryOrders(ctx, s.db, `status = ? AND created_at < ? ORDER BY created_at, id`,
		string(models.OrderPending), nanos(createdBefore))
}

func (s *SQLiteStore) ListUnpricedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	return s.queryOrders(ctx, s.db, `status != ? AND price_updated = 0 ORDER BY created_at, id LIMIT ?`,
		string(models.OrderPending), limit)
}

func (s *SQLiteStore) ListUnnotifiedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	return s.queryOrders(ctx, s.db, `status != ? AND price_updated = 1 AND notified = 0 ORDER BY created_at, id LIMIT ?`,
		string(models.OrderPending), limit)
}

func (s *SQLiteStore) CorrectOrderFill(ctx context.Context, orderID int64, price, quantity decimal.Decimal) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	orders, err := s.queryOrders(ctx, tx, `id = ? AND price_updated = 0`, orderID)
	if err != nil || len(orders) == 0 {
		return false, err
	}
	qty, remaining, status := correctedFill(orders[0], quantity)
	if _, err := tx.ExecContext(ctx, `
		UPDATE copy_orders SET price = ?, quantity = ?, remaining_quantity = ?, status = ?, price_updated = 1, updated_at = ?
		WHERE id = ?`, price.String(), qty.String(), remaining.String(), string(status), nanos(s.now()), orderID); err != nil {
		return false, fmt.Errorf("correct order %d: %w", orderID, err)
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) MarkOrderNotified(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE copy_orders SET notified = 1 WHERE id = ? AND notified = 0`, orderID)
	if err != nil {
		return false, fmt.Errorf("mark order %d notified: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ConsumeFIFO(ctx context.Context, req ConsumeRequest) (*models.SellMatchRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: begin: %w", err)
	}
	defer tx.Rollback()

	where := `config_id = ? AND market_id = ? AND outcome_index = ? AND status IN ` + openStatuses
	args := []any{req.Key.ConfigID, req.Key.MarketID, req.Key.OutcomeIndex}
	if !req.CreatedBefore.IsZero() {
		where += ` AND created_at < ?`
		args = append(args, nanos(req.CreatedBefore))
	}
	open, err := s.queryOrders(ctx, tx, where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}

	plan := fifo.Plan(open, req.Amount, req.SellPrice)
	if plan.Empty() {
		return nil, nil
	}

	now := s.now()
	for _, f := range plan.Fills {
		if _, err := tx.ExecContext(ctx, `
			UPDATE copy_orders SET matched_quantity = ?, remaining_quantity = ?, status = ?, updated_at = ?
			WHERE id = ?`, f.NewMatched.String(), f.NewRemaining.String(), string(f.NewStatus), nanos(now), f.OrderID); err != nil {
			return nil, fmt.Errorf("consume: update order %d: %w", f.OrderID, err)
		}
	}

	rec := plan.Record(recordBase(req, now))
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sell_match_records (config_id, account_id, market_id, outcome_index, kind, sell_order_id,
			leader_trade_id, matched_quantity, sell_price, realized_pnl, price_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConfigID, rec.AccountID, rec.MarketID, rec.OutcomeIndex, string(rec.Kind), rec.SellOrderID,
		rec.LeaderTradeID, rec.MatchedQuantity.String(), rec.SellPrice.String(), rec.RealizedPnL.String(),
		boolInt(rec.PriceUpdated), nanos(rec.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("consume: insert record: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	for i := range rec.Details {
		d := &rec.Details[i]
		d.RecordID = rec.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sell_match_details (record_id, buy_order_id, matched_quantity, buy_price, sell_price, realized_pnl)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.RecordID, d.BuyOrderID, d.MatchedQuantity.String(), d.BuyPrice.String(), d.SellPrice.String(), d.RealizedPnL.String()); err != nil {
			return nil, fmt.Errorf("consume: insert detail: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("consume: commit: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) querySellRecords(ctx context.Context, q sqlQuerier, where string, args ...any) ([]models.SellMatchRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, config_id, account_id, market_id, outcome_index, kind, COALESCE(sell_order_id, ''),
			COALESCE(leader_trade_id, ''), matched_quantity, sell_price, realized_pnl, price_updated, created_at
		FROM sell_match_records WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query sell records: %w", err)
	}

	var out []models.SellMatchRecord
	for rows.Next() {
		var r models.SellMatchRecord
		var kind, qty, price, pnl string
		var updated int
		var created int64
		if err := rows.Scan(&r.ID, &r.ConfigID, &r.AccountID, &r.MarketID, &r.OutcomeIndex, &kind, &r.SellOrderID,
			&r.LeaderTradeID, &qty, &price, &pnl, &updated, &created); err != nil {
			rows.Close()
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&r.MatchedQuantity, &r.SellPrice, &r.RealizedPnL}, qty, price, pnl); err != nil {
			rows.Close()
			return nil, err
		}
		r.Kind = models.MatchKind(kind)
		r.PriceUpdated = updated == 1
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Details are loaded after the record cursor is closed; the pool has one connection.
	for i := range out {
		details, err := s.querySellDetails(ctx, q, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Details = details
	}
	return out, nil
}

func (s *SQLiteStore) querySellDetails(ctx context.Context, q sqlQuerier, recordID int64) ([]models.SellMatchDetail, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT record_id, buy_order_id, matched_quantity, buy_price, sell_price, realized_pnl
		FROM sell_match_details WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SellMatchDetail
	for rows.Next() {
		var d models.SellMatchDetail
		var qty, buy, sell, pnl string
		if err := rows.Scan(&d.RecordID, &d.BuyOrderID, &qty, &buy, &sell, &pnl); err != nil {
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&d.MatchedQuantity, &d.BuyPrice, &d.SellPrice, &d.RealizedPnL}, qty, buy, sell, pnl); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSellRecords(ctx context.Context, configID int64) ([]models.SellMatchRecord, error) {
	return s.querySellRecords(ctx, s.db, `config_id = ? ORDER BY id`, configID)
}

func (s *SQLiteStore) ListUnpricedSellRecords(ctx context.Context, limit int) ([]models.SellMatchRecord, error) {
	return s.querySellRecords(ctx, s.db, `price_updated = 0 AND sell_order_id != '' AND sell_order_id NOT LIKE ?
		ORDER BY id LIMIT ?`, models.PlaceholderPrefix+"%", limit)
}

func (s *SQLiteStore) CorrectSellPrice(ctx context.Context, recordID int64, price decimal.Decimal) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	recs, err := s.querySellRecords(ctx, tx, `id = ? AND price_updated = 0`, recordID)
	if err != nil || len(recs) == 0 {
		return false, err
	}
	fixed := fifo.Reprice(recs[0], price)

	if _, err := tx.ExecContext(ctx, `UPDATE sell_match_records SET sell_price = ?, realized_pnl = ?, price_updated = 1 WHERE id = ?`,
		fixed.SellPrice.String(), fixed.RealizedPnL.String(), recordID); err != nil {
		return false, fmt.Errorf("correct sell record %d: %w", recordID, err)
	}
	for _, d := range fixed.Details {
		if _, err := tx.ExecContext(ctx, `UPDATE sell_match_details SET sell_price = ?, realized_pnl = ? WHERE record_id = ? AND buy_order_id = ?`,
			d.SellPrice.String(), d.RealizedPnL.String(), recordID, d.BuyOrderID); err != nil {
			return false, fmt.Errorf("correct sell detail %d/%d: %w", recordID, d.BuyOrderID, err)
		}
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) RecordFailedTrade(ctx context.Context, rec models.FailedTrade) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_trades (config_id, account_id, leader_id, leader_trade_id, market_id, outcome_index,
			side, price, size, category, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConfigID, rec.AccountID, rec.LeaderID, rec.LeaderTradeID, rec.MarketID, rec.OutcomeIndex,
		string(rec.Side), rec.Price.String(), rec.Size.String(), rec.Category, models.TruncateReason(rec.Reason),
		nanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("record failed trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFailedTrades(ctx context.Context, configID int64) ([]models.FailedTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT config_id, account_id, leader_id, COALESCE(leader_trade_id, ''), COALESCE(market_id, ''),
			COALESCE(outcome_index, 0), COALESCE(side, ''), COALESCE(price, '0'), COALESCE(size, '0'), category,
			COALESCE(reason, ''), created_at
		FROM failed_trades WHERE config_id = ? ORDER BY id`, configID)
	if err != nil {
		return nil, fmt.Errorf("list failed trades: %w", err)
	}
	defer rows.Close()

	var out []models.FailedTrade
	for rows.Next() {
		var f models.FailedTrade
		var side, price, size string
		var created int64
		if err := rows.Scan(&f.ConfigID, &f.AccountID, &f.LeaderID, &f.LeaderTradeID, &f.MarketID, &f.OutcomeIndex,
			&side, &price, &size, &f.Category, &f.Reason, &created); err != nil {
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&f.Price, &f.Size}, price, size); err != nil {
			return nil, err
		}
		f.Side = models.Side(side)
		f.CreatedAt = fromNanos(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCachedTokenID(ctx context.Context, marketID string, outcome int) (string, error) {
	var tokenID string
	err := s.db.QueryRowContext(ctx, `SELECT token_id FROM token_cache WHERE market_id = ? AND outcome_index = ?`,
		marketID, outcome).Scan(&tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	return tokenID, err
}

func (s *SQLiteStore) CacheTokenID(ctx context.Context, marketID string, outcome int, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_cache (market_id, outcome_index, token_id) VALUES (?, ?, ?)
		ON CONFLICT(market_id, outcome_index) DO UPDATE SET token_id = excluded.token_id`,
		marketID, outcome, tokenID)
	return err
}
