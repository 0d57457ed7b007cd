package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"polymarket-copytrader/exposure"
	"polymarket-copytrader/fifo"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const tokenCacheTTL = 24 * time.Hour

// PostgresStore wraps PostgreSQL persistence with Redis caching.
// Reservations and FIFO consumption take a transaction-scoped advisory lock
// on the (config, market) key, so distinct keys never wait on each other.
type PostgresStore struct {
	pool   *pgxpool.Pool
	redis  *redis.Client
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a PostgreSQL store with connection pooling and an
// optional Redis cache. Redis failures disable the cache instead of failing.
func NewPostgres(ctx context.Context, logger *zap.Logger) (*PostgresStore, error) {
	logger = logging.OrNop(logger).Named("store")

	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		host := getEnv("POSTGRES_HOST", "localhost")
		port := getEnv("POSTGRES_PORT", "5432")
		user := getEnv("POSTGRES_USER", "copytrader")
		password := getEnv("POSTGRES_PASSWORD", "copytrader")
		dbname := getEnv("POSTGRES_DB", "copytrader")
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, dbname)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           0,
			PoolSize:     20,
			MinIdleConns: 2,
			MaxRetries:   3,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, token cache falls back to postgres", zap.Error(err))
			_ = rdb.Close()
		} else {
			s.redis = rdb
		}
	}

	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS leaders (
		id BIGINT PRIMARY KEY,
		address TEXT NOT NULL,
		name TEXT,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id BIGINT PRIMARY KEY,
		name TEXT,
		address TEXT NOT NULL,
		proxy_address TEXT,
		key_ref TEXT,
		signature_type INT NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS follower_configs (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		leader_id BIGINT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		settings JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_follower_configs_leader ON follower_configs(leader_id) WHERE enabled;

	CREATE TABLE IF NOT EXISTS processed_trades (
		leader_id BIGINT NOT NULL,
		trade_id TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		source TEXT NOT NULL,
		outcome TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (leader_id, trade_id)
	);

	CREATE TABLE IF NOT EXISTS copy_orders (
		id BIGSERIAL PRIMARY KEY,
		config_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		leader_id BIGINT NOT NULL,
		market_id TEXT NOT NULL,
		outcome_index INT NOT NULL,
		token_id TEXT,
		exchange_order_id TEXT NOT NULL UNIQUE,
		leader_trade_id TEXT,
		quantity NUMERIC(30, 10) NOT NULL,
		price NUMERIC(30, 10) NOT NULL,
		matched_quantity NUMERIC(30, 10) NOT NULL DEFAULT 0,
		remaining_quantity NUMERIC(30, 10) NOT NULL,
		status TEXT NOT NULL,
		price_updated BOOLEAN NOT NULL DEFAULT FALSE,
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT copy_orders_quantity_balance CHECK (matched_quantity + remaining_quantity = quantity),
		CONSTRAINT copy_orders_remaining_non_negative CHECK (remaining_quantity >= 0)
	);
	CREATE INDEX IF NOT EXISTS idx_copy_orders_key ON copy_orders(config_id, market_id, outcome_index, status);
	CREATE INDEX IF NOT EXISTS idx_copy_orders_account ON copy_orders(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_copy_orders_status ON copy_orders(status, created_at);

	CREATE TABLE IF NOT EXISTS sell_match_records (
		id BIGSERIAL PRIMARY KEY,
		config_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		market_id TEXT NOT NULL,
		outcome_index INT NOT NULL,
		kind TEXT NOT NULL,
		sell_order_id TEXT,
		leader_trade_id TEXT,
		matched_quantity NUMERIC(30, 10) NOT NULL,
		sell_price NUMERIC(30, 10) NOT NULL,
		realized_pnl NUMERIC(30, 10) NOT NULL,
		price_updated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_sell_records_config ON sell_match_records(config_id, created_at);

	CREATE TABLE IF NOT EXISTS sell_match_details (
		id BIGSERIAL PRIMARY KEY,
		record_id BIGINT NOT NULL REFERENCES sell_match_records(id) ON DELETE CASCADE,
		buy_order_id BIGINT NOT NULL,
		matched_quantity NUMERIC(30, 10) NOT NULL,
		buy_price NUMERIC(30, 10) NOT NULL,
		sell_price NUMERIC(30, 10) NOT NULL,
		realized_pnl NUMERIC(30, 10) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sell_details_record ON sell_match_details(record_id);

	CREATE TABLE IF NOT EXISTS failed_trades (
		id BIGSERIAL PRIMARY KEY,
		config_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		leader_id BIGINT NOT NULL,
		leader_trade_id TEXT,
		market_id TEXT,
		outcome_index INT,
		side TEXT,
		price NUMERIC(30, 10),
		size NUMERIC(30, 10),
		category TEXT NOT NULL,
		reason VARCHAR(500),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS token_cache (
		market_id TEXT NOT NULL,
		outcome_index INT NOT NULL,
		token_id TEXT NOT NULL,
		PRIMARY KEY (market_id, outcome_index)
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// lockKeyTx serializes same-key evaluators until the transaction ends.
func lockKeyTx(ctx context.Context, tx pgx.Tx, configID int64, marketID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(configID, marketID)); err != nil {
		return fmt.Errorf("advisory lock %s: %w", lockKey(configID, marketID), err)
	}
	return nil
}

func (s *PostgresStore) SaveLeader(ctx context.Context, leader models.Leader) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leaders (id, address, name, enabled) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET address = EXCLUDED.address, name = EXCLUDED.name, enabled = EXCLUDED.enabled`,
		leader.ID, strings.ToLower(leader.Address), leader.Name, leader.Enabled)
	if err != nil {
		return fmt.Errorf("save leader %d: %w", leader.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListLeaders(ctx context.Context) ([]models.Leader, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, address, COALESCE(name, ''), enabled FROM leaders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list leaders: %w", err)
	}
	defer rows.Close()

	var out []models.Leader
	for rows.Next() {
		var l models.Leader
		if err := rows.Scan(&l.ID, &l.Address, &l.Name, &l.Enabled); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, name, address, proxy_address, key_ref, signature_type, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, address = EXCLUDED.address, proxy_address = EXCLUDED.proxy_address,
			key_ref = EXCLUDED.key_ref, signature_type = EXCLUDED.signature_type, enabled = EXCLUDED.enabled`,
		a.ID, a.Name, a.Address, a.ProxyAddress, a.KeyRef, a.SignatureType, a.Enabled)
	if err != nil {
		return fmt.Errorf("save account %d: %w", a.ID, err)
	}
	return nil
}

const pgAccountColumns = `id, COALESCE(name, ''), address, COALESCE(proxy_address, ''), COALESCE(key_ref, ''), signature_type, enabled`

func scanPgAccount(r rowScanner) (models.Account, error) {
	var a models.Account
	err := r.Scan(&a.ID, &a.Name, &a.Address, &a.ProxyAddress, &a.KeyRef, &a.SignatureType, &a.Enabled)
	return a, err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	a, err := scanPgAccount(s.pool.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgAccountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveFollowerConfig(ctx context.Context, cfg models.FollowerConfig) error {
	settings, err := marshalSettings(cfg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO follower_configs (id, account_id, leader_id, enabled, settings) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id, leader_id = EXCLUDED.leader_id,
			enabled = EXCLUDED.enabled, settings = EXCLUDED.settings`,
		cfg.ID, cfg.AccountID, cfg.LeaderID, cfg.Enabled, settings)
	if err != nil {
		return fmt.Errorf("save follower config %d: %w", cfg.ID, err)
	}
	return nil
}

func scanPgConfig(r rowScanner) (models.FollowerConfig, error) {
	var id, accountID, leaderID int64
	var enabled bool
	var raw []byte
	if err := r.Scan(&id, &accountID, &leaderID, &enabled, &raw); err != nil {
		return models.FollowerConfig{}, err
	}
	return unmarshalSettings(id, accountID, leaderID, enabled, raw)
}

func (s *PostgresStore) GetFollowerConfig(ctx context.Context, id int64) (*models.FollowerConfig, error) {
	cfg, err := scanPgConfig(s.pool.QueryRow(ctx,
		`SELECT id, account_id, leader_id, enabled, settings FROM follower_configs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("follower config %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) ListFollowerConfigs(ctx context.Context, leaderID int64) ([]models.FollowerConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, leader_id, enabled, settings FROM follower_configs
		WHERE leader_id = $1 AND enabled ORDER BY id`, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list follower configs: %w", err)
	}
	defer rows.Close()

	var out []models.FollowerConfig
	for rows.Next() {
		cfg, err := scanPgConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProcessedTrade(ctx context.Context, leaderID int64, tradeID string) (*models.ProcessedTrade, error) {
	var rec models.ProcessedTrade
	var side, source, outcome string
	err := s.pool.QueryRow(ctx, `
		SELECT leader_id, trade_id, trade_type, source, outcome, processed_at
		FROM processed_trades WHERE leader_id = $1 AND trade_id = $2`, leaderID, tradeID).
		Scan(&rec.LeaderID, &rec.TradeID, &side, &source, &outcome, &rec.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("processed trade %d/%s: %w", leaderID, tradeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.TradeType = models.Side(side)
	rec.Source = models.TradeSource(source)
	rec.Outcome = models.TradeOutcome(outcome)
	return &rec, nil
}

func (s *PostgresStore) InsertProcessedTrade(ctx context.Context, rec models.ProcessedTrade) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_trades (leader_id, trade_id, trade_type, source, outcome, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.LeaderID, rec.TradeID, string(rec.TradeType), string(rec.Source), string(rec.Outcome), rec.ProcessedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgExposure(ctx context.Context, q pgQuerier, cfg models.FollowerConfig, marketID string) (exposure.State, error) {
	st := exposure.State{Exposure: decimal.Zero}
	var total string
	var markets int
	var holds bool
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(quantity * price) FILTER (WHERE market_id = $2), 0)::text,
			COUNT(DISTINCT market_id),
			COALESCE(BOOL_OR(market_id = $2), FALSE)
		FROM copy_orders
		WHERE config_id = $1 AND status <> $3`,
		cfg.ID, marketID, string(models.OrderFullyMatched)).Scan(&total, &markets, &holds)
	if err != nil {
		return st, fmt.Errorf("sum exposure: %w", err)
	}
	if st.Exposure, err = decimal.NewFromString(total); err != nil {
		return st, err
	}
	st.OpenMarkets = markets
	st.HoldsMarket = holds
	return st, nil
}

func (s *PostgresStore) Exposure(ctx context.Context, cfg models.FollowerConfig, marketID string) (exposure.State, error) {
	return pgExposure(ctx, s.pool, cfg, marketID)
}

func (s *PostgresStore) DailyStats(ctx context.Context, configID int64, since time.Time) (DailyStats, error) {
	stats := DailyStats{}
	var pnl string
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM copy_orders WHERE config_id = $1 AND created_at >= $2),
			(SELECT COALESCE(SUM(realized_pnl), 0)::text FROM sell_match_records WHERE config_id = $1 AND created_at >= $2)`,
		configID, since).Scan(&stats.Orders, &pnl)
	if err != nil {
		return stats, fmt.Errorf("daily stats: %w", err)
	}
	stats.RealizedPnL, err = decimal.NewFromString(pnl)
	return stats, err
}

// Reserve runs in its own transaction so the pending row is visible to every
// other evaluator as soon as it commits, whatever the caller does next.
func (s *PostgresStore) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if req.Config.MaxPositionCount > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, configLockKey(req.Config.ID)); err != nil {
			return Reservation{}, fmt.Errorf("advisory lock %s: %w", configLockKey(req.Config.ID), err)
		}
	}
	if err := lockKeyTx(ctx, tx, req.Config.ID, req.Order.MarketID); err != nil {
		return Reservation{}, err
	}

	st, err := pgExposure(ctx, tx, req.Config, req.Order.MarketID)
	if err != nil {
		return Reservation{}, err
	}

	dec := exposure.Decide(req.Config, st, req.Order.Price, req.Order.Quantity)
	if !dec.Reserves() {
		return Reservation{Decision: dec}, nil
	}

	o := newPendingOrder(req, dec, placeholderID(), time.Now())
	err = tx.QueryRow(ctx, `
		INSERT INTO copy_orders (config_id, account_id, leader_id, market_id, outcome_index, token_id,
			exchange_order_id, leader_trade_id, quantity, price, matched_quantity, remaining_quantity,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14, $14)
		RETURNING id`,
		o.ConfigID, o.AccountID, o.LeaderID, o.MarketID, o.OutcomeIndex, o.TokenID,
		o.ExchangeOrderID, o.LeaderTradeID, o.Quantity.String(), o.Price.String(),
		o.MatchedQuantity.String(), o.RemainingQuantity.String(), string(o.Status), o.CreatedAt).Scan(&o.ID)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: insert pending order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reserve: commit: %w", err)
	}
	return Reservation{Decision: dec, Order: &o}, nil
}

func (s *PostgresStore) FinalizeOrder(ctx context.Context, orderID int64, exchangeOrderID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_orders SET exchange_order_id = $2,
			status = CASE WHEN status = $3 THEN $4 ELSE status END, updated_at = NOW()
		WHERE id = $1`,
		orderID, exchangeOrderID, string(models.OrderPending), string(models.OrderFilled))
	if err != nil {
		return fmt.Errorf("finalize order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize order %d: %w", orderID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, orderID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM copy_orders WHERE id = $1`, orderID); err != nil {
		return fmt.Errorf("delete order %d: %w", orderID, err)
	}
	return nil
}

const pgOrderColumns = `id, config_id, account_id, leader_id, market_id, outcome_index, COALESCE(token_id, ''),
	exchange_order_id, COALESCE(leader_trade_id, ''), quantity::text, price::text, matched_quantity::text,
	remaining_quantity::text, status, price_updated, notified, created_at, updated_at`

func scanPgOrder(r rowScanner) (models.Order, error) {
	var o models.Order
	var qty, price, matched, remaining, status string
	err := r.Scan(&o.ID, &o.ConfigID, &o.AccountID, &o.LeaderID, &o.MarketID, &o.OutcomeIndex, &o.TokenID,
		&o.ExchangeOrderID, &o.LeaderTradeID, &qty, &price, &matched, &remaining,
		&status, &o.PriceUpdated, &o.Notified, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if err := parseDecimals([]*decimal.Decimal{&o.Quantity, &o.Price, &o.MatchedQuantity, &o.RemainingQuantity},
		qty, price, matched, remaining); err != nil {
		return o, err
	}
	o.Status = models.OrderStatus(status)
	return o, nil
}

func queryPgOrders(ctx context.Context, q pgQuerier, where string, args ...any) ([]models.Order, error) {
	rows, err := q.Query(ctx, `SELECT `+pgOrderColumns+` FROM copy_orders WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanPgOrder(s.pool.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM copy_orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, key models.PositionKey) ([]models.Order, error) {
	return queryPgOrders(ctx, s.pool, `config_id = $1 AND market_id = $2 AND outcome_index = $3
		AND status IN `+openStatuses+` AND remaining_quantity > 0 ORDER BY created_at, id`,
		key.ConfigID, key.MarketID, key.OutcomeIndex)
}

func (s *PostgresStore) ListAccountOpenOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	return queryPgOrders(ctx, s.pool, `account_id = $1 AND status IN `+openStatuses+` AND remaining_quantity > 0
		ORDER BY created_at, id`, accountID)
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, createdBefore time.Time) ([]models.Order, error) {
	return queryPgOrders(ctx, s.pool, `status = $1 AND created_at < $2 ORDER BY created_at, id`,
		string(models.OrderPending), createdBefore)
}

func (s *PostgresStore) ListUnpricedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	return queryPgOrders(ctx, s.pool, `status <> $1 AND NOT price_updated ORDER BY created_at, id LIMIT $2`,
		string(models.OrderPending), limit)
}

func (s *PostgresStore) ListUnnotifiedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	return queryPgOrders(ctx, s.pool, `status <> $1 AND price_updated AND NOT notified ORDER BY created_at, id LIMIT $2`,
		string(models.OrderPending), limit)
}

func (s *PostgresStore) CorrectOrderFill(ctx context.Context, orderID int64, price, quantity decimal.Decimal) (bool, error) {
	current, err := s.GetOrder(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if err := lockKeyTx(ctx, tx, current.ConfigID, current.MarketID); err != nil {
		return false, err
	}
	orders, err := queryPgOrders(ctx, tx, `id = $1 AND NOT price_updated FOR UPDATE`, orderID)
	if err != nil || len(orders) == 0 {
		return false, err
	}

	qty, remaining, status := correctedFill(orders[0], quantity)
	if _, err := tx.Exec(ctx, `
		UPDATE copy_orders SET price = $2::numeric, quantity = $3::numeric, remaining_quantity = $4::numeric,
			status = $5, price_updated = TRUE, updated_at = NOW()
		WHERE id = $1`, orderID, price.String(), qty.String(), remaining.String(), string(status)); err != nil {
		return false, fmt.Errorf("correct order %d: %w", orderID, err)
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) MarkOrderNotified(ctx context.Context, orderID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE copy_orders SET notified = TRUE WHERE id = $1 AND NOT notified`, orderID)
	if err != nil {
		return false, fmt.Errorf("mark order %d notified: %w", orderID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ConsumeFIFO(ctx context.Context, req ConsumeRequest) (*models.SellMatchRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("consume: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockKeyTx(ctx, tx, req.Key.ConfigID, req.Key.MarketID); err != nil {
		return nil, err
	}

	where := `config_id = $1 AND market_id = $2 AND outcome_index = $3 AND status IN ` + openStatuses +
		` AND remaining_quantity > 0`
	args := []any{req.Key.ConfigID, req.Key.MarketID, req.Key.OutcomeIndex}
	if !req.CreatedBefore.IsZero() {
		where += ` AND created_at < $4`
		args = append(args, req.CreatedBefore)
	}
	open, err := queryPgOrders(ctx, tx, where+` ORDER BY created_at, id FOR UPDATE`, args...)
	if err != nil {
		return nil, err
	}

	plan := fifo.Plan(open, req.Amount, req.SellPrice)
	if plan.Empty() {
		return nil, nil
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for _, f := range plan.Fills {
		batch.Queue(`
			UPDATE copy_orders SET matched_quantity = $2::numeric, remaining_quantity = $3::numeric, status = $4, updated_at = $5
			WHERE id = $1`, f.OrderID, f.NewMatched.String(), f.NewRemaining.String(), string(f.NewStatus), now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("consume: update orders: %w", err)
	}

	rec := plan.Record(recordBase(req, now))
	err = tx.QueryRow(ctx, `
		INSERT INTO sell_match_records (config_id, account_id, market_id, outcome_index, kind, sell_order_id,
			leader_trade_id, matched_quantity, sell_price, realized_pnl, price_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12)
		RETURNING id`,
		rec.ConfigID, rec.AccountID, rec.MarketID, rec.OutcomeIndex, string(rec.Kind), rec.SellOrderID,
		rec.LeaderTradeID, rec.MatchedQuantity.String(), rec.SellPrice.String(), rec.RealizedPnL.String(),
		rec.PriceUpdated, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("consume: insert record: %w", err)
	}

	details := &pgx.Batch{}
	for i := range rec.Details {
		d := &rec.Details[i]
		d.RecordID = rec.ID
		details.Queue(`
			INSERT INTO sell_match_details (record_id, buy_order_id, matched_quantity, buy_price, sell_price, realized_pnl)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric)`,
			d.RecordID, d.BuyOrderID, d.MatchedQuantity.String(), d.BuyPrice.String(), d.SellPrice.String(), d.RealizedPnL.String())
	}
	if err := tx.SendBatch(ctx, details).Close(); err != nil {
		return nil, fmt.Errorf("consume: insert details: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("consume: commit: %w", err)
	}
	return &rec, nil
}

func queryPgSellRecords(ctx context.Context, q pgQuerier, where string, args ...any) ([]models.SellMatchRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT id, config_id, account_id, market_id, outcome_index, kind, COALESCE(sell_order_id, ''),
			COALESCE(leader_trade_id, ''), matched_quantity::text, sell_price::text, realized_pnl::text,
			price_updated, created_at
		FROM sell_match_records WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query sell records: %w", err)
	}

	var out []models.SellMatchRecord
	for rows.Next() {
		var r models.SellMatchRecord
		var kind, qty, price, pnl string
		if err := rows.Scan(&r.ID, &r.ConfigID, &r.AccountID, &r.MarketID, &r.OutcomeIndex, &kind, &r.SellOrderID,
			&r.LeaderTradeID, &qty, &price, &pnl, &r.PriceUpdated, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&r.MatchedQuantity, &r.SellPrice, &r.RealizedPnL}, qty, price, pnl); err != nil {
			rows.Close()
			return nil, err
		}
		r.Kind = models.MatchKind(kind)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		details, err := queryPgSellDetails(ctx, q, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Details = details
	}
	return out, nil
}

func queryPgSellDetails(ctx context.Context, q pgQuerier, recordID int64) ([]models.SellMatchDetail, error) {
	rows, err := q.Query(ctx, `
		SELECT record_id, buy_order_id, matched_quantity::text, buy_price::text, sell_price::text, realized_pnl::text
		FROM sell_match_details WHERE record_id = $1 ORDER BY id`, recordID)
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

func (s *PostgresStore) ListSellRecords(ctx context.Context, configID int64) ([]models.SellMatchRecord, error) {
	return queryPgSellRecords(ctx, s.pool, `config_id = $1 ORDER BY id`, configID)
}

func (s *PostgresStore) ListUnpricedSellRecords(ctx context.Context, limit int) ([]models.SellMatchRecord, error) {
	return queryPgSellRecords(ctx, s.pool, `NOT price_updated AND COALESCE(sell_order_id, '') <> ''
		AND sell_order_id NOT LIKE $1 ORDER BY id LIMIT $2`, models.PlaceholderPrefix+"%", limit)
}

func (s *PostgresStore) CorrectSellPrice(ctx context.Context, recordID int64, price decimal.Decimal) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	recs, err := queryPgSellRecords(ctx, tx, `id = $1 AND NOT price_updated FOR UPDATE`, recordID)
	if err != nil || len(recs) == 0 {
		return false, err
	}
	fixed := fifo.Reprice(recs[0], price)

	if _, err := tx.Exec(ctx, `UPDATE sell_match_records SET sell_price = $2::numeric, realized_pnl = $3::numeric, price_updated = TRUE WHERE id = $1`,
		recordID, fixed.SellPrice.String(), fixed.RealizedPnL.String()); err != nil {
		return false, fmt.Errorf("correct sell record %d: %w", recordID, err)
	}
	for _, d := range fixed.Details {
		if _, err := tx.Exec(ctx, `UPDATE sell_match_details SET sell_price = $3::numeric, realized_pnl = $4::numeric WHERE record_id = $1 AND buy_order_id = $2`,
			recordID, d.BuyOrderID, d.SellPrice.String(), d.RealizedPnL.String()); err != nil {
			return false, fmt.Errorf("correct sell detail %d/%d: %w", recordID, d.BuyOrderID, err)
		}
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) RecordFailedTrade(ctx context.Context, rec models.FailedTrade) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO failed_trades (config_id, account_id, leader_id, leader_trade_id, market_id, outcome_index,
			side, price, size, category, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $12)`,
		rec.ConfigID, rec.AccountID, rec.LeaderID, rec.LeaderTradeID, rec.MarketID, rec.OutcomeIndex,
		string(rec.Side), rec.Price.String(), rec.Size.String(), rec.Category, models.TruncateReason(rec.Reason),
		rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record failed trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFailedTrades(ctx context.Context, configID int64) ([]models.FailedTrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT config_id, account_id, leader_id, COALESCE(leader_trade_id, ''), COALESCE(market_id, ''),
			COALESCE(outcome_index, 0), COALESCE(side, ''), COALESCE(price, 0)::text, COALESCE(size, 0)::text,
			category, COALESCE(reason, ''), created_at
		FROM failed_trades WHERE config_id = $1 ORDER BY id`, configID)
	if err != nil {
		return nil, fmt.Errorf("list failed trades: %w", err)
	}
	defer rows.Close()

	var out []models.FailedTrade
	for rows.Next() {
		var f models.FailedTrade
		var side, price, size string
		if err := rows.Scan(&f.ConfigID, &f.AccountID, &f.LeaderID, &f.LeaderTradeID, &f.MarketID, &f.OutcomeIndex,
			&side, &price, &size, &f.Category, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&f.Price, &f.Size}, price, size); err != nil {
			return nil, err
		}
		f.Side = models.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetCachedTokenID checks Redis first, then the token_cache table.
func (s *PostgresStore) GetCachedTokenID(ctx context.Context, marketID string, outcome int) (string, error) {
	key := tokenCacheKey(marketID, outcome)
	if s.redis != nil {
		if v, err := s.redis.Get(ctx, key).Result(); err == nil && v != "" {
			return v, nil
		}
	}

	var tokenID string
	err := s.pool.QueryRow(ctx, `SELECT token_id FROM token_cache WHERE market_id = $1 AND outcome_index = $2`,
		marketID, outcome).Scan(&tokenID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if s.redis != nil {
		s.redis.Set(ctx, key, tokenID, tokenCacheTTL)
	}
	return tokenID, nil
}

func (s *PostgresStore) CacheTokenID(ctx context.Context, marketID string, outcome int, tokenID string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO token_cache (market_id, outcome_index, token_id) VALUES ($1, $2, $3)
		ON CONFLICT (market_id, outcome_index) DO UPDATE SET token_id = EXCLUDED.token_id`,
		marketID, outcome, tokenID); err != nil {
		return fmt.Errorf("cache token id: %w", err)
	}
	if s.redis != nil {
		s.redis.Set(ctx, tokenCacheKey(marketID, outcome), tokenID, tokenCacheTTL)
	}
	return nil
}
