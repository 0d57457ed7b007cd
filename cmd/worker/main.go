package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/handlers"
	"polymarket-copytrader/logging"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/risk"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("COPYTRADER_CONFIG"))
	if err != nil {
		log.Fatalf("[worker] failed to load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("[worker] failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := seed(ctx, store, cfg.Seed); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := syncer.NewMetrics(reg)

	exchange := api.NewClobClient(api.ClobOptions{
		BaseURL:      cfg.Exchange.ClobURL,
		Timeout:      cfg.Exchange.RequestTimeout.D(),
		RateLimitRPS: cfg.Exchange.RateLimitRPS,
		Credentials:  api.EnvCredentials,
		Logger:       logger,
	})
	signer := api.NewEIP712Signer(cfg.Exchange.ChainID, api.EnvKeys)
	data := api.NewDataClient(cfg.Exchange.DataURL, cfg.Exchange.RequestTimeout.D(), cfg.Exchange.RateLimitRPS)

	var chain *api.ChainClient
	if cfg.Exchange.RPCURL != "" {
		chain, err = api.DialChain(ctx, cfg.Exchange.RPCURL, cfg.Exchange.CTFAddress)
		if err != nil {
			logger.Warn("polygon rpc unavailable, settlement falls back to price heuristics", zap.Error(err))
		} else {
			defer chain.Close()
		}
	}

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify.QueueSize, cfg.Notify.DedupTTL.D(), logger)

	executor := syncer.NewTradeExecutor(store, signer, exchange, syncer.ExecutorOptions{
		RetryBackoff:  cfg.Executor.RetryBackoff.D(),
		MaxRetries:    cfg.Executor.MaxRetries,
		SubmitTimeout: cfg.Executor.SubmitTimeout.D(),
	}, metrics, logger)
	matcher := syncer.NewSellMatcher(store, executor, metrics, logger)
	trader := syncer.NewCopyTrader(store, exchange, risk.NewEngine(store, exchange), executor, matcher,
		syncer.NewLedger(store, logger), metrics,
		syncer.CopyTraderOptions{Workers: cfg.Executor.FanOutWorkers, Capacity: cfg.Executor.FanOutCapacity}, logger)
	defer trader.Stop()

	var settlements api.SettlementReader
	if chain != nil {
		settlements = chain
	}
	resolver := syncer.NewSettlementResolver(settlements, exchange, cfg.Match.WinThreshold, cfg.Match.LoseThreshold, logger)

	monitor := syncer.NewPositionMonitor(store, data, cfg.Monitor.PollInterval.D(), cfg.Monitor.FetchTimeout.D(), metrics, logger)
	reconciler := syncer.NewReconciler(store, matcher, resolver, cfg.Match.ClosureGrace.D(), logger)
	sweeper := syncer.NewStatusSweeper(store, exchange, dispatcher, syncer.SweeperOptions{
		Interval:     cfg.Sweep.Interval.D(),
		PendingGrace: cfg.Sweep.PendingGrace.D(),
		BatchSize:    cfg.Sweep.BatchSize,
	}, metrics, logger)

	leaders, err := store.ListLeaders(ctx)
	if err != nil {
		return fmt.Errorf("list leaders: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	monitor.Start(ctx)
	defer monitor.Stop()
	unsubscribe := reconciler.Attach(ctx, monitor)
	defer unsubscribe()

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	enabled := 0
	for _, leader := range leaders {
		if !leader.Enabled {
			continue
		}
		enabled++
		poller := syncer.NewLeaderPoller(leader, data, trader, cfg.Ingest.ActivityPollInterval.D(), cfg.Ingest.ActivityLimit, logger)
		g.Go(func() error { return poller.Run(ctx) })
	}
	if !cfg.Ingest.DisableWebsocket && enabled > 0 {
		stream := api.NewActivityStream(cfg.Ingest.WSURL, cfg.Ingest.WSReconnectDelay.D(), logger)
		listener := syncer.NewRealtimeListener(stream, trader, leaders, cfg.Executor.FanOutCapacity, logger)
		g.Go(func() error { return listener.Run(ctx) })
	}
	if chain != nil {
		watcher := syncer.NewTransferWatcher(store, chain, exchange, matcher, cfg.Match.TransferPoll.D(), cfg.Match.TransferLookup, logger)
		g.Go(func() error { return watcher.Run(ctx) })
	}

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.NewHandler(trader, monitor, sweeper, store, logger), reg)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("worker running", zap.Int("leaders", enabled), zap.Bool("chain", chain != nil))
	return g.Wait()
}

// openStore picks Postgres when it is configured and SQLite otherwise.
func openStore(ctx context.Context, logger *zap.Logger) (storage.Store, error) {
	if os.Getenv("DATABASE_URL") != "" || os.Getenv("POSTGRES_HOST") != "" {
		s, err := storage.NewPostgres(ctx, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("postgres storage initialized")
		return s, nil
	}

	path := os.Getenv("SQLITE_PATH")
	if path == "" {
		path = "copytrader.db"
	}
	s, err := storage.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	logger.Info("sqlite storage initialized", zap.String("path", path))
	return s, nil
}

func seed(ctx context.Context, store storage.Store, s config.SeedConfig) error {
	for _, l := range s.Leaders {
		if err := store.SaveLeader(ctx, l); err != nil {
			return fmt.Errorf("seed leader %d: %w", l.ID, err)
		}
	}
	for _, a := range s.Accounts {
		if err := store.SaveAccount(ctx, a); err != nil {
			return fmt.Errorf("seed account %d: %w", a.ID, err)
		}
	}
	for _, f := range s.Followers {
		if err := store.SaveFollowerConfig(ctx, f); err != nil {
			return fmt.Errorf("seed follower config %d: %w", f.ID, err)
		}
	}
	return nil
}

func buildNotifier(cfg config.NotifyConfig, logger *zap.Logger) (notify.Notifier, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" || cfg.TelegramChatID == 0 {
		return notify.NewLogNotifier(logger), nil
	}
	tg, err := notify.NewTelegramNotifier(token, cfg.TelegramChatID)
	if err != nil {
		return nil, err
	}
	return tg, nil
}
