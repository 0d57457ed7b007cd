// Command inspect prints the store's follower configs with their open
// lots and FIFO records, and flags rows that break the lot invariants.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	sqlitePath := flag.String("sqlite", os.Getenv("SQLITE_PATH"), "sqlite database path (ignored when DATABASE_URL is set)")
	verbose := flag.Bool("v", false, "print every open lot")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := open(ctx, *sqlitePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	problems, err := inspect(ctx, store, os.Stdout, *verbose)
	if err != nil {
		log.Fatalf("Inspection failed: %v", err)
	}
	if problems > 0 {
		fmt.Printf("\n%d problem(s) found\n", problems)
		os.Exit(1)
	}
	fmt.Println("\nNo problems found.")
}

func open(ctx context.Context, sqlitePath string) (storage.Store, error) {
	if os.Getenv("DATABASE_URL") != "" || os.Getenv("POSTGRES_HOST") != "" {
		return storage.NewPostgres(ctx, zap.NewNop())
	}
	if sqlitePath == "" {
		sqlitePath = "copytrader.db"
	}
	return storage.NewSQLite(sqlitePath)
}

// orderProblem describes why a lot row is inconsistent, or "" when it is fine.
func orderProblem(o models.Order) string {
	switch {
	case o.RemainingQuantity.GreaterThan(o.Quantity):
		return "remaining exceeds quantity"
	case o.MatchedQuantity.GreaterThan(o.Quantity):
		return "matched exceeds quantity"
	case !o.Price.IsPositive():
		return "non-positive entry price"
	}
	return ""
}

func inspect(ctx context.Context, store storage.Store, w io.Writer, verbose bool) (int, error) {
	leaders, err := store.ListLeaders(ctx)
	if err != nil {
		return 0, err
	}

	problems := 0
	stale, err := store.ListPendingOrders(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	for _, o := range stale {
		problems++
		fmt.Fprintf(w, "! order %d (config %d) pending since %s\n", o.ID, o.ConfigID, o.CreatedAt.Format(time.RFC3339))
	}

	for _, leader := range leaders {
		configs, err := store.ListFollowerConfigs(ctx, leader.ID)
		if err != nil {
			return problems, err
		}
		fmt.Fprintf(w, "\n--- Leader %d %s (enabled=%t) ---\n", leader.ID, leader.Address, leader.Enabled)

		for _, cfg := range configs {
			orders, err := store.ListAccountOpenOrders(ctx, cfg.AccountID)
			if err != nil {
				return problems, err
			}
			held := decimal.Zero
			lots := 0
			for _, o := range orders {
				if o.ConfigID != cfg.ID {
					continue
				}
				lots++
				held = held.Add(o.RemainingQuantity)
				if p := orderProblem(o); p != "" {
					problems++
					fmt.Fprintf(w, "  ! order %d (%s/%d): %s\n", o.ID, o.MarketID, o.OutcomeIndex, p)
				} else if verbose {
					fmt.Fprintf(w, "  order %d %s/%d remaining=%s @ %s status=%s\n",
						o.ID, o.MarketID, o.OutcomeIndex, o.RemainingQuantity, o.Price, o.Status)
				}
			}

			records, err := store.ListSellRecords(ctx, cfg.ID)
			if err != nil {
				return problems, err
			}
			pnl := decimal.Zero
			unpriced := 0
			for _, rec := range records {
				pnl = pnl.Add(rec.RealizedPnL)
				if !rec.PriceUpdated {
					unpriced++
				}
			}

			failed, err := store.ListFailedTrades(ctx, cfg.ID)
			if err != nil {
				return problems, err
			}

			fmt.Fprintf(w, "Config %d account=%d enabled=%t: lots=%d held=%s sells=%d unpriced=%d pnl=%s failed=%d\n",
				cfg.ID, cfg.AccountID, cfg.Enabled, lots, held, len(records), unpriced, pnl, len(failed))
		}
	}
	return problems, nil
}
