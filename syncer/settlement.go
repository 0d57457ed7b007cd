package syncer

import (
	"context"
	"errors"
	"fmt"

	"polymarket-copytrader/api"
	"polymarket-copytrader/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource says where a synthetic sell price came from.
type PriceSource string

const (
	PriceFromPayout    PriceSource = "payout"
	PriceFromHeuristic PriceSource = "heuristic"
	PriceFromBestBid   PriceSource = "best_bid"
)

// Authoritative reports whether the price is final for a match record.
func (s PriceSource) Authoritative() bool {
	return s == PriceFromPayout || s == PriceFromHeuristic
}

// QuoteSource reads the top of book for a token.
type QuoteSource interface {
	GetQuote(ctx context.Context, tokenID string) (*api.Quote, error)
}

// SettlementResolver prices a position that left the account without an
// explicit sell: on-chain payouts first, then a price-proximity heuristic,
// then the live best bid.
type SettlementResolver struct {
	chain  api.SettlementReader
	quotes QuoteSource
	win    decimal.Decimal
	lose   decimal.Decimal
	logger *zap.Logger
}

// NewSettlementResolver creates a resolver with win/lose thresholds such as 0.99/0.01.
func NewSettlementResolver(chain api.SettlementReader, quotes QuoteSource, win, lose float64, logger *zap.Logger) *SettlementResolver {
	return &SettlementResolver{
		chain:  chain,
		quotes: quotes,
		win:    decimal.NewFromFloat(win),
		lose:   decimal.NewFromFloat(lose),
		logger: logging.OrNop(logger).Named("settlement"),
	}
}

// Price resolves the sell price for outcome of marketID. lastPrice is the
// latest price the position feed reported, nil when unknown.
func (r *SettlementResolver) Price(ctx context.Context, marketID string, outcome int, tokenID string, lastPrice *decimal.Decimal) (decimal.Decimal, PriceSource, error) {
	if r.chain != nil {
		s, err := r.chain.GetSettlement(ctx, marketID)
		switch {
		case err == nil:
			if s.Share(outcome).IsPositive() {
				return decimal.NewFromInt(1), PriceFromPayout, nil
			}
			return decimal.Zero, PriceFromPayout, nil
		case errors.Is(err, api.ErrUnsettled):
		default:
			r.logger.Warn("settlement read failed", zap.String("market_id", marketID), zap.Error(err))
		}
	}

	if lastPrice != nil {
		if lastPrice.GreaterThanOrEqual(r.win) {
			return decimal.NewFromInt(1), PriceFromHeuristic, nil
		}
		if lastPrice.LessThanOrEqual(r.lose) {
			return decimal.Zero, PriceFromHeuristic, nil
		}
	}

	if tokenID == "" || r.quotes == nil {
		return decimal.Zero, "", fmt.Errorf("no price for market %s outcome %d", marketID, outcome)
	}
	q, err := r.quotes.GetQuote(ctx, tokenID)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("best bid for %s: %w", tokenID, err)
	}
	return q.BestBid, PriceFromBestBid, nil
}
