// Package risk evaluates whether a leader trade should be copied for one
// follower config, and how large the copy may be.
package risk

import (
	"context"
	"fmt"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/exposure"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/shopspring/decimal"
)

// Kind is the verdict of an evaluation.
type Kind int

const (
	Pass Kind = iota
	PassWithClamp
	// Skip is a rejection caused by sizing, not by a risk limit.
	Skip
	Fail
)

func (k Kind) String() string {
	switch k {
	case Pass:
		return "pass"
	case PassWithClamp:
		return "pass_with_clamp"
	case Skip:
		return "skip"
	default:
		return "fail"
	}
}

// Result is the outcome of an evaluation. Rejections are results, not errors.
type Result struct {
	Kind     Kind
	Category string
	Reason   string
	// Headroom is the remaining notional under the value cap when clamped.
	Headroom *decimal.Decimal
}

// Passed reports whether the trade may proceed.
func (r Result) Passed() bool {
	return r.Kind == Pass || r.Kind == PassWithClamp
}

func fail(category, format string, args ...interface{}) Result {
	return Result{Kind: Fail, Category: category, Reason: fmt.Sprintf(format, args...)}
}

func skip(category, format string, args ...interface{}) Result {
	return Result{Kind: Skip, Category: category, Reason: fmt.Sprintf(format, args...)}
}

// BookSource fetches the order book for an outcome token.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*api.OrderBook, error)
}

// Input is one (trade, config) pair to evaluate.
type Input struct {
	Config  models.FollowerConfig
	Trade   models.Trade
	TokenID string
	// Notional is the requested copy size, from SizeOrder.
	Notional decimal.Decimal
}

// Engine evaluates filters and limits. It never mutates state.
type Engine struct {
	exposure storage.ExposureReader
	books    BookSource
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(exposure storage.ExposureReader, books BookSource) *Engine {
	return &Engine{exposure: exposure, books: books, now: time.Now}
}

// Evaluate checks, short-circuiting on the first rejection: the price range,
// then daily and position limits, then book checks when the config sets any.
// The returned error is reserved for failures reading local state.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Result, error) {
	cfg := in.Config

	if res := checkPriceRange(cfg, in.Trade.Price); !res.Passed() {
		return res, nil
	}

	res, err := e.checkLimits(ctx, in)
	if err != nil || !res.Passed() {
		return res, err
	}

	if cfg.NeedsOrderBook() {
		if bookRes := e.checkBook(ctx, cfg, in.TokenID, in.Trade.Side); !bookRes.Passed() {
			return bookRes, nil
		}
	}
	return res, nil
}

func checkPriceRange(cfg models.FollowerConfig, price decimal.Decimal) Result {
	if cfg.MinPrice != nil && price.LessThan(*cfg.MinPrice) {
		return fail(models.CategoryPriceRange, "price %s below min %s", price, cfg.MinPrice)
	}
	if cfg.MaxPrice != nil && price.GreaterThan(*cfg.MaxPrice) {
		return fail(models.CategoryPriceRange, "price %s above max %s", price, cfg.MaxPrice)
	}
	return Result{Kind: Pass}
}

func (e *Engine) checkLimits(ctx context.Context, in Input) (Result, error) {
	cfg := in.Config

	if cfg.MaxDailyOrders > 0 || cfg.MaxDailyLoss != nil {
		stats, err := e.exposure.DailyStats(ctx, cfg.ID, startOfDay(e.now()))
		if err != nil {
			return Result{}, fmt.Errorf("daily stats for config %d: %w", cfg.ID, err)
		}
		if cfg.MaxDailyOrders > 0 && stats.Orders >= cfg.MaxDailyOrders {
			return fail(models.CategoryRiskControl, "daily orders %d at cap %d", stats.Orders, cfg.MaxDailyOrders), nil
		}
		if cfg.MaxDailyLoss != nil && stats.Loss().GreaterThanOrEqual(*cfg.MaxDailyLoss) {
			return fail(models.CategoryRiskControl, "daily loss %s at cap %s", stats.Loss(), cfg.MaxDailyLoss), nil
		}
	}

	if cfg.MaxPositionValue == nil && cfg.MaxPositionCount == 0 {
		return Result{Kind: Pass}, nil
	}

	st, err := e.exposure.Exposure(ctx, cfg, in.Trade.MarketID)
	if err != nil {
		return Result{}, fmt.Errorf("exposure for config %d market %s: %w", cfg.ID, in.Trade.MarketID, err)
	}
	return Headroom(cfg, st, in.Notional), nil
}

// Headroom applies the position caps to a requested notional against a
// committed exposure state. The reservation store re-applies the same rule
// under its key lock.
func Headroom(cfg models.FollowerConfig, st exposure.State, notional decimal.Decimal) Result {
	if cfg.MaxPositionCount > 0 && !st.HoldsMarket && st.OpenMarkets >= cfg.MaxPositionCount {
		return fail(models.CategoryRiskControl, "open positions %d at cap %d", st.OpenMarkets, cfg.MaxPositionCount)
	}

	headroom := exposure.Headroom(cfg, st.Exposure)
	if headroom == nil || notional.LessThanOrEqual(*headroom) {
		return Result{Kind: Pass, Headroom: headroom}
	}
	if !headroom.IsPositive() {
		return fail(models.CategoryRiskControl, "position value %s at cap %s", st.Exposure, cfg.MaxPositionValue)
	}
	if cfg.MinOrderSize.IsPositive() && headroom.LessThan(cfg.MinOrderSize) {
		res := skip(models.CategoryMinOrderSize, "headroom %s below min order size %s", headroom, cfg.MinOrderSize)
		res.Headroom = headroom
		return res
	}
	return Result{
		Kind:     PassWithClamp,
		Reason:   fmt.Sprintf("notional %s clamped to headroom %s", notional, headroom),
		Headroom: headroom,
	}
}

func (e *Engine) checkBook(ctx context.Context, cfg models.FollowerConfig, tokenID string, side models.Side) Result {
	book, err := e.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		return fail(models.CategoryOrderbookError, "order book for %s: %v", tokenID, err)
	}
	if book.Empty() {
		return fail(models.CategoryOrderbookEmpty, "order book for %s is empty", tokenID)
	}

	if cfg.MaxSpread != nil {
		spread := book.BestAsk().Sub(book.BestBid())
		if spread.GreaterThan(*cfg.MaxSpread) {
			return fail(models.CategorySpread, "spread %s above max %s", spread, cfg.MaxSpread)
		}
	}
	if cfg.MinOrderDepth != nil {
		depth := book.Depth(side)
		if depth.LessThan(*cfg.MinOrderDepth) {
			return fail(models.CategoryOrderbookDepth, "depth %s below min %s", depth, cfg.MinOrderDepth)
		}
	}
	return Result{Kind: Pass}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
