// Package fifo plans oldest-first consumption of open buy orders against a sell amount.
package fifo

import (
	"sort"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// Fill is the consumption of one buy order.
type Fill struct {
	OrderID      int64
	Consumed     decimal.Decimal
	BuyPrice     decimal.Decimal
	PnL          decimal.Decimal
	NewMatched   decimal.Decimal
	NewRemaining decimal.Decimal
	NewStatus    models.OrderStatus
}

// Result is a full matching plan.
type Result struct {
	Fills     []Fill
	Matched   decimal.Decimal
	PnL       decimal.Decimal
	SellPrice decimal.Decimal
	// Unmatched is the part of the requested amount no order could absorb.
	Unmatched decimal.Decimal
}

// Empty reports whether nothing was consumed.
func (r Result) Empty() bool {
	return len(r.Fills) == 0
}

// Plan walks orders oldest-created first and consumes min(remaining, left)
// from each until the amount or the orders run out. A nil amount consumes
// every open remainder. Orders with nothing remaining are skipped.
func Plan(orders []models.Order, amount *decimal.Decimal, sellPrice decimal.Decimal) Result {
	sorted := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.RemainingQuantity.IsPositive() {
			sorted = append(sorted, o)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	res := Result{Matched: decimal.Zero, PnL: decimal.Zero, SellPrice: sellPrice, Unmatched: decimal.Zero}

	var left decimal.Decimal
	unbounded := amount == nil
	if !unbounded {
		left = *amount
		if !left.IsPositive() {
			return res
		}
	}

	for _, o := range sorted {
		if !unbounded && !left.IsPositive() {
			break
		}
		take := o.RemainingQuantity
		if !unbounded && left.LessThan(take) {
			take = left
		}

		pnl := sellPrice.Sub(o.Price).Mul(take)
		remaining := o.RemainingQuantity.Sub(take)
		status := models.OrderPartiallyMatched
		if remaining.IsZero() {
			status = models.OrderFullyMatched
		}

		res.Fills = append(res.Fills, Fill{
			OrderID:      o.ID,
			Consumed:     take,
			BuyPrice:     o.Price,
			PnL:          pnl,
			NewMatched:   o.MatchedQuantity.Add(take),
			NewRemaining: remaining,
			NewStatus:    status,
		})
		res.Matched = res.Matched.Add(take)
		res.PnL = res.PnL.Add(pnl)
		if !unbounded {
			left = left.Sub(take)
		}
	}

	if !unbounded && left.IsPositive() {
		res.Unmatched = left
	}
	return res
}

// Record builds the SellMatchRecord for the plan. base supplies identity fields.
func (r Result) Record(base models.SellMatchRecord) models.SellMatchRecord {
	rec := base
	rec.MatchedQuantity = r.Matched
	rec.SellPrice = r.SellPrice
	rec.RealizedPnL = r.PnL
	rec.Details = make([]models.SellMatchDetail, 0, len(r.Fills))
	for _, f := range r.Fills {
		rec.Details = append(rec.Details, models.SellMatchDetail{
			BuyOrderID:      f.OrderID,
			MatchedQuantity: f.Consumed,
			BuyPrice:        f.BuyPrice,
			SellPrice:       r.SellPrice,
			RealizedPnL:     f.PnL,
		})
	}
	return rec
}

// Reprice recomputes details and totals of rec at a corrected sell price.
func Reprice(rec models.SellMatchRecord, price decimal.Decimal) models.SellMatchRecord {
	out := rec
	out.SellPrice = price
	out.RealizedPnL = decimal.Zero
	out.Details = make([]models.SellMatchDetail, len(rec.Details))
	for i, d := range rec.Details {
		d.SellPrice = price
		d.RealizedPnL = price.Sub(d.BuyPrice).Mul(d.MatchedQuantity)
		out.RealizedPnL = out.RealizedPnL.Add(d.RealizedPnL)
		out.Details[i] = d
	}
	return out
}
