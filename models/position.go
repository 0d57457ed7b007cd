package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one holding reported by the positions feed.
type Position struct {
	AccountID    int64           `json:"account_id"`
	MarketID     string          `json:"market_id"`
	OutcomeIndex int             `json:"outcome_index"`
	TokenID      string          `json:"token_id"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurPrice     decimal.Decimal `json:"cur_price"`
	Redeemable   bool            `json:"redeemable"`
}

// AccountPositions holds one account's current and historical positions.
type AccountPositions struct {
	AccountID  int64      `json:"account_id"`
	Current    []Position `json:"current"`
	Historical []Position `json:"historical"`
}

// Find returns the current position for market/outcome, if held.
func (a AccountPositions) Find(marketID string, outcome int) (Position, bool) {
	for _, p := range a.Current {
		if p.MarketID == marketID && p.OutcomeIndex == outcome {
			return p, true
		}
	}
	return Position{}, false
}

// FindHistorical returns the closed position for market/outcome, if any.
func (a AccountPositions) FindHistorical(marketID string, outcome int) (Position, bool) {
	for _, p := range a.Historical {
		if p.MarketID == marketID && p.OutcomeIndex == outcome {
			return p, true
		}
	}
	return Position{}, false
}

// PositionSnapshot is a full cross-account view from one poll cycle.
// Snapshots are replaced wholesale and never mutated after publish.
type PositionSnapshot struct {
	Seq       uint64             `json:"seq"`
	FetchedAt time.Time          `json:"fetched_at"`
	Accounts  []AccountPositions `json:"accounts"`
}

// Account returns the positions for accountID.
func (s *PositionSnapshot) Account(accountID int64) (AccountPositions, bool) {
	if s == nil {
		return AccountPositions{}, false
	}
	for _, a := range s.Accounts {
		if a.AccountID == accountID {
			return a, true
		}
	}
	return AccountPositions{}, false
}
