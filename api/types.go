package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers.
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		*n = 0
		return nil
	}

	// Handle quoted numbers.
	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Numeric(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Numeric(f)
	return nil
}

// Decimal converts through the shortest float representation.
func (n Numeric) Decimal() decimal.Decimal {
	return decimal.NewFromFloat(float64(n))
}

// DataActivity is an activity row from the data API.
type DataActivity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Type            string  `json:"type"` // TRADE, REDEEM, SPLIT, MERGE, etc.
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Size            Numeric `json:"size"`
	UsdcSize        Numeric `json:"usdcSize"`
	Price           Numeric `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    *int    `json:"outcomeIndex"`
	TransactionHash string  `json:"transactionHash"`
	TradeID         string  `json:"id"`
}

func (a DataActivity) toActivity() Activity {
	idx := -1
	if a.OutcomeIndex != nil {
		idx = *a.OutcomeIndex
	}
	return Activity{
		ProxyWallet:     strings.ToLower(a.ProxyWallet),
		Type:            strings.ToUpper(a.Type),
		Side:            strings.ToUpper(a.Side),
		Asset:           a.Asset,
		ConditionID:     a.ConditionID,
		Size:            a.Size.Decimal(),
		Price:           a.Price.Decimal(),
		Timestamp:       time.Unix(a.Timestamp, 0).UTC(),
		Outcome:         a.Outcome,
		OutcomeIndex:    idx,
		TransactionHash: a.TransactionHash,
		TradeID:         a.TradeID,
	}
}

// DataPosition is a position row from the data API.
type DataPosition struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         Numeric `json:"size"`
	AvgPrice     Numeric `json:"avgPrice"`
	CurPrice     Numeric `json:"curPrice"`
	Redeemable   bool    `json:"redeemable"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
}

func (p DataPosition) toPosition() models.Position {
	return models.Position{
		MarketID:     p.ConditionID,
		OutcomeIndex: p.OutcomeIndex,
		TokenID:      p.Asset,
		Size:         p.Size.Decimal(),
		AvgPrice:     p.AvgPrice.Decimal(),
		CurPrice:     p.CurPrice.Decimal(),
		Redeemable:   p.Redeemable,
	}
}

// TradeFromActivity normalizes a TRADE activity for a leader.
// The external id is the exchange trade id when present, else txHash:asset:side.
func TradeFromActivity(leaderID int64, a Activity, source models.TradeSource) models.Trade {
	id := a.TradeID
	if id == "" {
		id = a.TransactionHash + ":" + a.Asset + ":" + a.Side
	}
	idx := a.OutcomeIndex
	if idx < 0 {
		if inferred, ok := models.OutcomeIndexFromName(a.Outcome); ok {
			idx = inferred
		}
	}
	return models.Trade{
		ID:           id,
		LeaderID:     leaderID,
		MarketID:     a.ConditionID,
		OutcomeIndex: idx,
		Outcome:      a.Outcome,
		TokenID:      a.Asset,
		Side:         models.Side(a.Side),
		Price:        a.Price,
		Size:         a.Size,
		Timestamp:    a.Timestamp,
		Source:       source,
	}
}
