// Package api holds the external collaborators the copy pipeline consumes:
// the CLOB exchange, the order signer, the data API, the activity feed and
// the Polygon chain.
package api

import (
	"context"
	"errors"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned by GetOrder when the exchange has no such order.
var ErrOrderNotFound = errors.New("api: order not found")

// ErrUnsettled is returned by GetSettlement when the market has not resolved.
var ErrUnsettled = errors.New("api: market not settled")

// SignRequest describes the order to sign.
type SignRequest struct {
	Account models.Account
	TokenID string
	Side    models.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	NegRisk bool
}

// SignedOrder is a ready-to-submit payload. A fresh one is produced per attempt.
type SignedOrder struct {
	Order     Order
	Account   models.Account
	SignedAt  time.Time
	OrderType OrderType
}

// OrderDetail is the exchange's view of a submitted order.
type OrderDetail struct {
	ID           string
	Status       string // live, matched, cancelled, unmatched
	Price        decimal.Decimal
	OriginalSize decimal.Decimal
	SizeMatched  decimal.Decimal
}

// Cancelled reports whether the order will not fill further.
func (d OrderDetail) Cancelled() bool {
	return d.Status == "cancelled" || d.Status == "CANCELED" || d.Status == "canceled"
}

// Terminal reports whether the fill size is final: the order is fully
// matched or cancelled. A live GTC order can still fill further.
func (d OrderDetail) Terminal() bool {
	switch d.Status {
	case "matched", "MATCHED", "filled", "FILLED":
		return true
	}
	return d.Cancelled()
}

// Quote is the top of book for one outcome token.
type Quote struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	LastPrice decimal.Decimal
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.BestAsk.Sub(q.BestBid)
}

// Settlement holds resolved payouts for a condition, one per outcome index.
type Settlement struct {
	Payouts     []decimal.Decimal
	Denominator decimal.Decimal
}

// Share returns the payout fraction for an outcome, between 0 and 1.
func (s Settlement) Share(outcome int) decimal.Decimal {
	if outcome < 0 || outcome >= len(s.Payouts) || !s.Denominator.IsPositive() {
		return decimal.Zero
	}
	return s.Payouts[outcome].Div(s.Denominator)
}

// Activity is one entry of an address's activity feed.
type Activity struct {
	ProxyWallet     string
	Type            string // TRADE, REDEEM, SPLIT, MERGE
	Side            string
	Asset           string
	ConditionID     string
	Size            decimal.Decimal
	Price           decimal.Decimal
	Timestamp       time.Time
	Outcome         string
	OutcomeIndex    int
	TransactionHash string
	TradeID         string
}

// Transfer is an ERC-1155 TransferSingle observed on the CTF contract.
type Transfer struct {
	From        string
	To          string
	TokenID     string
	Amount      decimal.Decimal // shares, already scaled from base units
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}

// Signer produces signed order payloads.
type Signer interface {
	SignOrder(ctx context.Context, req SignRequest) (*SignedOrder, error)
}

// Exchange is the CLOB order, book and market surface.
type Exchange interface {
	SubmitOrder(ctx context.Context, order *SignedOrder) (string, error)
	GetOrder(ctx context.Context, account models.Account, orderID string) (*OrderDetail, error)
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
	GetQuote(ctx context.Context, tokenID string) (*Quote, error)
	GetTokenID(ctx context.Context, marketID string, outcomeIndex int) (string, error)
	IsNegRisk(ctx context.Context, marketID string) (bool, error)
}

// PositionSource lists the positions held by an address.
type PositionSource interface {
	GetPositions(ctx context.Context, address string) ([]models.Position, error)
	GetClosedPositions(ctx context.Context, address string) ([]models.Position, error)
}

// ActivitySource lists recent activity for an address, newest first.
type ActivitySource interface {
	GetActivity(ctx context.Context, address string, limit int) ([]Activity, error)
}

// SettlementReader reads resolution payouts for a condition.
type SettlementReader interface {
	GetSettlement(ctx context.Context, marketID string) (*Settlement, error)
}

// TransferSource lists CTF transfers sent by any of the given addresses.
type TransferSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	TransfersFrom(ctx context.Context, from []string, fromBlock, toBlock uint64) ([]Transfer, error)
}
