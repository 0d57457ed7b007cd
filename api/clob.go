package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/logging"
	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultClobURL = "https://clob.polymarket.com"

// APICreds holds L2 API credentials for one account.
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// CredentialsFunc resolves L2 credentials for an account.
type CredentialsFunc func(account models.Account) (*APICreds, error)

// EnvCredentials reads CLOB_API_KEY/SECRET/PASSPHRASE, preferring the
// _<KEYREF> suffixed variables when present.
func EnvCredentials(account models.Account) (*APICreds, error) {
	suffix := "_" + envSuffix(account.KeyRef)
	lookup := func(name string) string {
		if v := os.Getenv(name + suffix); v != "" {
			return v
		}
		return os.Getenv(name)
	}
	creds := &APICreds{
		APIKey:        lookup("CLOB_API_KEY"),
		APISecret:     lookup("CLOB_API_SECRET"),
		APIPassphrase: lookup("CLOB_API_PASSPHRASE"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("account %d: missing CLOB api credentials: %w", account.ID, models.ErrPermanent)
	}
	return creds, nil
}

func envSuffix(ref string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(strings.TrimSpace(ref)))
}

// OrderBook represents the order book for a token
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (l OrderBookLevel) decimals() (price, size decimal.Decimal, ok bool) {
	p, err := decimal.NewFromString(l.Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	s, err := decimal.NewFromString(l.Size)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return p, s, true
}

// Empty reports whether either side has no levels.
func (b *OrderBook) Empty() bool {
	return b == nil || len(b.Bids) == 0 || len(b.Asks) == 0
}

// BestBid returns the highest bid, zero when there are none.
func (b *OrderBook) BestBid() decimal.Decimal {
	best := decimal.Zero
	for _, l := range b.Bids {
		if p, _, ok := l.decimals(); ok && p.GreaterThan(best) {
			best = p
		}
	}
	return best
}

// BestAsk returns the lowest ask, zero when there are none.
func (b *OrderBook) BestAsk() decimal.Decimal {
	var best decimal.Decimal
	found := false
	for _, l := range b.Asks {
		if p, _, ok := l.decimals(); ok && (!found || p.LessThan(best)) {
			best, found = p, true
		}
	}
	return best
}

// Depth is the total size on the side a taker of side would hit.
func (b *OrderBook) Depth(side models.Side) decimal.Decimal {
	levels := b.Asks
	if side == models.SideSell {
		levels = b.Bids
	}
	total := decimal.Zero
	for _, l := range levels {
		if _, s, ok := l.decimals(); ok {
			total = total.Add(s)
		}
	}
	return total
}

// MarketInfo represents market information from CLOB
type MarketInfo struct {
	ConditionID      string          `json:"condition_id"`
	QuestionID       string          `json:"question_id"`
	Tokens           []ClobTokenInfo `json:"tokens"`
	MinimumOrderSize Numeric         `json:"minimum_order_size"`
	MinimumTickSize  Numeric         `json:"minimum_tick_size"`
	Active           bool            `json:"active"`
	Closed           bool            `json:"closed"`
	MarketSlug       string          `json:"market_slug"`
	NegRisk          bool            `json:"neg_risk"`
}

// ClobTokenInfo represents token information from CLOB
type ClobTokenInfo struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   Numeric `json:"price"`
	Winner  bool    `json:"winner"`
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (market order)
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled (limit order)
)

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	SideInt       int    `json:"-"` // Internal use for EIP-712 signing
}

// OrderRequest is the payload for placing an order
type OrderRequest struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the response from placing an order
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"` // matched, live, delayed, unmatched
}

type orderStatusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// ClobOptions configures a ClobClient.
type ClobOptions struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimitRPS float64
	Credentials  CredentialsFunc
	Logger       *zap.Logger
}

// ClobClient handles CLOB API interactions for trading. Reads are retried on
// network errors, 5xx and 429; order submission is never retried here.
type ClobClient struct {
	*restClient
	credentials CredentialsFunc
	logger      *zap.Logger

	markets sync.Map // conditionID -> *MarketInfo
}

var _ Exchange = (*ClobClient)(nil)

// NewClobClient creates a new CLOB API client
func NewClobClient(opts ClobOptions) *ClobClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultClobURL
	}
	if opts.Credentials == nil {
		opts.Credentials = EnvCredentials
	}

	return &ClobClient{
		restClient:  newRESTClient(opts.BaseURL, opts.Timeout, opts.RateLimitRPS),
		credentials: opts.Credentials,
		logger:      logging.OrNop(opts.Logger).Named("clob"),
	}
}

// GetOrderBook fetches the order book for a token
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	var book OrderBook
	if _, err := c.getJSON(ctx, "/book", values, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetQuote derives the top of book and last trade price for a token.
func (c *ClobClient) GetQuote(ctx context.Context, tokenID string) (*Quote, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	q := &Quote{BestBid: book.BestBid(), BestAsk: book.BestAsk()}

	values := url.Values{}
	values.Set("token_id", tokenID)
	var last struct {
		Price Numeric `json:"price"`
	}
	if _, err := c.getJSON(ctx, "/last-trade-price", values, nil, &last); err == nil {
		q.LastPrice = last.Price.Decimal()
	} else {
		q.LastPrice = q.BestBid.Add(q.BestAsk).Div(decimal.NewFromInt(2))
	}
	return q, nil
}

// GetMarket fetches market information, cached per condition id.
func (c *ClobClient) GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error) {
	if v, ok := c.markets.Load(conditionID); ok {
		return v.(*MarketInfo), nil
	}
	var market MarketInfo
	if _, err := c.getJSON(ctx, "/markets/"+conditionID, nil, nil, &market); err != nil {
		return nil, err
	}
	c.markets.Store(conditionID, &market)
	return &market, nil
}

// GetTokenID resolves the outcome token for a market.
func (c *ClobClient) GetTokenID(ctx context.Context, marketID string, outcomeIndex int) (string, error) {
	market, err := c.GetMarket(ctx, marketID)
	if err != nil {
		return "", err
	}
	if outcomeIndex < 0 || outcomeIndex >= len(market.Tokens) {
		return "", fmt.Errorf("market %s has no outcome %d: %w", marketID, outcomeIndex, models.ErrNotFound)
	}
	return market.Tokens[outcomeIndex].TokenID, nil
}

// IsNegRisk reports whether the market settles through the neg-risk exchange.
func (c *ClobClient) IsNegRisk(ctx context.Context, marketID string) (bool, error) {
	market, err := c.GetMarket(ctx, marketID)
	if err != nil {
		return false, err
	}
	return market.NegRisk, nil
}

// GetOrder fetches the exchange's status for an order placed by account.
func (c *ClobClient) GetOrder(ctx context.Context, account models.Account, orderID string) (*OrderDetail, error) {
	creds, err := c.credentials(account)
	if err != nil {
		return nil, err
	}

	var resp orderStatusResponse
	status, err := c.getJSON(ctx, "/data/order/"+orderID, nil, func(req *http.Request) error {
		c.addL2Headers(req, nil, creds, account.Address)
		return nil
	}, &resp)
	if status == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, ErrOrderNotFound
	}

	detail := &OrderDetail{ID: resp.ID, Status: strings.ToLower(resp.Status)}
	detail.Price, _ = decimal.NewFromString(resp.Price)
	detail.OriginalSize, _ = decimal.NewFromString(resp.OriginalSize)
	detail.SizeMatched, _ = decimal.NewFromString(resp.SizeMatched)
	return detail, nil
}

// SubmitOrder posts a signed order and returns the exchange order id.
func (c *ClobClient) SubmitOrder(ctx context.Context, signed *SignedOrder) (string, error) {
	creds, err := c.credentials(signed.Account)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	orderType := signed.OrderType
	if orderType == "" {
		orderType = OrderTypeGTC
	}
	body, err := json.Marshal(OrderRequest{Order: signed.Order, Owner: creds.APIKey, OrderType: orderType})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	c.addL2Headers(req, body, creds, signed.Account.Address)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post order: %v: %w", err, models.ErrTransient)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	c.logger.Debug("post order response", zap.Int("status", resp.StatusCode), zap.ByteString("body", respBody))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("post order rejected: %d %s: %w", resp.StatusCode, respBody, models.ErrPermanent)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("post order failed: %d %s: %w", resp.StatusCode, respBody, models.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		if strings.Contains(strings.ToLower(string(respBody)), "invalid signature") {
			return "", fmt.Errorf("post order rejected: %s: %w", respBody, models.ErrPermanent)
		}
		return "", fmt.Errorf("post order failed: %d %s", resp.StatusCode, respBody)
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	if !orderResp.Success || orderResp.OrderID == "" {
		return "", fmt.Errorf("order not accepted: %s", orderResp.ErrorMsg)
	}
	return orderResp.OrderID, nil
}

func (c *ClobClient) addL2Headers(req *http.Request, body []byte, creds *APICreds, address string) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	// Format: timestamp + method + path + body
	message := timestamp + req.Method + req.URL.Path + string(body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", creds.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", hmacSign(message, creds.APISecret))
}

func hmacSign(message string, secret string) string {
	// Decode URL-safe base64 secret
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
