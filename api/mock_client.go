package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/models"

	"github.com/ethereum/go-ethereum/common"
)

// mockCalls is the call-tracking and error-injection core shared by the mocks.
type mockCalls struct {
	mu sync.Mutex

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error
}

func (m *mockCalls) init() {
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	if m.ErrorOnNext == nil {
		m.ErrorOnNext = make(map[string]error)
	}
}

func (m *mockCalls) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times name was called.
func (m *mockCalls) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// FailNext makes the next call to name return err.
func (m *mockCalls) FailNext(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.ErrorOnNext[name] = err
}

// MockExchange is an in-memory Exchange.
type MockExchange struct {
	mockCalls

	dataMu    sync.Mutex
	Books     map[string]*OrderBook
	Quotes    map[string]*Quote
	Tokens    map[string]string // market:outcome -> token
	NegRisk   map[string]bool
	Orders    map[string]*OrderDetail
	Submitted []*SignedOrder
	nextID    int

	// SubmitErrors are returned by successive SubmitOrder calls before any success.
	SubmitErrors []error
}

var _ Exchange = (*MockExchange)(nil)

// NewMockExchange creates an empty mock exchange.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		Books:   make(map[string]*OrderBook),
		Quotes:  make(map[string]*Quote),
		Tokens:  make(map[string]string),
		NegRisk: make(map[string]bool),
		Orders:  make(map[string]*OrderDetail),
	}
}

// SetToken registers the token for a market outcome.
func (m *MockExchange) SetToken(marketID string, outcome int, tokenID string) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.Tokens[marketID+":"+strconv.Itoa(outcome)] = tokenID
}

// SetOrder registers an exchange order detail.
func (m *MockExchange) SetOrder(d *OrderDetail) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.Orders[d.ID] = d
}

// SubmittedOrders returns a copy of every accepted payload.
func (m *MockExchange) SubmittedOrders() []*SignedOrder {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return append([]*SignedOrder(nil), m.Submitted...)
}

func (m *MockExchange) SubmitOrder(ctx context.Context, order *SignedOrder) (string, error) {
	if err := m.trackCall("SubmitOrder"); err != nil {
		return "", err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if len(m.SubmitErrors) > 0 {
		err := m.SubmitErrors[0]
		m.SubmitErrors = m.SubmitErrors[1:]
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("0xorder%d", m.nextID)
	m.Submitted = append(m.Submitted, order)
	size := FormatUnits(bigFromString(order.Order.TakerAmount))
	if order.Order.Side == string(models.SideSell) {
		size = FormatUnits(bigFromString(order.Order.MakerAmount))
	}
	m.Orders[id] = &OrderDetail{ID: id, Status: "matched", OriginalSize: size, SizeMatched: size}
	return id, nil
}

func (m *MockExchange) GetOrder(ctx context.Context, account models.Account, orderID string) (*OrderDetail, error) {
	if err := m.trackCall("GetOrder"); err != nil {
		return nil, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	d, ok := m.Orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := *d
	return &out, nil
}

func (m *MockExchange) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if b, ok := m.Books[tokenID]; ok {
		return b, nil
	}
	return &OrderBook{AssetID: tokenID}, nil
}

func (m *MockExchange) GetQuote(ctx context.Context, tokenID string) (*Quote, error) {
	if err := m.trackCall("GetQuote"); err != nil {
		return nil, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if q, ok := m.Quotes[tokenID]; ok {
		return q, nil
	}
	if b, ok := m.Books[tokenID]; ok {
		return &Quote{BestBid: b.BestBid(), BestAsk: b.BestAsk()}, nil
	}
	return nil, fmt.Errorf("no quote for %s: %w", tokenID, models.ErrNotFound)
}

func (m *MockExchange) GetTokenID(ctx context.Context, marketID string, outcomeIndex int) (string, error) {
	if err := m.trackCall("GetTokenID"); err != nil {
		return "", err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if tok, ok := m.Tokens[marketID+":"+strconv.Itoa(outcomeIndex)]; ok {
		return tok, nil
	}
	return fmt.Sprintf("%s-%d", strings.TrimPrefix(marketID, "0x"), outcomeIndex), nil
}

func (m *MockExchange) IsNegRisk(ctx context.Context, marketID string) (bool, error) {
	if err := m.trackCall("IsNegRisk"); err != nil {
		return false, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return m.NegRisk[marketID], nil
}

// MockSigner signs nothing; each call returns a payload with a new salt.
type MockSigner struct {
	mockCalls

	reqMu    sync.Mutex
	Requests []SignRequest
	salt     int64
}

var _ Signer = (*MockSigner)(nil)

// NewMockSigner creates a mock signer.
func NewMockSigner() *MockSigner {
	return &MockSigner{}
}

func (m *MockSigner) SignOrder(ctx context.Context, req SignRequest) (*SignedOrder, error) {
	if err := m.trackCall("SignOrder"); err != nil {
		return nil, err
	}
	if !req.Account.HasCredentials() {
		return nil, fmt.Errorf("account %d has no signing credentials: %w", req.Account.ID, models.ErrPermanent)
	}
	order, err := buildOrder(req, common.Address{})
	if err != nil {
		return nil, err
	}

	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	m.salt++
	order.Salt = m.salt
	order.Signature = fmt.Sprintf("0xsig%d", m.salt)
	m.Requests = append(m.Requests, req)
	return &SignedOrder{Order: *order, Account: req.Account, SignedAt: time.Now(), OrderType: OrderTypeGTC}, nil
}

// MockPositions serves positions per address.
type MockPositions struct {
	mockCalls

	dataMu sync.Mutex
	Open   map[string][]models.Position
	Closed map[string][]models.Position
	// Block, when set, is waited on by every GetPositions call.
	Block chan struct{}
}

var _ PositionSource = (*MockPositions)(nil)

// NewMockPositions creates an empty position source.
func NewMockPositions() *MockPositions {
	return &MockPositions{
		Open:   make(map[string][]models.Position),
		Closed: make(map[string][]models.Position),
	}
}

// Set replaces the open positions for address.
func (m *MockPositions) Set(address string, positions ...models.Position) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.Open[strings.ToLower(address)] = positions
}

func (m *MockPositions) GetPositions(ctx context.Context, address string) ([]models.Position, error) {
	if err := m.trackCall("GetPositions"); err != nil {
		return nil, err
	}
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return append([]models.Position(nil), m.Open[strings.ToLower(address)]...), nil
}

func (m *MockPositions) GetClosedPositions(ctx context.Context, address string) ([]models.Position, error) {
	if err := m.trackCall("GetClosedPositions"); err != nil {
		return nil, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return append([]models.Position(nil), m.Closed[strings.ToLower(address)]...), nil
}

// MockActivity serves activity per address, newest first.
type MockActivity struct {
	mockCalls

	dataMu sync.Mutex
	Rows   map[string][]Activity
}

var _ ActivitySource = (*MockActivity)(nil)

// NewMockActivity creates an empty activity source.
func NewMockActivity() *MockActivity {
	return &MockActivity{Rows: make(map[string][]Activity)}
}

// Push prepends a row for address.
func (m *MockActivity) Push(address string, a Activity) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	key := strings.ToLower(address)
	m.Rows[key] = append([]Activity{a}, m.Rows[key]...)
}

func (m *MockActivity) GetActivity(ctx context.Context, address string, limit int) ([]Activity, error) {
	if err := m.trackCall("GetActivity"); err != nil {
		return nil, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	rows := m.Rows[strings.ToLower(address)]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]Activity(nil), rows...), nil
}

// MockChain serves settlements and transfers.
type MockChain struct {
	mockCalls

	dataMu      sync.Mutex
	Settlements map[string]*Settlement
	Head        uint64
	Transfers   []Transfer
}

var (
	_ SettlementReader = (*MockChain)(nil)
	_ TransferSource   = (*MockChain)(nil)
)

// NewMockChain creates an empty chain.
func NewMockChain() *MockChain {
	return &MockChain{Settlements: make(map[string]*Settlement)}
}

// AddTransfer appends a transfer and advances the head to its block.
func (m *MockChain) AddTransfer(t Transfer) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.Transfers = append(m.Transfers, t)
	if t.BlockNumber > m.Head {
		m.Head = t.BlockNumber
	}
}

func (m *MockChain) GetSettlement(ctx context.Context, marketID string) (*Settlement, error) {
	if err := m.trackCall("GetSettlement"); err != nil {
		return nil, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if s, ok := m.Settlements[marketID]; ok {
		return s, nil
	}
	return nil, ErrUnsettled
}

func (m *MockChain) HeadBlock(ctx context.Context) (uint64, error) {
	if err := m.trackCall("HeadBlock"); err != nil {
		return 0, err
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return m.Head, nil
}

func (m *MockChain) TransfersFrom(ctx context.Context, from []string, fromBlock, toBlock uint64) ([]Transfer, error) {
	if err := m.trackCall("TransfersFrom"); err != nil {
		return nil, err
	}
	senders := make(map[string]bool, len(from))
	for _, f := range from {
		senders[strings.ToLower(f)] = true
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	var out []Transfer
	for _, t := range m.Transfers {
		if senders[strings.ToLower(t.From)] && t.BlockNumber >= fromBlock && t.BlockNumber <= toBlock {
			out = append(out, t)
		}
	}
	return out, nil
}
