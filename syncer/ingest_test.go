package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcessor struct {
	mu     sync.Mutex
	trades []models.Trade
	err    error
}

func (p *recordingProcessor) ProcessTrade(ctx context.Context, leaderID int64, trade models.Trade, source models.TradeSource) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		err := p.err
		p.err = nil
		return Result{}, err
	}
	trade.Source = source
	p.trades = append(p.trades, trade)
	return Result{LeaderID: leaderID, TradeID: trade.ID}, nil
}

func (p *recordingProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.trades))
	for _, t := range p.trades {
		out = append(out, t.ID)
	}
	return out
}

func activity(id string, at time.Time) api.Activity {
	return api.Activity{
		ProxyWallet:  "0xleader",
		Type:         "TRADE",
		Side:         "BUY",
		Asset:        "tok",
		ConditionID:  "0xm",
		Size:         d("10"),
		Price:        d("0.5"),
		Timestamp:    at,
		OutcomeIndex: 0,
		TradeID:      id,
	}
}

func TestLeaderPoller_FirstPassSeedsWithoutTrading(t *testing.T) {
	src := api.NewMockActivity()
	base := time.Unix(1_700_000_000, 0)
	src.Push("0xleader", activity("old1", base))
	src.Push("0xleader", activity("old2", base.Add(time.Second)))

	proc := &recordingProcessor{}
	p := NewLeaderPoller(models.Leader{ID: 1, Address: "0xleader"}, src, proc, time.Hour, 50, zap.NewNop())

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, proc.ids(), "history is not replayed")

	// Same timestamp as the cursor but a new id, then a newer one.
	src.Push("0xleader", activity("new1", base.Add(time.Second)))
	src.Push("0xleader", activity("new2", base.Add(2*time.Second)))
	redeem := activity("r1", base.Add(3*time.Second))
	redeem.Type = "REDEEM"
	src.Push("0xleader", redeem)

	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"new1", "new2"}, proc.ids(), "oldest first, trades only")

	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLeaderPoller_FailedTradeIsRetried(t *testing.T) {
	src := api.NewMockActivity()
	base := time.Unix(1_700_000_000, 0)
	proc := &recordingProcessor{}
	p := NewLeaderPoller(models.Leader{ID: 1, Address: "0xleader"}, src, proc, time.Hour, 50, zap.NewNop())
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	src.Push("0xleader", activity("t1", base))
	proc.err = models.ErrTransient
	_, err = p.PollOnce(context.Background())
	require.ErrorIs(t, err, models.ErrTransient)

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"t1"}, proc.ids())
	assert.Equal(t, models.SourcePolling, proc.trades[0].Source)
}

type fakeStream struct {
	rows []api.Activity
}

func (s *fakeStream) Run(ctx context.Context, handle api.ActivityHandler) error {
	for _, a := range s.rows {
		handle(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRealtimeListener_FiltersFollowedLeaders(t *testing.T) {
	base := time.Now()
	followed := activity("w1", base)
	followed.ProxyWallet = "0xLEADER"
	stranger := activity("w2", base)
	stranger.ProxyWallet = "0xsomeoneelse"
	disabled := activity("w3", base)
	disabled.ProxyWallet = "0xoff"

	proc := &recordingProcessor{}
	l := NewRealtimeListener(&fakeStream{rows: []api.Activity{followed, stranger, disabled}}, proc,
		[]models.Leader{
			{ID: 1, Address: "0xleader", Enabled: true},
			{ID: 2, Address: "0xoff", Enabled: false},
		}, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(proc.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, "w1", proc.trades[0].ID)
	assert.Equal(t, int64(1), proc.trades[0].LeaderID)
	assert.Equal(t, models.SourceWebsocket, proc.trades[0].Source)
}

func TestRealtimeListener_DropsWhenQueueFull(t *testing.T) {
	l := NewRealtimeListener(&fakeStream{}, &recordingProcessor{},
		[]models.Leader{{ID: 1, Address: "0xleader", Enabled: true}}, 1, zap.NewNop())

	l.handle(activity("a", time.Now()))
	l.handle(activity("b", time.Now()))
	assert.Len(t, l.queue, 1)
}

func TestTransferWatcher_MatchesOutgoingTransfer(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig(models.FollowerConfig{ID: 1})
	h.process(trade("b1", models.SideBuy, "10", "0.40"))
	h.exchange.Quotes[testToken] = &api.Quote{BestBid: d("0.48")}
	h.chain.Head = 100

	w := NewTransferWatcher(h.store, h.chain, h.exchange, h.matcher, time.Hour, 1000, zap.NewNop())
	recs, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs, "first scan only records the head")

	acct := h.account()
	h.chain.AddTransfer(api.Transfer{From: acct.ProxyAddress, To: "0xdest", TokenID: testToken, Amount: d("4"), BlockNumber: 100, TxHash: "0xold"})
	h.chain.AddTransfer(api.Transfer{From: acct.ProxyAddress, To: "0xdest", TokenID: testToken, Amount: d("4"), BlockNumber: 105, TxHash: "0xtx"})
	h.chain.AddTransfer(api.Transfer{From: acct.ProxyAddress, To: "0xdest", TokenID: "untracked", Amount: d("1"), BlockNumber: 106, TxHash: "0xother"})

	recs, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1, "blocks at or before the cursor are not rescanned")
	assert.Equal(t, models.MatchTransfer, recs[0].Kind)
	assert.True(t, d("4").Equal(recs[0].MatchedQuantity))
	assert.True(t, d("0.48").Equal(recs[0].SellPrice))
	assert.True(t, recs[0].PriceUpdated)
	assert.Equal(t, "0xtx:0", recs[0].LeaderTradeID)

	open := h.openOrders(cfg.ID)
	require.Len(t, open, 1)
	assert.True(t, d("6").Equal(open[0].RemainingQuantity))
}

func TestTransferWatcher_LimitsBlockRange(t *testing.T) {
	h := newHarness(t)
	h.chain.Head = 10
	w := NewTransferWatcher(h.store, h.chain, h.exchange, h.matcher, time.Hour, 5, zap.NewNop())
	_, err := w.ScanOnce(context.Background())
	require.NoError(t, err)

	h.chain.Head = 100
	_, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(15), w.cursor)
}
