package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-copytrader/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticCreds(models.Account) (*APICreds, error) {
	return &APICreds{APIKey: "key", APISecret: "c2VjcmV0", APIPassphrase: "pass"}, nil
}

func newTestClob(t *testing.T, mux *http.ServeMux) *ClobClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClobClient(ClobOptions{BaseURL: srv.URL, Timeout: 2 * time.Second, RateLimitRPS: 1000, Credentials: staticCreds})
}

func TestClobClient_GetQuote(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token_id"))
		json.NewEncoder(w).Encode(OrderBook{
			Bids: []OrderBookLevel{{Price: "0.40", Size: "100"}, {Price: "0.42", Size: "50"}},
			Asks: []OrderBookLevel{{Price: "0.47", Size: "10"}, {Price: "0.45", Size: "20"}},
		})
	})
	mux.HandleFunc("/last-trade-price", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"0.44"}`))
	})
	c := newTestClob(t, mux)

	q, err := c.GetQuote(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, q.BestBid.Equal(decimal.RequireFromString("0.42")))
	assert.True(t, q.BestAsk.Equal(decimal.RequireFromString("0.45")))
	assert.True(t, q.LastPrice.Equal(decimal.RequireFromString("0.44")))
	assert.True(t, q.Spread().Equal(decimal.RequireFromString("0.03")))

	book, err := c.GetOrderBook(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, book.Depth(models.SideBuy).Equal(decimal.NewFromInt(30)))
	assert.True(t, book.Depth(models.SideSell).Equal(decimal.NewFromInt(150)))
}

func TestClobClient_ReadsRetryServerErrors(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/0xabc", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"condition_id":"0xabc","neg_risk":true,"tokens":[{"token_id":"111","outcome":"Yes"},{"token_id":"222","outcome":"No"}]}`))
	})
	c := newTestClob(t, mux)

	tok, err := c.GetTokenID(context.Background(), "0xabc", 1)
	require.NoError(t, err)
	assert.Equal(t, "222", tok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// Cached after the first fetch.
	neg, err := c.IsNegRisk(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, neg)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	_, err = c.GetTokenID(context.Background(), "0xabc", 5)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClobClient_SubmitOrder(t *testing.T) {
	status := http.StatusOK
	mux := http.NewServeMux()
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))

		var req OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key", req.Owner)
		assert.Equal(t, OrderTypeGTC, req.OrderType)

		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"success":true,"orderId":"0xdeadbeef","status":"matched"}`))
			return
		}
		w.Write([]byte(`{"error":"nope"}`))
	})
	c := newTestClob(t, mux)
	signed := &SignedOrder{Order: Order{TokenID: "1", Side: "BUY"}, Account: testAccount()}

	id, err := c.SubmitOrder(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", id)

	status = http.StatusUnauthorized
	_, err = c.SubmitOrder(context.Background(), signed)
	assert.ErrorIs(t, err, models.ErrPermanent)

	status = http.StatusBadGateway
	_, err = c.SubmitOrder(context.Background(), signed)
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestClobClient_GetOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/order/0x1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testAccount().Address, r.Header.Get("POLY_ADDRESS"))
		w.Write([]byte(`{"id":"0x1","status":"MATCHED","price":"0.41","original_size":"10","size_matched":"9.5"}`))
	})
	mux.HandleFunc("/data/order/0x2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClob(t, mux)

	d, err := c.GetOrder(context.Background(), testAccount(), "0x1")
	require.NoError(t, err)
	assert.Equal(t, "matched", d.Status)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("0.41")))
	assert.True(t, d.SizeMatched.Equal(decimal.RequireFromString("9.5")))

	_, err = c.GetOrder(context.Background(), testAccount(), "0x2")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestHmacSign_Deterministic(t *testing.T) {
	a := hmacSign("1700000000GET/data/order/0x1", "c2VjcmV0")
	b := hmacSign("1700000000GET/data/order/0x1", "c2VjcmV0")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, hmacSign("1700000001GET/data/order/0x1", "c2VjcmV0"))
}
