package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderProblem(t *testing.T) {
	ok := models.Order{
		Quantity:          decimal.NewFromInt(10),
		MatchedQuantity:   decimal.NewFromInt(10),
		RemainingQuantity: decimal.NewFromInt(4),
		Price:             decimal.RequireFromString("0.4"),
	}
	assert.Empty(t, orderProblem(ok))

	over := ok
	over.RemainingQuantity = decimal.NewFromInt(11)
	assert.Equal(t, "remaining exceeds quantity", orderProblem(over))

	free := ok
	free.Price = decimal.Zero
	assert.Equal(t, "non-positive entry price", orderProblem(free))
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveLeader(ctx, models.Leader{ID: 1, Address: "0xleader", Enabled: true}))
	require.NoError(t, store.SaveFollowerConfig(ctx, models.FollowerConfig{ID: 7, AccountID: 3, LeaderID: 1, Enabled: true}))

	store.Orders[1] = &models.Order{
		ID: 1, ConfigID: 7, AccountID: 3, MarketID: "m", Status: models.OrderFilled,
		Quantity: decimal.NewFromInt(5), MatchedQuantity: decimal.NewFromInt(5),
		RemainingQuantity: decimal.NewFromInt(5), Price: decimal.RequireFromString("0.5"),
	}
	store.Orders[2] = &models.Order{
		ID: 2, ConfigID: 7, AccountID: 3, MarketID: "m", Status: models.OrderFilled,
		Quantity: decimal.NewFromInt(5), RemainingQuantity: decimal.NewFromInt(6),
		Price: decimal.RequireFromString("0.5"),
	}
	store.Orders[3] = &models.Order{
		ID: 3, ConfigID: 7, AccountID: 3, MarketID: "m", Status: models.OrderPending,
		Quantity: decimal.NewFromInt(1), RemainingQuantity: decimal.NewFromInt(1),
		Price: decimal.RequireFromString("0.5"), CreatedAt: time.Now().Add(-2 * time.Hour),
	}

	var out bytes.Buffer
	problems, err := inspect(ctx, store, &out, false)
	require.NoError(t, err)
	assert.Equal(t, 2, problems)
	assert.Contains(t, out.String(), "order 2 (m/0): remaining exceeds quantity")
	assert.Contains(t, out.String(), "order 3 (config 7) pending since")
	assert.Contains(t, out.String(), "lots=2 held=11")
}
