package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLedger_InFlightSlotSerializesSameTrade(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(storage.NewMemoryStore(), zap.NewNop())

	first, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, Proceed, first)

	second, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, second, "second claim while in flight")

	other, err := l.TryBegin(ctx, 2, "t1")
	require.NoError(t, err)
	assert.Equal(t, Proceed, other, "same id under another leader is distinct")

	l.Release(1, "t1")
	again, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, Proceed, again)
}

func TestLedger_CommittedTradeIsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := NewLedger(store, zap.NewNop())

	_, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, models.ProcessedTrade{LeaderID: 1, TradeID: "t1", Outcome: models.OutcomeSuccess}))
	l.Release(1, "t1")

	dec, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, dec)
}

func TestLedger_CommitDuplicateRereads(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := NewLedger(store, zap.NewNop())

	// Another worker committed first.
	require.NoError(t, store.InsertProcessedTrade(ctx, models.ProcessedTrade{LeaderID: 1, TradeID: "t1", Outcome: models.OutcomeFailed}))

	err := l.Commit(ctx, models.ProcessedTrade{LeaderID: 1, TradeID: "t1", Outcome: models.OutcomeSuccess})
	require.NoError(t, err)

	got, err := store.GetProcessedTrade(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, got.Outcome, "first commit wins")
}

func TestLedger_CommitConflictWithoutRowIsInconsistent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := NewLedger(store, zap.NewNop())

	store.FailNext("InsertProcessedTrade", storage.ErrDuplicate)
	err := l.Commit(ctx, models.ProcessedTrade{LeaderID: 1, TradeID: "t1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDataInconsistency))
}

func TestLedger_LookupErrorReleasesSlot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := NewLedger(store, zap.NewNop())

	store.FailNext("GetProcessedTrade", models.ErrTransient)
	_, err := l.TryBegin(ctx, 1, "t1")
	require.ErrorIs(t, err, models.ErrTransient)

	dec, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, Proceed, dec)
}

// failingInserts rejects every processed-trade insert.
type failingInserts struct {
	*storage.MemoryStore
	calls int
}

func (f *failingInserts) InsertProcessedTrade(ctx context.Context, rec models.ProcessedTrade) error {
	f.calls++
	return errors.New("db blip")
}

func TestLedger_CommitRetriesTransientInsert(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := NewLedger(store, zap.NewNop())
	l.commitBackoff = time.Millisecond

	store.FailNext("InsertProcessedTrade", errors.New("db blip"))
	require.NoError(t, l.Commit(ctx, models.ProcessedTrade{LeaderID: 1, TradeID: "t1", Outcome: models.OutcomeSuccess}))
	assert.Equal(t, 2, store.CallCount("InsertProcessedTrade"))

	_, err := store.GetProcessedTrade(ctx, 1, "t1")
	require.NoError(t, err)
}

func TestLedger_UnwrittenCommitStaysProcessed(t *testing.T) {
	ctx := context.Background()
	store := &failingInserts{MemoryStore: storage.NewMemoryStore()}
	l := NewLedger(store, zap.NewNop())
	l.commitBackoff = time.Millisecond

	dec, err := l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	require.Equal(t, Proceed, dec)

	err = l.Commit(ctx, models.ProcessedTrade{LeaderID: 1, TradeID: "t1"})
	require.Error(t, err)
	assert.Equal(t, 3, store.calls, "one insert plus two retries")
	l.Release(1, "t1")

	dec, err = l.TryBegin(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, dec)
}
