package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	got    chan Event
	err    error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{got: make(chan Event, 16)}
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- ev
	return r.err
}

func TestDispatcher_DedupWithinTTL(t *testing.T) {
	d := NewDispatcher(newRecordingNotifier(), 8, time.Minute, zap.NewNop())
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, d.Enqueue(Event{Key: "order:1", At: t0}))
	assert.False(t, d.Enqueue(Event{Key: "order:1", At: t0.Add(30 * time.Second)}))
	assert.True(t, d.Enqueue(Event{Key: "order:2", At: t0}))
	assert.True(t, d.Enqueue(Event{Key: "order:1", At: t0.Add(2 * time.Minute)}))
}

func TestDispatcher_SweepExpires(t *testing.T) {
	d := NewDispatcher(newRecordingNotifier(), 8, time.Minute, zap.NewNop())
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d.Enqueue(Event{Key: "a", At: t0})
	d.Enqueue(Event{Key: "b", At: t0.Add(50 * time.Second)})

	assert.Equal(t, 1, d.Sweep(t0.Add(70*time.Second)))
	assert.Equal(t, 1, d.Tracked())
	assert.Equal(t, 1, d.Sweep(t0.Add(3*time.Minute)))
	assert.Equal(t, 0, d.Tracked())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(newRecordingNotifier(), 1, time.Minute, zap.NewNop())
	assert.True(t, d.Enqueue(Event{Key: "a"}))
	assert.False(t, d.Enqueue(Event{Key: "b"}))
}

func TestDispatcher_RunDelivers(t *testing.T) {
	n := newRecordingNotifier()
	n.err = errors.New("telegram down")
	d := NewDispatcher(n, 4, time.Minute, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.True(t, d.Enqueue(Event{Key: "a", Kind: "order_filled"}))
	select {
	case ev := <-n.got:
		assert.Equal(t, "a", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type fakeBot struct {
	sent []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifier_SendsToChat(t *testing.T) {
	bot := &fakeBot{}
	n := &TelegramNotifier{bot: bot, chatID: 99}

	require.NoError(t, n.Notify(context.Background(), Event{Kind: "order_filled", AccountID: 1, ConfigID: 2, MarketID: "0xm", Message: "bought 10 @ 0.40"}))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(99), msg.ChatID)
	assert.Contains(t, msg.Text, "bought 10 @ 0.40")
}
