package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/models"
)

const testPath = "conversations/u1_u2/messages"

func collect(dst *[]models.Message) func(models.Message) {
	return func(m models.Message) { *dst = append(*dst, m) }
}

func TestMemoryStoreReplaysHistoryThenLive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, testPath, models.Message{SenderID: "u1", Text: "hello", Timestamp: 1000}))
	require.NoError(t, s.Append(ctx, testPath, models.Message{SenderID: "u2", Text: "hi", Timestamp: 1001}))

	var got []models.Message
	unsubscribe, err := s.SubscribeOrdered(ctx, testPath, collect(&got))
	require.NoError(t, err)
	defer unsubscribe()

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "hi", got[1].Text)

	require.NoError(t, s.Append(ctx, testPath, models.Message{SenderID: "u1", Text: "live", Timestamp: 1002}))
	require.Len(t, got, 3)
	assert.Equal(t, "live", got[2].Text)
}

func TestMemoryStoreKeepsTimestampOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, ts := range []int64{30, 10, 20, 20, 5} {
		require.NoError(t, s.Append(ctx, testPath, models.Message{SenderID: "u1", Text: "m", Timestamp: ts}))
	}

	history, err := s.History(ctx, testPath)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.LessOrEqual(t, history[i-1].Timestamp, history[i].Timestamp)
	}
}

func TestMemoryStoreEqualTimestampsKeepAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, testPath, models.Message{ID: "a", Timestamp: 7}))
	require.NoError(t, s.Append(ctx, testPath, models.Message{ID: "b", Timestamp: 7}))

	history, err := s.History(ctx, testPath)
	require.NoError(t, err)
	assert.Equal(t, "a", history[0].ID)
	assert.Equal(t, "b", history[1].ID)
}

func TestMemoryStoreUnsubscribeStopsCallbacks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var got []models.Message
	unsubscribe, err := s.SubscribeOrdered(ctx, testPath, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ListenerCount(testPath))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, s.ListenerCount(testPath))

	require.NoError(t, s.Append(ctx, testPath, models.Message{Text: "after", Timestamp: 1}))
	assert.Empty(t, got)
}

func TestMemoryStoreIndependentSubscribers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, testPath, models.Message{Text: "first", Timestamp: 1}))

	var a, b []models.Message
	unsubA, err := s.SubscribeOrdered(ctx, testPath, collect(&a))
	require.NoError(t, err)
	unsubB, err := s.SubscribeOrdered(ctx, testPath, collect(&b))
	require.NoError(t, err)
	defer unsubB()

	unsubA()
	require.NoError(t, s.Append(ctx, testPath, models.Message{Text: "second", Timestamp: 2}))

	assert.Len(t, a, 1)
	assert.Len(t, b, 2)
}

func TestMemoryStoreSeparatesPaths(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, testPath, models.Message{Text: "x", Timestamp: 1}))

	history, err := s.History(ctx, "conversations/u1_u3/messages")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(ctx, testPath, models.Message{}), ErrStoreClosed)
	_, err := s.SubscribeOrdered(ctx, testPath, func(models.Message) {})
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.History(ctx, testPath)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore()
	assert.ErrorIs(t, s.Append(ctx, testPath, models.Message{}), context.Canceled)
}

func TestMemoryStoreLiveOrderIsAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var live []models.Message
	unsubscribe, err := s.SubscribeOrdered(ctx, testPath, collect(&live))
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.Append(ctx, testPath, models.Message{Text: "late clock", Timestamp: 2000}))
	require.NoError(t, s.Append(ctx, testPath, models.Message{Text: "early clock", Timestamp: 1000}))
	require.Len(t, live, 2)
	assert.Equal(t, int64(2000), live[0].Timestamp)
	assert.Equal(t, int64(1000), live[1].Timestamp)

	var replay []models.Message
	again, err := s.SubscribeOrdered(ctx, testPath, collect(&replay))
	require.NoError(t, err)
	defer again()
	require.Len(t, replay, 2)
	assert.Equal(t, int64(1000), replay[0].Timestamp)
	assert.Equal(t, int64(2000), replay[1].Timestamp)
}

func TestMemoryStoreConversations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, "conversations/u1_u2/messages", models.Message{Timestamp: 1000}))
	require.NoError(t, s.Append(ctx, "conversations/u1_u2/messages", models.Message{Timestamp: 3000}))
	require.NoError(t, s.Append(ctx, "conversations/u0_u1/messages", models.Message{Timestamp: 2000}))
	require.NoError(t, s.Append(ctx, "conversations/u2_u3/messages", models.Message{Timestamp: 4000}))
	require.NoError(t, s.Append(ctx, "conversations/u10_u2/messages", models.Message{Timestamp: 5000}))

	got, err := s.Conversations(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []channel.LogSummary{
		{Path: "conversations/u1_u2/messages", LastTimestamp: 3000, Count: 2},
		{Path: "conversations/u0_u1/messages", LastTimestamp: 2000, Count: 1},
	}, got)

	require.NoError(t, s.Close())
	_, err = s.Conversations(ctx, "u1")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
