package channel

import (
	"context"

	"marketplace-chat/internal/models"
)

// Unsubscribe detaches a listener registered with Store.SubscribeOrdered.
type Unsubscribe func()

// LogSummary describes one non-empty conversation log.
type LogSummary struct {
	Path          string
	LastTimestamp int64
	Count         int64
}

// Store is a real-time message store holding ordered, append-only logs keyed by path.
//
// SubscribeOrdered first replays the log oldest first by timestamp and then
// calls onAdd for every later message in the order the store accepted it.
// With skewed sender clocks a live message may therefore carry an older
// timestamp than one already delivered, while a later replay shows both in
// timestamp order. onAdd must not block.
//
// Conversations lists the logs participantID takes part in. It may return
// other logs as well; callers filter by path.
type Store interface {
	Append(ctx context.Context, path string, msg models.Message) error
	SubscribeOrdered(ctx context.Context, path string, onAdd func(models.Message)) (Unsubscribe, error)
	History(ctx context.Context, path string) ([]models.Message, error)
	Conversations(ctx context.Context, participantID string) ([]LogSummary, error)
}
