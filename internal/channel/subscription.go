package channel

import (
	"sync"

	"marketplace-chat/internal/models"
)

// Subscription is a live, cancellable feed of one conversation log.
// Messages are queued without bound between the store and the consumer, so
// store callbacks never wait on a slow reader.
type Subscription struct {
	key      string
	messages chan models.Message
	notify   chan struct{}
	done     chan struct{}
	stopped  chan struct{}

	mu      sync.Mutex
	pending []models.Message

	cancelOnce  sync.Once
	unsubscribe Unsubscribe
	onCancel    func()
}

func newSubscription(key string) *Subscription {
	s := &Subscription{
		key:      key,
		messages: make(chan models.Message),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Key returns the conversation key the subscription reads.
func (s *Subscription) Key() string { return s.key }

// Messages replays the log and then delivers live appends. It is closed after Cancel.
func (s *Subscription) Messages() <-chan models.Message { return s.messages }

// Done is closed once Cancel has been called.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel detaches from the store. It is safe to call more than once; after the
// first call returns no further message is delivered.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		<-s.stopped
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

func (s *Subscription) enqueue(msg models.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	batch := s.pending
	s.pending = nil
	return batch, true
}

func (s *Subscription) run() {
	defer close(s.stopped)
	defer close(s.messages)

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			batch, ok := s.next()
			if !ok {
				break
			}
			for _, msg := range batch {
				select {
				case s.messages <- msg:
				case <-s.done:
					return
				}
			}
		}
	}
}
