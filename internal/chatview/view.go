// Package chatview holds the per-client state of one active conversation: the
// subscription, the received messages and the draft being typed.
package chatview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
)

var (
	ErrEmptyText = errors.New("message text is empty")
	ErrNotActive = errors.New("no active conversation")
)

// State of a ViewModel.
type State int

const (
	StateIdle State = iota
	StateSubscribed
)

func (s State) String() string {
	if s == StateSubscribed {
		return "subscribed"
	}
	return "idle"
}

// MessageChannel is the part of *channel.Channel the view model needs.
type MessageChannel interface {
	Send(ctx context.Context, key string, msg models.Message) (models.Message, error)
	Subscribe(ctx context.Context, key string) (*channel.Subscription, error)
}

// Identity supplies the authenticated user.
type Identity interface {
	CurrentUserID() string
}

// StaticIdentity is an Identity fixed at construction.
type StaticIdentity string

func (id StaticIdentity) CurrentUserID() string { return string(id) }

// Surface renders what the view model produces. Its methods run on the view
// model's delivery goroutine and must not call Activate or Deactivate.
type Surface interface {
	MessageAppended(msg models.Message)
	ErrorRaised(err error)
}

// OpenedSurface is an optional Surface extension. ConversationOpened runs
// after a successful Activate and before any message of that conversation
// reaches MessageAppended.
type OpenedSurface interface {
	ConversationOpened(key, counterpartID string)
}

type Option func(*ViewModel)

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(vm *ViewModel) { vm.now = now }
}

func WithSurface(s Surface) Option {
	return func(vm *ViewModel) { vm.surface = s }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(vm *ViewModel) { vm.log = log }
}

// ViewModel follows at most one conversation at a time. The message list only
// grows through the subscription; sent messages are not echoed locally.
type ViewModel struct {
	channel  MessageChannel
	identity Identity
	now      func() time.Time
	surface  Surface
	log      *zap.SugaredLogger

	// switchMu serializes Activate and Deactivate.
	switchMu sync.Mutex

	mu          sync.Mutex
	state       State
	generation  uint64
	counterpart string
	key         string
	messages    []models.Message
	draft       string
	sub         *channel.Subscription
	pumpDone    chan struct{}
}

// New builds an idle ViewModel.
func New(ch MessageChannel, identity Identity, opts ...Option) *ViewModel {
	vm := &ViewModel{
		channel:  ch,
		identity: identity,
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// Activate opens the conversation with counterpartID. A previous subscription
// is cancelled, and its deliveries drained, before the new one is opened.
func (vm *ViewModel) Activate(ctx context.Context, counterpartID string) error {
	vm.switchMu.Lock()
	defer vm.switchMu.Unlock()

	key, err := conversation.ResolveKey(vm.identity.CurrentUserID(), counterpartID)
	if err != nil {
		vm.raise(err)
		return err
	}

	vm.release()

	sub, err := vm.channel.Subscribe(ctx, key)
	if err != nil {
		vm.raise(err)
		return err
	}

	done := make(chan struct{})
	vm.mu.Lock()
	vm.generation++
	gen := vm.generation
	vm.state = StateSubscribed
	vm.counterpart = counterpartID
	vm.key = key
	vm.messages = []models.Message{}
	vm.sub = sub
	vm.pumpDone = done
	vm.mu.Unlock()

	if opened, ok := vm.surface.(OpenedSurface); ok {
		opened.ConversationOpened(key, counterpartID)
	}
	go vm.pump(sub, gen, done)
	vm.log.Debugw("conversation activated", "conversation_key", key, "counterpart_id", counterpartID)
	return nil
}

// Deactivate releases the active subscription. Calling it while idle is a no-op.
// When it returns no further message reaches the list or the Surface.
func (vm *ViewModel) Deactivate() {
	vm.switchMu.Lock()
	defer vm.switchMu.Unlock()
	vm.release()
}

func (vm *ViewModel) release() {
	vm.mu.Lock()
	sub, done := vm.sub, vm.pumpDone
	vm.sub, vm.pumpDone = nil, nil
	vm.state = StateIdle
	vm.generation++
	key := vm.key
	vm.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Cancel()
	<-done
	vm.log.Debugw("conversation deactivated", "conversation_key", key)
}

func (vm *ViewModel) pump(sub *channel.Subscription, gen uint64, done chan struct{}) {
	defer close(done)
	for msg := range sub.Messages() {
		vm.mu.Lock()
		if vm.generation != gen {
			vm.mu.Unlock()
			return
		}
		vm.messages = append(vm.messages, msg)
		vm.mu.Unlock()

		if vm.surface != nil {
			vm.surface.MessageAppended(msg)
		}
	}
}

// Send appends text, as entered, from the current user to the active
// conversation. Errors are also reported to the Surface, except for the
// empty-text guard.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	vm.mu.Lock()
	key, active := vm.key, vm.state == StateSubscribed
	vm.mu.Unlock()
	if !active {
		vm.raise(ErrNotActive)
		return ErrNotActive
	}

	msg := models.Message{
		SenderID:  vm.identity.CurrentUserID(),
		Text:      text,
		Timestamp: vm.now().UnixMilli(),
	}
	if _, err := vm.channel.Send(ctx, key, msg); err != nil {
		vm.raise(err)
		return err
	}
	return nil
}

// SetDraft stores the text being composed.
func (vm *ViewModel) SetDraft(text string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.draft = text
}

func (vm *ViewModel) Draft() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.draft
}

// SubmitDraft sends the draft and clears it once the store accepted the
// message. The draft is kept when the send fails.
func (vm *ViewModel) SubmitDraft(ctx context.Context) error {
	draft := vm.Draft()
	if err := vm.Send(ctx, draft); err != nil {
		return err
	}

	vm.mu.Lock()
	if vm.draft == draft {
		vm.draft = ""
	}
	vm.mu.Unlock()
	return nil
}

// Messages returns a copy of the received messages in arrival order.
func (vm *ViewModel) Messages() []models.Message {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]models.Message, len(vm.messages))
	copy(out, vm.messages)
	return out
}

func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// ConversationKey is the key of the active conversation, or "" when idle.
func (vm *ViewModel) ConversationKey() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != StateSubscribed {
		return ""
	}
	return vm.key
}

func (vm *ViewModel) CounterpartID() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != StateSubscribed {
		return ""
	}
	return vm.counterpart
}

func (vm *ViewModel) raise(err error) {
	vm.log.Debugw("chat view error", "error", err)
	if vm.surface != nil {
		vm.surface.ErrorRaised(err)
	}
}
