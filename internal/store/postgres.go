package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying "<seq>:<path>" payloads.
const NotifyChannel = "chat_messages"

const (
	selectColumns = `SELECT seq, message_id, sender_id, text, sent_at_ms FROM chat_messages`
	// lockPathQuery serializes appends to one path until commit, so a path's
	// rows become visible in seq order and a "seq > last" catch-up never
	// skips a row committed late.
	lockPathQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`
	appendQuery   = `WITH ins AS (
            INSERT INTO chat_messages (path, message_id, sender_id, text, sent_at_ms)
            VALUES ($1, $2, $3, $4, $5)
            RETURNING seq, path
        )
        SELECT pg_notify($6, ins.seq::text || ':' || ins.path) FROM ins`
	summaryQuery = `SELECT path, max(sent_at_ms) AS last_at, count(*) AS n FROM chat_messages
        WHERE path LIKE $1 ESCAPE '\' OR path LIKE $2 ESCAPE '\'
        GROUP BY path`
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// participantPatterns matches the message paths of keys starting or ending
// with id. Callers still verify the match with conversation.Counterpart.
func participantPatterns(id string) (string, string) {
	esc := likeEscaper.Replace(id)
	return conversation.MessagesPath(esc + `\_%`), conversation.MessagesPath(`%\_` + esc)
}

// rowSource reads conversation logs.
type rowSource interface {
	Log(ctx context.Context, path string) ([]messageRow, error)
	After(ctx context.Context, path string, seq int64) ([]messageRow, error)
	Summaries(ctx context.Context, participantID string) ([]summaryRow, error)
}

type summaryRow struct {
	Path   string `db:"path"`
	LastAt int64  `db:"last_at"`
	Count  int64  `db:"n"`
}

type sqlRows struct {
	db *sqlx.DB
}

// Log returns a path's rows by timestamp.
func (q sqlRows) Log(ctx context.Context, path string) ([]messageRow, error) {
	var rows []messageRow
	err := q.db.SelectContext(ctx, &rows, selectColumns+` WHERE path=$1 ORDER BY sent_at_ms ASC, seq ASC`, path)
	return rows, err
}

// After returns a path's rows with a seq above seq, in seq order.
func (q sqlRows) After(ctx context.Context, path string, seq int64) ([]messageRow, error) {
	var rows []messageRow
	err := q.db.SelectContext(ctx, &rows, selectColumns+` WHERE path=$1 AND seq>$2 ORDER BY seq ASC`, path, seq)
	return rows, err
}

type messageRow struct {
	Seq       int64  `db:"seq"`
	MessageID string `db:"message_id"`
	SenderID  string `db:"sender_id"`
	Text      string `db:"text"`
	SentAtMs  int64  `db:"sent_at_ms"`
}

func (r messageRow) message() models.Message {
	return models.Message{ID: r.MessageID, SenderID: r.SenderID, Text: r.Text, Timestamp: r.SentAtMs}
}

// PostgresStore persists logs in Postgres and pushes appends through one shared
// pq.Listener. Subscribers replay by timestamp, then fetch rows with a higher
// seq whenever their path is notified.
type PostgresStore struct {
	db       *sqlx.DB
	rows     rowSource
	listener *pq.Listener
	log      *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[string]map[*pgSubscriber]struct{}
	closed bool

	done       chan struct{}
	dispatched chan struct{}
}

type pgSubscriber struct {
	path    string
	wake    chan struct{}
	onAdd   func(models.Message)
	lastSeq int64
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPostgresStore starts listening on NotifyChannel using dsn.
func NewPostgresStore(db *sqlx.DB, dsn string, log *zap.SugaredLogger) (*PostgresStore, error) {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnw("postgres listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	s := &PostgresStore{
		db:         db,
		rows:       sqlRows{db: db},
		listener:   listener,
		log:        log,
		subs:       make(map[string]map[*pgSubscriber]struct{}),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// Append inserts the message and notifies listeners when the transaction
// commits. Appends to the same path are serialized by an advisory lock.
func (s *PostgresStore) Append(ctx context.Context, path string, msg models.Message) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, lockPathQuery, path); err != nil {
		return fmt.Errorf("lock path: %w", err)
	}
	if _, err := tx.ExecContext(ctx, appendQuery, path, msg.ID, msg.SenderID, msg.Text, msg.Timestamp, NotifyChannel); err != nil {
		return err
	}
	return tx.Commit()
}

// Summaries aggregates the logs whose path may involve participantID.
func (q sqlRows) Summaries(ctx context.Context, participantID string) ([]summaryRow, error) {
	first, last := participantPatterns(participantID)
	var rows []summaryRow
	err := q.db.SelectContext(ctx, &rows, summaryQuery, first, last)
	return rows, err
}

// Conversations lists the logs participantID takes part in.
func (s *PostgresStore) Conversations(ctx context.Context, participantID string) ([]channel.LogSummary, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	rows, err := s.rows.Summaries(ctx, participantID)
	if err != nil {
		return nil, err
	}
	out := make([]channel.LogSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, channel.LogSummary{Path: r.Path, LastTimestamp: r.LastAt, Count: r.Count})
	}
	return out, nil
}

// History returns the log ordered by timestamp.
func (s *PostgresStore) History(ctx context.Context, path string) ([]models.Message, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	rows, err := s.rows.Log(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

// SubscribeOrdered registers before replaying so that no notification is lost;
// rows seen during replay are skipped by the seq watermark.
func (s *PostgresStore) SubscribeOrdered(ctx context.Context, path string, onAdd func(models.Message)) (channel.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscriber{
		path:    path,
		wake:    make(chan struct{}, 1),
		onAdd:   onAdd,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	if err := s.register(sub); err != nil {
		cancel()
		return nil, err
	}

	rows, err := s.rows.Log(ctx, path)
	if err != nil {
		s.deregister(sub)
		cancel()
		return nil, err
	}
	for _, r := range rows {
		onAdd(r.message())
		if r.Seq > sub.lastSeq {
			sub.lastSeq = r.Seq
		}
	}

	go s.follow(subCtx, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.cancel()
			<-sub.stopped
			s.deregister(sub)
		})
	}, nil
}

func (s *PostgresStore) follow(ctx context.Context, sub *pgSubscriber) {
	defer close(sub.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.wake:
		}

		rows, err := s.rows.After(ctx, sub.path, sub.lastSeq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnw("postgres catch-up failed", "path", sub.path, "error", err)
			continue
		}
		for _, r := range rows {
			if ctx.Err() != nil {
				return
			}
			sub.onAdd(r.message())
			sub.lastSeq = r.Seq
		}
	}
}

func (s *PostgresStore) dispatch() {
	defer close(s.dispatched)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications may have been missed.
				s.wakeAll()
				continue
			}
			_, path, found := strings.Cut(n.Extra, ":")
			if !found {
				continue
			}
			s.wakePath(path)
		case <-ping.C:
			go func() { _ = s.listener.Ping() }()
		}
	}
}

func (s *PostgresStore) register(sub *pgSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.subs[sub.path]; !ok {
		s.subs[sub.path] = make(map[*pgSubscriber]struct{})
	}
	s.subs[sub.path][sub] = struct{}{}
	return nil
}

func (s *PostgresStore) deregister(sub *pgSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subs[sub.path]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subs, sub.path)
		}
	}
}

func (s *PostgresStore) wakePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[path] {
		poke(sub.wake)
	}
}

func (s *PostgresStore) wakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subs {
		for sub := range subs {
			poke(sub.wake)
		}
	}
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every subscriber and the listener. The *sqlx.DB is left to its owner.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []*pgSubscriber
	for _, set := range s.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	close(s.done)
	err := s.listener.Close()
	<-s.dispatched
	return err
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
