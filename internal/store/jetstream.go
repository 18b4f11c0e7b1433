package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
)

const historyBatch = 256

// JetStreamStore keeps every conversation log on its own subject of one stream.
// Order is the stream sequence, i.e. append order.
type JetStreamStore struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	stream        string
	subjectPrefix string
	log           *zap.SugaredLogger
}

// JetStreamConfig describes the stream backing the store.
type JetStreamConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// NewJetStreamStore connects to NATS and makes sure the stream exists.
func NewJetStreamStore(ctx context.Context, cfg JetStreamConfig, log *zap.SugaredLogger) (*JetStreamStore, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("marketplace-chat"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Conversation message logs",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %q: %w", cfg.Stream, err)
	}
	log.Infow("jetstream stream ready", "stream", stream.CachedInfo().Config.Name, "subjects", cfg.SubjectPrefix+".>")

	return &JetStreamStore{nc: nc, js: js, stream: cfg.Stream, subjectPrefix: cfg.SubjectPrefix, log: log}, nil
}

// Subject maps a store path onto a single subject token.
func (s *JetStreamStore) Subject(path string) string {
	return subjectFor(s.subjectPrefix, path)
}

func subjectFor(prefix, path string) string {
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(path))
}

// pathForSubject reverses subjectFor.
func pathForSubject(prefix, subject string) (string, bool) {
	token, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Append publishes msg and waits for the stream acknowledgement.
func (s *JetStreamStore) Append(ctx context.Context, path string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := s.js.Publish(ctx, s.Subject(path), data); err != nil {
		return fmt.Errorf("publish to %q: %w", s.Subject(path), err)
	}
	return nil
}

// SubscribeOrdered consumes the subject from its first message onwards.
func (s *JetStreamStore) SubscribeOrdered(ctx context.Context, path string, onAdd func(models.Message)) (channel.Unsubscribe, error) {
	cons, err := s.orderedConsumer(ctx, path)
	if err != nil {
		return nil, err
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		var msg models.Message
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			s.log.Warnw("dropping undecodable message", "subject", m.Subject(), "error", err)
			return
		}
		onAdd(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", s.Subject(path), err)
	}
	return cc.Stop, nil
}

// History drains the subject without waiting for new messages.
func (s *JetStreamStore) History(ctx context.Context, path string) ([]models.Message, error) {
	cons, err := s.orderedConsumer(ctx, path)
	if err != nil {
		return nil, err
	}

	var out []models.Message
	for {
		batch, err := cons.FetchNoWait(historyBatch)
		if err != nil {
			return nil, fmt.Errorf("fetch %q: %w", s.Subject(path), err)
		}

		received, drained := 0, false
		for m := range batch.Messages() {
			received++
			var msg models.Message
			if err := json.Unmarshal(m.Data(), &msg); err != nil {
				s.log.Warnw("skipping undecodable message", "subject", m.Subject(), "error", err)
			} else {
				out = append(out, msg)
			}
			if meta, err := m.Metadata(); err == nil && meta.NumPending == 0 {
				drained = true
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch %q: %w", s.Subject(path), err)
		}
		if received == 0 || drained {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Conversations reads the per-subject counts of the stream and the last
// message of every subject belonging to participantID.
func (s *JetStreamStore) Conversations(ctx context.Context, participantID string) ([]channel.LogSummary, error) {
	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %q: %w", s.stream, err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(s.subjectPrefix+".>"))
	if err != nil {
		return nil, fmt.Errorf("stream info %q: %w", s.stream, err)
	}

	var out []channel.LogSummary
	for subject, count := range info.State.Subjects {
		path, ok := pathForSubject(s.subjectPrefix, subject)
		if !ok || count == 0 {
			continue
		}
		key, ok := conversation.KeyFromPath(path)
		if !ok {
			continue
		}
		if _, ok := conversation.Counterpart(key, participantID); !ok {
			continue
		}

		raw, err := stream.GetLastMsgForSubject(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("last message of %q: %w", subject, err)
		}
		var msg models.Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			s.log.Warnw("undecodable last message", "subject", subject, "error", err)
		}
		out = append(out, channel.LogSummary{Path: path, LastTimestamp: msg.Timestamp, Count: int64(count)})
	}
	return out, nil
}

func (s *JetStreamStore) orderedConsumer(ctx context.Context, path string) (jetstream.Consumer, error) {
	cons, err := s.js.OrderedConsumer(ctx, s.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.Subject(path)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %q: %w", s.Subject(path), err)
	}
	return cons, nil
}

// Close drains the NATS connection.
func (s *JetStreamStore) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
