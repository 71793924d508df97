package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
	"github.com/JasperFx/jasperfx-sub002/ports/kv"
)

const (
	defaultSubjectPrefix = "jasperfx.events"
	defaultStreamName    = "JASPERFX_EVENTS"

	headerEventType = "Jasperfx-Event-Type"
	headerVersion   = "Jasperfx-Version"

	highWaterKey = "daemon.high_water"
	fetchSize    = 256
)

// RetentionPolicy defines how messages are retained in the stream.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until limits (MaxMsgs, MaxBytes, MaxAge) are reached.
	RetentionLimits RetentionPolicy = iota

	// RetentionInterest keeps messages only while there are consumers with interest.
	RetentionInterest
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	if r == RetentionInterest {
		return jetstream.InterestPolicy
	}
	return jetstream.LimitsPolicy
}

type EventLogConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of every stream subject
	StreamName    string

	// Registry decodes payloads. Required.
	Registry *events.Registry
	// Progress holds shard progress. Defaults to an in-memory store.
	Progress storage.ProgressStore
	// Marks holds the persisted high-water mark. Defaults to an in-memory store.
	Marks kv.Store

	Retention RetentionPolicy
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
}

// envelope is the JSON body of one event message.
type envelope struct {
	ID            uuid.UUID       `json:"id"`
	StreamID      uuid.UUID       `json:"stream_id,omitzero"`
	StreamKey     string          `json:"stream_key,omitempty"`
	Version       int64           `json:"version"`
	EventType     string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	TenantID      string          `json:"tenant_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Headers       map[string]any  `json:"headers,omitempty"`
}

// EventLog is an event log on a JetStream stream. The stream sequence is
// the global event sequence. JetStream assigns sequences when it stores a
// message, so the log never exposes gaps and the high-water mark is the
// stream's last sequence.
type EventLog struct {
	js            jetstream.JetStream
	stream        jetstream.Stream
	close         closeFunc
	log           *slog.Logger
	registry      *events.Registry
	progress      storage.ProgressStore
	marks         kv.Store
	subjectPrefix string
	streamName    string
}

func NewEventLog(ctx context.Context, cfg EventLogConfig) (*EventLog, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeConn, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	// 0 means unlimited for these fields
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	maxMsgs := cfg.MaxMsgs
	if maxMsgs == 0 {
		maxMsgs = -1
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: cfg.Retention.toJetStream(),
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  maxBytes,
		MaxMsgs:   maxMsgs,
		FirstSeq:  1,
	})
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream")

	progress := cfg.Progress
	if progress == nil {
		progress = storage.NewMemoryProgressStore()
	}
	marks := cfg.Marks
	if marks == nil {
		marks = kv.NewMemStore()
	}

	return &EventLog{
		js:            js,
		stream:        stream,
		close:         closeConn,
		log:           log,
		registry:      cfg.Registry,
		progress:      progress,
		marks:         marks,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (l *EventLog) Close() error {
	l.js.CleanupPublisher()
	l.close()
	l.log.Debug("closed event log")
	return nil
}

func (l *EventLog) Progress() storage.ProgressStore { return l.progress }

// Append writes actions in order. Every message is published with the
// expected last stream sequence, so a concurrent writer makes the append
// fail with a ConcurrencyError. Messages published before such a failure
// stay in the stream.
func (l *EventLog) Append(ctx context.Context, actions ...*events.StreamAction) error {
	info, err := l.stream.Info(ctx)
	if err != nil {
		return err
	}
	last := int64(info.State.LastSeq)

	versions := map[string]int64{}
	for _, a := range actions {
		subject, err := l.subjectFor(a)
		if err != nil {
			return err
		}

		current, ok := versions[subject]
		if !ok {
			if current, err = l.streamVersion(ctx, subject); err != nil {
				return err
			}
		}

		seqs := make([]int64, len(a.Events))
		for i := range seqs {
			last++
			seqs[i] = last
		}
		for _, e := range a.Events {
			if e.EventType == "" {
				e.EventType = l.registry.AliasFor(e.Data)
			}
		}
		if err := a.PrepareEvents(current, events.NewSequenceQueue(seqs...)); err != nil {
			return err
		}
		versions[subject] = a.Version

		for _, e := range a.Events {
			if err := l.publish(ctx, subject, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *EventLog) publish(ctx context.Context, subject string, e *events.Event) error {
	_, body, err := l.registry.Encode(e.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventType, err)
	}
	data, err := json.Marshal(envelope{
		ID:            e.ID,
		StreamID:      e.StreamID,
		StreamKey:     e.StreamKey,
		Version:       e.Version,
		EventType:     e.EventType,
		Data:          body,
		Timestamp:     e.Timestamp,
		TenantID:      e.TenantID,
		CausationID:   e.CausationID,
		CorrelationID: e.CorrelationID,
		Headers:       e.Headers,
	})
	if err != nil {
		return err
	}

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerEventType, e.EventType)
	msg.Header.Set(headerVersion, strconv.FormatInt(e.Version, 10))
	msg.Data = data

	ack, err := l.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(e.ID.String()),
		jetstream.WithExpectLastSequence(uint64(e.Sequence-1)),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return &events.ConcurrencyError{Stream: subject, Expected: e.Sequence - 1, Actual: -1}
		}
		return fmt.Errorf("failed to append to subject %s %s: %w", subject, e.EventType, err)
	}
	if int64(ack.Sequence) != e.Sequence {
		return fmt.Errorf("stream assigned sequence %d, expected %d", ack.Sequence, e.Sequence)
	}
	return nil
}

func (l *EventLog) streamVersion(ctx context.Context, subject string) (int64, error) {
	msg, err := l.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(msg.Header.Get(headerVersion), 10, 64)
}

func (l *EventLog) subjectFor(a *events.StreamAction) (string, error) {
	token := a.Key
	if token == "" {
		token = a.ID.String()
	}
	if token == "" || strings.ContainsAny(token, " .*>\t\r\n") {
		return "", fmt.Errorf("stream key %q is not a valid subject token", token)
	}
	return l.subjectPrefix + "." + token, nil
}

func (l *EventLog) Identifier() string { return l.streamName }

func (l *EventLog) ProjectionProgressFor(ctx context.Context, shard daemon.ShardName) (int64, error) {
	return l.progress.LoadProgress(ctx, shard.Identity())
}

func (l *EventLog) FetchHighestEventSequenceNumber(ctx context.Context) (int64, error) {
	info, err := l.stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return int64(info.State.LastSeq), nil
}

func (l *EventLog) FindEventStoreFloorAtTime(ctx context.Context, t time.Time) (int64, bool, error) {
	cc, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{l.subjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &t,
	})
	if err != nil {
		return 0, false, err
	}
	mb, err := cc.FetchNoWait(1)
	if err != nil {
		return 0, false, err
	}
	for msg := range mb.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			return 0, false, err
		}
		return int64(md.Sequence.Stream) - 1, true, nil
	}
	return 0, false, mb.Error()
}

func (l *EventLog) FetchHighWaterStatistics(ctx context.Context) (daemon.HighWaterStatistics, error) {
	mark, err := kv.GetJSON[int64](ctx, l.marks, highWaterKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return daemon.HighWaterStatistics{}, err
	}
	highest, err := l.FetchHighestEventSequenceNumber(ctx)
	if err != nil {
		return daemon.HighWaterStatistics{}, err
	}
	return daemon.HighWaterStatistics{
		LastMark:        mark,
		HighestSequence: highest,
		CurrentMark:     max(mark, highest),
	}, nil
}

func (l *EventLog) FindContiguousCeiling(ctx context.Context, from int64) (int64, error) {
	highest, err := l.FetchHighestEventSequenceNumber(ctx)
	return max(from, highest), err
}

func (l *EventLog) FindSafeStartMark(ctx context.Context, from int64, _ time.Time) (int64, error) {
	return l.FindContiguousCeiling(ctx, from)
}

func (l *EventLog) MarkHighWater(ctx context.Context, sequence int64) error {
	return kv.PutJSON(ctx, l.marks, highWaterKey, sequence, kv.PutOptions{})
}

// LoadEvents reads Floor < s <= HighWater with an ordered consumer.
func (l *EventLog) LoadEvents(ctx context.Context, req daemon.EventRequest) (*daemon.EventPage, error) {
	page := &daemon.EventPage{Floor: req.Floor, Ceiling: req.HighWater}
	if req.HighWater <= req.Floor {
		return page, nil
	}

	cc, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{l.subjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    uint64(req.Floor + 1),
	})
	if err != nil {
		return nil, err
	}

	limit := req.BatchSize
	last := req.Floor
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := fetchSize
		if limit > 0 {
			n = min(n, limit-len(page.Events)-len(page.Skipped))
		}
		mb, err := cc.FetchNoWait(n)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return nil, err
			}
			seq := int64(md.Sequence.Stream)
			if seq > req.HighWater {
				return page, nil
			}
			last = seq

			e, err := l.decode(msg.Data(), seq)
			if err != nil {
				if !req.ErrorOptions.CanSkip(err) {
					return nil, err
				}
				page.Skipped = append(page.Skipped, daemon.SkippedEvent{Sequence: seq, EventType: msg.Headers().Get(headerEventType), Err: err})
			} else {
				page.Events = append(page.Events, e)
			}

			if limit > 0 && len(page.Events)+len(page.Skipped) >= limit {
				if last < req.HighWater {
					page.Ceiling = last
				}
				return page, nil
			}
		}
		if err := mb.Error(); err != nil {
			return nil, err
		}
		if empty || last >= req.HighWater {
			return page, nil
		}
	}
}

func (l *EventLog) decode(data []byte, seq int64) (*events.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &events.EventDeserializationError{EventType: "unknown", Sequence: seq, Err: err}
	}
	payload, err := l.registry.Decode(env.EventType, env.Data)
	if err != nil {
		var unknown *events.UnknownEventTypeError
		if errors.As(err, &unknown) {
			unknown.Sequence = seq
		}
		var deser *events.EventDeserializationError
		if errors.As(err, &deser) {
			deser.Sequence = seq
		}
		return nil, err
	}
	return &events.Event{
		ID:            env.ID,
		Sequence:      seq,
		Version:       env.Version,
		StreamID:      env.StreamID,
		StreamKey:     env.StreamKey,
		EventType:     env.EventType,
		Data:          payload,
		Timestamp:     env.Timestamp,
		TenantID:      env.TenantID,
		CausationID:   env.CausationID,
		CorrelationID: env.CorrelationID,
		Headers:       env.Headers,
	}, nil
}

var (
	_ daemon.EventDatabase  = (*EventLog)(nil)
	_ daemon.HighWaterStore = (*EventLog)(nil)
	_ daemon.EventLoader    = (*EventLog)(nil)
)
