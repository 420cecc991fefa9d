// Package broadcast announces committed records over Redis Pub/Sub so views
// opened on other instances can flag rows changed elsewhere.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/roster-sync/internal/types"
)

const (
	defaultTopicPrefix = "roster:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
	publishAttempts    = 3
)

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "published_total",
		Help:      "Commit events published to Redis.",
	}, []string{"result"})

	deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "publish_to_receive_seconds",
		Help:      "Observed latency between publish and receipt on a subscriber.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})
)

func init() {
	prometheus.MustRegister(publishedTotal, deliveryLatency)
}

// Handler receives commit events published by other views.
type Handler func(types.CommitEvent)

type message struct {
	EventID    string          `json:"event_id"`
	Collection string          `json:"collection"`
	ScopeKey   string          `json:"scope_key"`
	View       string          `json:"view"`
	Records    json.RawMessage `json:"records"`
	At         int64           `json:"at"`
}

// Redis publishes commit events and relays received ones to a handler.
type Redis struct {
	client  *redis.Client
	handler Handler
	logger  zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration
	retryDelay  time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// Option configures the broadcaster.
type Option func(*Redis)

// WithTopicPrefix overrides the channel prefix.
func WithTopicPrefix(prefix string) Option {
	return func(r *Redis) {
		r.topicPrefix = prefix
	}
}

// WithRetryDelay sets the first publish backoff.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Redis) {
		r.retryDelay = d
	}
}

// NewRedis builds a broadcaster. handler may be nil when only publishing.
func NewRedis(client *redis.Client, handler Handler, logger zerolog.Logger, opts ...Option) *Redis {
	r := &Redis{
		client:      client,
		handler:     handler,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		retryDelay:  time.Second,
		seen:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PublishCommitted sends evt to the topic of its collection. Publishing is
// retried a few times; the caller only logs a final failure.
func (r *Redis) PublishCommitted(ctx context.Context, evt types.CommitEvent) error {
	if r == nil || r.client == nil {
		return errors.New("nil broadcaster")
	}
	encoded, err := Encode(evt)
	if err != nil {
		return err
	}

	topic := r.topic(evt.Scope.Collection)
	backoff := r.retryDelay
	for attempt := 1; ; attempt++ {
		err := r.client.Publish(ctx, topic, encoded).Err()
		if err == nil {
			publishedTotal.WithLabelValues("ok").Inc()
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || attempt == publishAttempts {
			publishedTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		r.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start consumes commit events until ctx is cancelled, resubscribing with
// backoff when the connection drops.
func (r *Redis) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Redis) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, r.topicPrefix+"*")
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (r *Redis) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(msg); err != nil {
				r.logger.Warn().Err(err).Msg("failed to process commit event")
			}
		}
	}
}

func (r *Redis) process(msg *redis.Message) error {
	id, evt, err := Decode([]byte(msg.Payload))
	if err != nil {
		return err
	}
	if r.isDuplicate(id) {
		return nil
	}
	if !evt.At.IsZero() {
		deliveryLatency.Observe(time.Since(evt.At).Seconds())
	}
	if r.handler != nil {
		r.handler(evt)
	}
	return nil
}

func (r *Redis) topic(collection string) string {
	return r.topicPrefix + collection
}

func (r *Redis) isDuplicate(id string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := time.Now()
	if ts, ok := r.seen[id]; ok && now.Sub(ts) < r.dedupeTTL {
		return true
	}
	r.seen[id] = now
	cutoff := now.Add(-r.dedupeTTL)
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
		}
	}
	return false
}

// Encode renders evt as a wire message with a fresh event id. Record fields
// travel as a protobuf Struct in its JSON form so nulls survive.
func Encode(evt types.CommitEvent) ([]byte, error) {
	list := make([]any, 0, len(evt.Records))
	for _, rec := range evt.Records {
		fields := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			if v.Valid {
				fields[k] = v.String
			} else {
				fields[k] = nil
			}
		}
		list = append(list, map[string]any{"id": string(rec.ID), "fields": fields})
	}
	st, err := structpb.NewStruct(map[string]any{"records": list})
	if err != nil {
		return nil, fmt.Errorf("build records struct: %w", err)
	}
	records, err := protojson.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}

	return json.Marshal(message{
		EventID:    uuid.NewString(),
		Collection: evt.Scope.Collection,
		ScopeKey:   evt.Scope.Key,
		View:       string(evt.View),
		Records:    records,
		At:         evt.At.UTC().UnixNano(),
	})
}

// Decode parses a wire message and returns its event id and event.
func Decode(data []byte) (string, types.CommitEvent, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", types.CommitEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	if msg.EventID == "" || msg.Collection == "" {
		return "", types.CommitEvent{}, errors.New("incomplete payload")
	}

	var st structpb.Struct
	if err := protojson.Unmarshal(msg.Records, &st); err != nil {
		return "", types.CommitEvent{}, fmt.Errorf("decode records: %w", err)
	}

	evt := types.CommitEvent{
		Scope: types.Scope{Collection: msg.Collection, Key: msg.ScopeKey},
		View:  types.ViewID(msg.View),
	}
	if msg.At > 0 {
		evt.At = time.Unix(0, msg.At).UTC()
	}
	for _, item := range st.GetFields()["records"].GetListValue().GetValues() {
		obj := item.GetStructValue()
		if obj == nil {
			continue
		}
		seed := types.Seed{
			ID:     types.RecordID(obj.GetFields()["id"].GetStringValue()),
			Fields: types.Fields{},
		}
		for name, v := range obj.GetFields()["fields"].GetStructValue().GetFields() {
			if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
				seed.Fields[name] = types.ParseValue(nil)
				continue
			}
			s := v.GetStringValue()
			seed.Fields[name] = types.ParseValue(&s)
		}
		evt.Records = append(evt.Records, seed)
	}
	return msg.EventID, evt, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
