// Package events is the tenant-scoped event bus. Each organization gets
// its own capped Redis stream; subscribers attach a consumer group of
// their own, so every subscriber sees every event. Delivery is best
// effort: a slow subscriber loses events rather than stalling the
// producer.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

const component = "events"

// eventStream and eventSink mirror the pulse streaming surface the bus
// needs, so tests can swap in fakes without a Redis server.
type eventStream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (eventSink, error)
}

type eventSink interface {
	Subscribe() <-chan *streaming.Event
	Ack(context.Context, *streaming.Event) error
	Close(context.Context)
}

type pulseStream struct {
	stream *streaming.Stream
}

func (p *pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return p.stream.Add(ctx, event, payload)
}

func (p *pulseStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (eventSink, error) {
	sink, err := p.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return pulseSink{Sink: sink}, nil
}

// pulseSink pins Close to the void signature the bus expects.
type pulseSink struct {
	*streaming.Sink
}

func (s pulseSink) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}

// Bus publishes and fans out tenant events.
type Bus struct {
	cfg  config.EventsConfig
	log  *slog.Logger
	open func(name string) (eventStream, error)

	mu      sync.RWMutex
	streams map[string]eventStream

	dropped atomic.Int64
}

// New builds a bus on the given Redis connection.
func New(rdb *redis.Client, cfg config.EventsConfig) (*Bus, error) {
	const op = "New"

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, component, op, err)
	}
	if rdb == nil {
		return nil, errs.New(errs.ValidationError, component, op, "redis client is required")
	}

	return &Bus{
		cfg: cfg,
		log: slog.With("component", component),
		open: func(name string) (eventStream, error) {
			s, err := streaming.NewStream(name, rdb,
				streamopts.WithStreamMaxLen(cfg.MaxLen))
			if err != nil {
				return nil, err
			}
			return &pulseStream{stream: s}, nil
		},
		streams: make(map[string]eventStream),
	}, nil
}

func (b *Bus) streamName(orgID string) string {
	return b.cfg.StreamPrefix + orgID
}

func (b *Bus) stream(orgID string) (eventStream, error) {
	name := b.streamName(orgID)

	b.mu.RLock()
	if s, ok := b.streams[name]; ok {
		b.mu.RUnlock()
		return s, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s, err := b.open(name)
	if err != nil {
		return nil, err
	}
	b.streams[name] = s
	return s, nil
}

// Publish appends an event to the tenant's stream.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	const op = "Publish"

	if ev.OrganizationID == "" {
		return errs.New(errs.TenantMissing, component, op, "organization id is required")
	}
	if ev.Type == "" {
		return errs.New(errs.ValidationError, component, op, "event type is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.Unknown, component, op, err)
	}

	stream, err := b.stream(ev.OrganizationID)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	if _, err := stream.Add(ctx, string(ev.Type), payload); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}
	return nil
}

// TryPublish is Publish for callers that treat events as best effort: a
// failure is logged and swallowed so it can never fail the operation
// that emitted it.
func (b *Bus) TryPublish(ctx context.Context, ev Event) {
	if err := b.Publish(ctx, ev); err != nil {
		b.log.Warn("event publish failed",
			"type", ev.Type,
			"org_id", ev.OrganizationID,
			"error", err)
	}
}

// Dropped reports how many events were lost to slow subscribers since
// the bus started.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscription is one subscriber's live event feed.
type Subscription struct {
	ID     string
	events chan Event
	cancel context.CancelFunc
	once   sync.Once
	sink   eventSink
}

// Events is the subscriber's channel. It closes when the subscription
// does.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

// Subscribe attaches a new subscriber to the tenant's stream. Each
// subscriber gets its own consumer group and therefore its own copy of
// every event. Passing types filters delivery to those event types. The
// subscription ends when ctx is canceled or Close is called.
func (b *Bus) Subscribe(ctx context.Context, orgID string, types ...Type) (*Subscription, error) {
	const op = "Subscribe"

	if orgID == "" {
		return nil, errs.New(errs.TenantMissing, component, op, "organization id is required")
	}

	stream, err := b.stream(orgID)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	id := "sub-" + uuid.NewString()[:8]
	sink, err := stream.NewSink(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, component, op, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:     id,
		events: make(chan Event, b.cfg.BufferSize),
		cancel: cancel,
		sink:   sink,
	}

	wanted := make(map[Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	go b.forward(subCtx, sub, wanted)
	return sub, nil
}

func (b *Bus) forward(ctx context.Context, sub *Subscription, wanted map[Type]bool) {
	defer close(sub.events)
	defer sub.sink.Close(context.Background())

	incoming := sub.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-incoming:
			if !ok {
				return
			}

			var ev Event
			if err := json.Unmarshal(raw.Payload, &ev); err != nil {
				b.log.Warn("dropping malformed event",
					"subscriber", sub.ID, "error", err)
			} else if len(wanted) == 0 || wanted[ev.Type] {
				ev.ID = raw.ID
				select {
				case sub.events <- ev:
				default:
					// Subscriber is full; the producer never waits.
					b.dropped.Add(1)
				}
			}

			if err := sub.sink.Ack(ctx, raw); err != nil && ctx.Err() == nil {
				b.log.Debug("event ack failed",
					"subscriber", sub.ID, "error", err)
			}
		}
	}
}
