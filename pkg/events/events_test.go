package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/sibyldev/sibyl/pkg/config"
	"github.com/sibyldev/sibyl/pkg/errs"
)

type fakeStream struct {
	mu    sync.Mutex
	name  string
	added []addedEvent
	sinks []*fakeSink
	seq   int
}

type addedEvent struct {
	event   string
	payload []byte
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	f.added = append(f.added, addedEvent{event: event, payload: payload})
	for _, sink := range f.sinks {
		sink.ch <- &streaming.Event{ID: id, EventName: event, Payload: payload}
	}
	return id, nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (eventSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sink := &fakeSink{ch: make(chan *streaming.Event, 32)}
	f.sinks = append(f.sinks, sink)
	return sink, nil
}

type fakeSink struct {
	ch     chan *streaming.Event
	mu     sync.Mutex
	acked  int
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(ctx context.Context, ev *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeSink) Close(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *fakeSink) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked
}

func newTestBus(t *testing.T, cfg config.EventsConfig) (*Bus, map[string]*fakeStream) {
	t.Helper()

	cfg.SetDefaults()
	streams := make(map[string]*fakeStream)
	var mu sync.Mutex

	bus := &Bus{
		cfg: cfg,
		log: slog.Default(),
		open: func(name string) (eventStream, error) {
			mu.Lock()
			defer mu.Unlock()
			fs := &fakeStream{name: name}
			streams[name] = fs
			return fs, nil
		},
		streams: make(map[string]eventStream),
	}
	return bus, streams
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBus_PublishScopesStreamsByTenant(t *testing.T) {
	ctx := context.Background()
	bus, streams := newTestBus(t, config.EventsConfig{})

	if err := bus.Publish(ctx, EntityCreated("org-a", "task_11112222", "task", "Fix login", "")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := bus.Publish(ctx, EntityCreated("org-b", "task_33334444", "task", "Other tenant", "")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	a, ok := streams["sibyl:events:org-a"]
	if !ok {
		t.Fatalf("expected stream for org-a, got %v", streams)
	}
	if len(a.added) != 1 {
		t.Fatalf("org-a stream has %d events, want 1", len(a.added))
	}
	if a.added[0].event != string(TypeEntityCreated) {
		t.Fatalf("event name = %s, want entity_created", a.added[0].event)
	}

	var ev Event
	if err := json.Unmarshal(a.added[0].payload, &ev); err != nil {
		t.Fatalf("payload decode error: %v", err)
	}
	if ev.OrganizationID != "org-a" || ev.Payload["name"] != "Fix login" {
		t.Fatalf("payload round trip = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected publish to stamp the event")
	}

	if b := streams["sibyl:events:org-b"]; b == nil || len(b.added) != 1 {
		t.Fatal("expected a separate stream for org-b")
	}
}

func TestBus_Publish_Validation(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, config.EventsConfig{})

	err := bus.Publish(ctx, Event{Type: TypeCrawlStarted})
	if !errs.IsKind(err, errs.TenantMissing) {
		t.Fatalf("missing org = %v, want TenantMissing", err)
	}

	err = bus.Publish(ctx, Event{OrganizationID: "org-a"})
	if !errs.IsKind(err, errs.ValidationError) {
		t.Fatalf("missing type = %v, want ValidationError", err)
	}
}

func TestBus_SubscribeReceivesPublished(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, config.EventsConfig{})

	sub, err := bus.Subscribe(ctx, "org-a")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, CrawlStarted("org-a", "src_aaaa1111", "Docs", 100)); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != TypeCrawlStarted {
			t.Fatalf("received type %s, want crawl_started", ev.Type)
		}
		if ev.ID == "" {
			t.Fatal("expected the stream id on delivered events")
		}
		if ev.Payload["source_name"] != "Docs" {
			t.Fatalf("payload = %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeFiltersTypes(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t, config.EventsConfig{})

	sub, err := bus.Subscribe(ctx, "org-a", TypeCrawlComplete)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, CrawlStarted("org-a", "src_aaaa1111", "Docs", 100)); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := bus.Publish(ctx, CrawlComplete("org-a", "src_aaaa1111", 10, 40, time.Second, "")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != TypeCrawlComplete {
			t.Fatalf("filter leaked a %s event", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestBus_SlowSubscriberLosesEventsNotProducer(t *testing.T) {
	ctx := context.Background()
	bus, streams := newTestBus(t, config.EventsConfig{BufferSize: 1})

	sub, err := bus.Subscribe(ctx, "org-a")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, CrawlProgress("org-a", "src_aaaa1111", i, i*4, 1, 0)); err != nil {
			t.Fatalf("Publish() %d error: %v", i, err)
		}
	}

	sink := streams["sibyl:events:org-a"].sinks[0]
	waitFor(t, "all events acked", func() bool { return sink.ackedCount() == 3 })

	if got := bus.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if got := len(sub.events); got != 1 {
		t.Fatalf("subscriber buffer holds %d, want 1", got)
	}
}

func TestBus_CloseEndsSubscription(t *testing.T) {
	ctx := context.Background()
	bus, streams := newTestBus(t, config.EventsConfig{})

	sub, err := bus.Subscribe(ctx, "org-a")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	sub.Close()

	select {
	case _, open := <-sub.Events():
		if open {
			t.Fatal("expected no events after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}

	sink := streams["sibyl:events:org-a"].sinks[0]
	waitFor(t, "sink close", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed
	})
}

func TestBus_Subscribe_RequiresTenant(t *testing.T) {
	bus, _ := newTestBus(t, config.EventsConfig{})
	if _, err := bus.Subscribe(context.Background(), ""); !errs.IsKind(err, errs.TenantMissing) {
		t.Fatalf("Subscribe(\"\") = %v, want TenantMissing", err)
	}
}

func TestCrawlComplete_TruncatesError(t *testing.T) {
	long := strings.Repeat("x", 1000)
	ev := CrawlComplete("org-a", "src_aaaa1111", 1, 2, time.Second, long)

	msg, _ := ev.Payload["error"].(string)
	if len(msg) != maxErrorChars+3 {
		t.Fatalf("error length = %d, want %d", len(msg), maxErrorChars+3)
	}
	if !strings.HasSuffix(msg, "...") {
		t.Fatalf("truncated error should end with ellipsis: %q", msg[len(msg)-8:])
	}
	if ev.Payload["success"] != false {
		t.Fatal("expected success=false when an error is carried")
	}

	ok := CrawlComplete("org-a", "src_aaaa1111", 1, 2, time.Second, "")
	if _, present := ok.Payload["error"]; present {
		t.Fatal("successful completion should not carry an error key")
	}
	if ok.Payload["success"] != true {
		t.Fatal("expected success=true without an error")
	}
}

func TestEventConstructors(t *testing.T) {
	sync := CrawlSyncComplete("org-a", "src_aaaa1111", 5, 20, "crawling", "completed")
	if sync.Payload["status_from"] != "crawling" || sync.Payload["status_to"] != "completed" {
		t.Fatalf("sync payload = %v", sync.Payload)
	}

	same := CrawlSyncComplete("org-a", "src_aaaa1111", 5, 20, "completed", "completed")
	if _, present := same.Payload["status_from"]; present {
		t.Fatal("unchanged status should not be reported")
	}

	upd := EntityUpdated("org-a", "task_11112222", "task", []string{"status"})
	fields, ok := upd.Payload["changed_fields"].([]string)
	if !ok || len(fields) != 1 || fields[0] != "status" {
		t.Fatalf("changed fields = %v", upd.Payload["changed_fields"])
	}

	det := CommunitiesDetected("org-a", 40, 95, 3, 12, 9)
	if det.Type != TypeCommunitiesDetected {
		t.Fatalf("detection event type = %s", det.Type)
	}
	if det.Payload["communities"] != 12 || det.Payload["levels"] != 3 || det.Payload["removed"] != 9 {
		t.Fatalf("detection payload = %v", det.Payload)
	}
}
