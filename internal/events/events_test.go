package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func closePublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublisher_FansOutInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	failing := &recordingSink{name: "failing", err: errors.New("broker down")}
	ok := &recordingSink{name: "ok"}
	p := NewPublisher(zap.NewNop(), 16, failing, ok)
	p.Start()

	for _, typ := range []Type{TypeIssueCreated, TypeDecisionMade, TypeExecutionFinished} {
		ev := New(typ, time.Now())
		ev.IssueID = "issue-1"
		p.Publish(ev)
	}
	closePublisher(t, p)

	if failing.count() != 3 || ok.count() != 3 {
		t.Fatalf("expected every sink to see 3 events, got %d and %d", failing.count(), ok.count())
	}
	if ok.events[0].Type != TypeIssueCreated || ok.events[2].Type != TypeExecutionFinished {
		t.Errorf("events delivered out of order: %v", ok.events)
	}
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{name: "sink"}
	p := NewPublisher(zap.NewNop(), 1, sink)
	// not started, so the buffer fills
	p.Publish(New(TypeIssueCreated, time.Now()))
	p.Publish(New(TypeIssueCreated, time.Now()))

	if p.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", p.Dropped())
	}

	p.Start()
	closePublisher(t, p)
	if sink.count() != 1 {
		t.Errorf("expected buffered event to be delivered on close, got %d", sink.count())
	}

	// publishing after close is a no-op
	p.Publish(New(TypeIssueCreated, time.Now()))
}

func TestEvent_Key(t *testing.T) {
	ev := New(TypeIssueCreated, time.Now())
	if ev.Key() != ev.ID {
		t.Error("expected event id as key without issue")
	}
	ev.IssueID = "issue-9"
	if ev.Key() != "issue-9" {
		t.Error("expected issue id as key")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "autopilot.events"}

	ev := New(TypeIssueEscalated, time.Now())
	ev.IssueID = "issue-3"
	ev.Summary = "critical service affected"
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "issue-3" {
		t.Errorf("expected key issue-3, got %s", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded.Type != TypeIssueEscalated || decoded.Summary != ev.Summary {
		t.Errorf("decoded = %+v", decoded)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(TypeIssueEscalated) {
		t.Errorf("unexpected headers %v", msg.Headers)
	}

	w.err = errors.New("leader not available")
	if err := sink.Publish(context.Background(), ev); err == nil {
		t.Error("expected writer error to surface")
	}
}

func TestLogSink_Publish(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	ev := New(TypeStageChanged, time.Now())
	ev.Stage = "review"
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if sink.Name() != "log" {
		t.Errorf("unexpected name %s", sink.Name())
	}
}
