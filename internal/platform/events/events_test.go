package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleEvent() RecordEvent {
	at := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	return RecordEvent{
		Type:       TypeRecordCreated,
		RecordID:   "rec-1",
		PatientID:  "patient-1",
		Status:     "critical",
		RecordType: "resting",
		CapturedAt: at,
		OccurredAt: at,
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "ecg.records", zerolog.Nop())

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "patient-1" {
		t.Errorf("expected key patient-1, got %s", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeRecordCreated {
		t.Errorf("unexpected headers %+v", msg.Headers)
	}
	var got RecordEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RecordID != "rec-1" || got.Status != "critical" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	broker := errors.New("broker down")
	p := newKafkaPublisher(&fakeWriter{err: broker}, "ecg.records", zerolog.Nop())

	err := p.Publish(context.Background(), sampleEvent())
	if !errors.Is(err, broker) {
		t.Errorf("expected wrapped broker error, got %v", err)
	}
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "ecg.records", zerolog.Nop())
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.closed {
		t.Error("expected writer to be closed")
	}
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, zerolog.Nop()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop()); err == nil {
		t.Error("expected error without topic")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.topic != "t" {
		t.Errorf("unexpected topic %s", p.topic)
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
