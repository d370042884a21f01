package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEncode(t *testing.T) {
	msg, err := encode(PayoutSent, "payout-1", map[string]any{"amount": "100.00"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msg.Key) != "payout-1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != PayoutSent {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != PayoutSent || ev.Data["amount"] != "100.00" || ev.OccurredAt.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNewWithoutBrokersIsNop(t *testing.T) {
	p := New(Config{})
	if _, ok := p.(Nop); !ok {
		t.Fatalf("expected Nop publisher, got %T", p)
	}
	p.Publish(context.Background(), PaymentCompleted, "k", nil)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), DisputeResolved, "d-1", nil)
	r.Publish(context.Background(), DisputeResolved, "d-2", nil)
	r.Publish(context.Background(), PayoutFailed, "p-1", nil)
	if r.Count(DisputeResolved) != 2 || r.Count(PayoutFailed) != 1 {
		t.Fatalf("unexpected counts")
	}
}
