package event

import (
	"testing"
	"time"
)

func TestDecodeTextDelta(t *testing.T) {
	raw := []byte(`{"kind":"text.delta","sequenceNumber":3,"timestamp":"2026-02-01T10:00:00Z","payload":{"threadId":"t1","messageId":"m1","partId":"p1","delta":"Hel"}}`)

	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ev.Kind != KindTextDelta {
		t.Fatalf("Kind = %q, want text.delta", ev.Kind)
	}
	if ev.Seq != 3 {
		t.Fatalf("Seq = %d, want 3", ev.Seq)
	}
	if ev.ThreadID != "t1" {
		t.Fatalf("ThreadID = %q, want t1", ev.ThreadID)
	}
	p, ok := ev.Payload.(TextDelta)
	if !ok {
		t.Fatalf("Payload type = %T, want TextDelta", ev.Payload)
	}
	if p.Delta != "Hel" || p.MessageID != "m1" || p.PartID != "p1" {
		t.Fatalf("payload = %+v", p)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("Timestamp is zero")
	}
}

func TestDecodeSeqAsString(t *testing.T) {
	raw := []byte(`{"kind":"run.started","sequenceNumber":"0","payload":{"threadId":"t1","messageId":"m1","name":"helper","scope":"agent"}}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ev.Seq != 0 {
		t.Fatalf("Seq = %d, want 0", ev.Seq)
	}
}

func TestDecodeEpochMillisTimestamp(t *testing.T) {
	raw := []byte(`{"kind":"usage.updated","sequenceNumber":9,"timestamp":1769900000000,"payload":{"threadId":"t1","inputTokens":10,"outputTokens":4}}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	want := time.UnixMilli(1769900000000).UTC()
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"kind":"made.up","sequenceNumber":1,"payload":{"threadId":"t1"}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("Decode accepted unknown kind")
	}
}

func TestDecodeRejectsMissingSeq(t *testing.T) {
	raw := []byte(`{"kind":"text.delta","payload":{"threadId":"t1"}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("Decode accepted record without sequenceNumber")
	}
}

func TestDecodeRejectsNegativeSeq(t *testing.T) {
	raw := []byte(`{"kind":"text.delta","sequenceNumber":-1,"payload":{"threadId":"t1"}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("Decode accepted negative sequenceNumber")
	}
}

func TestDecodeRejectsMissingThreadID(t *testing.T) {
	raw := []byte(`{"kind":"text.delta","sequenceNumber":1,"payload":{"messageId":"m1","partId":"p1","delta":"x"}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("Decode accepted payload without threadId")
	}
}

func TestDecodeGarbageBytes(t *testing.T) {
	if _, err := Decode([]byte(`{{{{`)); err == nil {
		t.Fatal("Decode accepted garbage input")
	}
}

func TestDecodeErrorRecoverableDefaults(t *testing.T) {
	ev, err := Decode([]byte(`{"kind":"error","sequenceNumber":4,"payload":{"threadId":"t1","messageId":"m1","message":"boom"}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if p := ev.Payload.(RunError); !p.Recoverable {
		t.Fatal("error event: Recoverable = false, want default true")
	}

	ev, err = Decode([]byte(`{"kind":"run.failed","sequenceNumber":5,"payload":{"threadId":"t1","messageId":"m1","message":"fatal"}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if p := ev.Payload.(RunError); p.Recoverable {
		t.Fatal("run.failed event: Recoverable = true, want default false")
	}
}

func TestDecodeErrorExplicitRecoverableWins(t *testing.T) {
	ev, err := Decode([]byte(`{"kind":"error","sequenceNumber":4,"payload":{"threadId":"t1","message":"boom","recoverable":false}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if p := ev.Payload.(RunError); p.Recoverable {
		t.Fatal("explicit recoverable=false was overridden")
	}
}

func TestDecodeHITLRequested(t *testing.T) {
	raw := []byte(`{"kind":"hitl.requested","sequenceNumber":6,"payload":{"threadId":"t1","messageId":"m1","partId":"h1","toolCalls":[{"id":"tc1","toolName":"send_email","input":{"to":"a@b.c"}}]}}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	p := ev.Payload.(HITLRequested)
	if p.PartID != "h1" || len(p.ToolCalls) != 1 || p.ToolCalls[0].ToolName != "send_email" {
		t.Fatalf("payload = %+v", p)
	}
}
