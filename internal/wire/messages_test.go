package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeInboundValidatesFrames(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"Operation","sessionId":"s1","clientSeq":3,"basedOnRevision":2,"payloadDelta":{"slot":1}}`))
	if err != nil {
		t.Fatalf("decode operation: %v", err)
	}
	if msg.Type != TypeOperation || msg.ClientSeq != 3 || msg.BasedOnRevision != 2 || string(msg.PayloadDelta) != `{"slot":1}` {
		t.Fatalf("unexpected operation: %+v", msg)
	}

	cases := map[string]string{
		"not json":      `{"type":`,
		"missing type":  `{"revision":1}`,
		"unknown type":  `{"type":"teleport"}`,
		"missing delta": `{"type":"operation","clientSeq":1}`,
		"missing seq":   `{"type":"operation","payloadDelta":{}}`,
	}
	for name, raw := range cases {
		if _, err := DecodeInbound([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
	if msg, err := DecodeInbound([]byte(`{"type":"ack","revision":9}`)); err != nil || msg.Revision != 9 {
		t.Fatalf("unexpected ack decode: %+v %v", msg, err)
	}
}

func TestEncodeOmitsUnusedFields(t *testing.T) {
	data, err := Encode(Outbound{Type: TypeStateDelta, SessionID: "s1", Revision: 4, Payload: json.RawMessage(`{"slot":2}`), Author: "p1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := string(data)
	if got != `{"type":"state_delta","sessionId":"s1","revision":4,"payload":{"slot":2},"author":"p1"}` {
		t.Fatalf("unexpected frame: %s", got)
	}
	if strings.Contains(got, "participants") {
		t.Fatalf("expected participants to be omitted: %s", got)
	}
	if _, err := Encode(Outbound{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error for missing type")
	}
}
