package wire

import (
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	env, err := New("order.created", map[string]any{"orderId": 42})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if env.Type != "order.created" {
		t.Errorf("Type = %q, want %q", env.Type, "order.created")
	}
	if env.Timestamp == 0 {
		t.Error("expected Timestamp to be set")
	}

	var payload map[string]int
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["orderId"] != 42 {
		t.Errorf("payload orderId = %d, want 42", payload["orderId"])
	}
}

func TestNew_EmptyType(t *testing.T) {
	if _, err := New("", nil); err != ErrEmptyType {
		t.Errorf("expected ErrEmptyType, got %v", err)
	}
}

func TestJSONCodec_Decode(t *testing.T) {
	codec := JSONCodec{}

	raw := []byte(`{"id":"req-1","type":"response","success":false,"error":{"code":"denied","message":"no access"},"requestId":"req-1"}`)
	env, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !env.IsResponse() {
		t.Error("expected IsResponse to be true")
	}
	if !env.Failed() {
		t.Error("expected Failed to be true")
	}
	if env.Error.Code != "denied" {
		t.Errorf("Error.Code = %q, want %q", env.Error.Code, "denied")
	}
}

func TestJSONCodec_DecodeMissingType(t *testing.T) {
	codec := JSONCodec{}
	if _, err := codec.Decode([]byte(`{"data":{"x":1}}`)); err != ErrEmptyType {
		t.Errorf("expected ErrEmptyType, got %v", err)
	}
}

func TestJSONCodec_DecodeInvalidJSON(t *testing.T) {
	codec := JSONCodec{}
	if _, err := codec.Decode([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestEnvelope_IsHeartbeat(t *testing.T) {
	tests := []struct {
		msgType string
		want    bool
	}{
		{TypePing, true},
		{TypePong, true},
		{TypeSubscribe, false},
		{"chat.message", false},
	}

	for _, tt := range tests {
		env := &Envelope{Type: tt.msgType}
		if got := env.IsHeartbeat(); got != tt.want {
			t.Errorf("IsHeartbeat(%q) = %v, want %v", tt.msgType, got, tt.want)
		}
	}
}
