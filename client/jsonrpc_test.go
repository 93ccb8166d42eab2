package client

import (
	"encoding/json"
	"testing"
)

func TestRPCIDMarshalsAsInteger(t *testing.T) {
	raw, err := json.Marshal(RPCID(42))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "42" {
		t.Fatalf("raw = %s, want 42", raw)
	}
}

func TestRPCIDUnmarshalAcceptsIntegerAndWholeFloat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want RPCID
	}{
		{"integer", "42", 42},
		{"whole float", "42.0", 42},
		{"zero", "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id RPCID
			if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
				t.Fatalf("unmarshal %s: %v", tt.in, err)
			}
			if id != tt.want {
				t.Fatalf("id = %v, want %v", id, tt.want)
			}
		})
	}
}

func TestRPCIDUnmarshalRejectsFractional(t *testing.T) {
	var id RPCID
	if err := json.Unmarshal([]byte("42.5"), &id); err == nil {
		t.Fatalf("expected error unmarshaling 42.5")
	}
}

func TestNextRPCIDIsMonotonic(t *testing.T) {
	a := nextRPCID()
	b := nextRPCID()
	if b <= a {
		t.Fatalf("ids not monotonic: a=%d b=%d", a, b)
	}
}

func TestRPCErrorImplementsError(t *testing.T) {
	e := &RPCError{Code: -32000, Message: "boom"}
	var err error = e
	if err.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestRPCEnvelopeDiscriminatesRequestVsResponse(t *testing.T) {
	var req rpcEnvelope
	if err := json.Unmarshal([]byte(`{"id":1,"jsonrpc":"2.0","method":"wc_pairingPing","params":{}}`), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if !req.isRequest() {
		t.Fatalf("expected request")
	}

	var resp rpcEnvelope
	if err := json.Unmarshal([]byte(`{"id":1,"jsonrpc":"2.0","result":true}`), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.isRequest() {
		t.Fatalf("expected response, not request")
	}
}
