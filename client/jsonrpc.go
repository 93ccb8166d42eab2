package client

import (
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// RPCID is a JSON-RPC request/response id. Some peer implementations
// emit ids as floating-point numbers with a zero fractional part, so
// UnmarshalJSON accepts either encoding while MarshalJSON always
// writes a plain integer.
type RPCID int64

func (id RPCID) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(id))
}

func (id *RPCID) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("rpc id: %w", err)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("rpc id %v has a nonzero fractional part", f)
	}
	*id = RPCID(int64(f))
	return nil
}

var rpcIDSeq atomic.Int64

func init() {
	rpcIDSeq.Store(time.Now().UnixNano())
}

// nextRPCID returns a process-lifetime-unique, monotonically
// increasing request id.
func nextRPCID() RPCID {
	return RPCID(rpcIDSeq.Add(1))
}

// RPCRequest is an outbound or inbound JSON-RPC request/notification.
type RPCRequest struct {
	ID      RPCID           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC response: exactly one of Result/Error is set.
type RPCResponse struct {
	ID      RPCID           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcEnvelope is used only to discriminate an inbound frame as a
// request (has "method") or a response (has "result" or "error")
// before fully unmarshaling into the corresponding concrete type.
type rpcEnvelope struct {
	ID      RPCID           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (e rpcEnvelope) isRequest() bool {
	return e.Method != ""
}

// newRPCRequest builds a request frame with params marshaled to JSON
// and a fresh, monotonic id.
func newRPCRequest(method string, params interface{}) (RPCRequest, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return RPCRequest{}, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return RPCRequest{
		ID:      nextRPCID(),
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

func newRPCResult(id RPCID, result interface{}) (RPCResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return RPCResponse{}, fmt.Errorf("marshal result for id %d: %w", id, err)
	}
	return RPCResponse{ID: id, JSONRPC: JSONRPCVersion, Result: raw}, nil
}

func newRPCError(id RPCID, code int, message string) RPCResponse {
	return RPCResponse{ID: id, JSONRPC: JSONRPCVersion, Error: &RPCError{Code: code, Message: message}}
}

// Relay wire payloads.

type subscribeParams struct {
	Topic string `json:"topic"`
}

type unsubscribeParams struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt,omitempty"`
}

type subscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	PublishedAt int64  `json:"publishedAt"`
	Tag         int    `json:"tag"`
}

type subscriptionParams struct {
	ID   string           `json:"id"`
	Data subscriptionData `json:"data"`
}
