package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/katzenpost/core/worker"
)

type requestHandlerFunc func(ctx context.Context, topic string, id RPCID, params json.RawMessage)
type responseHandlerFunc func(ctx context.Context, topic string, id RPCID, result json.RawMessage, rpcErr *RPCError)

type methodConfig struct {
	Tag int
	TTL time.Duration
}

// DisposeFunc removes a HandleMessageType registration.
type DisposeFunc func()

// MessageHandler decrypts inbound relay messages, discriminates
// JSON-RPC requests from responses, and dispatches to registered
// typed handlers or to SendRequest/WaitForResponse waiters. It runs
// its dispatch loop on the same worker.Worker pattern as Relayer and
// Expirer.
//
// Go has no generic methods, so HandleMessageType/SendRequest/
// WaitForResponse are package-level generic functions taking
// *MessageHandler, rather than methods on it.
type MessageHandler struct {
	worker.Worker

	crypto  *Crypto
	relayer *Relayer
	logger  *slog.Logger

	mu                sync.Mutex
	requestHandlers   map[string]requestHandlerFunc
	responseHandlers  map[string]responseHandlerFunc
	methodConfigs     map[string]methodConfig

	pendingMu     sync.Mutex
	pending       map[RPCID]chan RPCResponse
	pendingMethod map[RPCID]string
}

// NewMessageHandler constructs a MessageHandler. crypto is used to
// encrypt outgoing and decrypt incoming envelopes; relayer supplies
// the underlying publish/subscribe transport.
func NewMessageHandler(crypto *Crypto, relayer *Relayer, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{
		crypto:            crypto,
		relayer:           relayer,
		logger:            logger.With("component", "message_handler"),
		requestHandlers:   make(map[string]requestHandlerFunc),
		responseHandlers:  make(map[string]responseHandlerFunc),
		methodConfigs:     make(map[string]methodConfig),
		pending:           make(map[RPCID]chan RPCResponse),
		pendingMethod:     make(map[RPCID]string),
	}
}

// RegisterMethodConfig pins the tag/TTL a method's outbound publishes
// use. Methods with no registered config default to tag 0 and
// DefaultPublishTTL.
func (h *MessageHandler) RegisterMethodConfig(method string, tag int, ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methodConfigs[method] = methodConfig{Tag: tag, TTL: ttl}
}

func (h *MessageHandler) methodConfigFor(method string) methodConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cfg, ok := h.methodConfigs[method]; ok {
		return cfg
	}
	return methodConfig{Tag: 0, TTL: DefaultPublishTTL}
}

// Start launches the dispatch loop consuming relayer.Messages(). Call
// once, after the Relayer itself has been started.
func (h *MessageHandler) Start() {
	h.Go(h.dispatchLoop)
}

// Halt stops the dispatch loop and waits for it to return.
func (h *MessageHandler) Halt() {
	h.Worker.Halt()
}

// HandleMessageType registers typed request and response handlers for
// method, returning a disposal token that removes both.
// onRequest is invoked for inbound JSON-RPC requests carrying method;
// onResponse is invoked for inbound responses to requests previously
// sent via SendRequest with the same method (in addition to, not
// instead of, resolving any WaitForResponse waiter for that id).
func HandleMessageType[TReq any, TRes any](
	h *MessageHandler,
	method string,
	onRequest func(ctx context.Context, topic string, id RPCID, req TReq),
	onResponse func(ctx context.Context, topic string, id RPCID, res TRes, err error),
) DisposeFunc {
	h.mu.Lock()
	if onRequest != nil {
		h.requestHandlers[method] = func(ctx context.Context, topic string, id RPCID, params json.RawMessage) {
			var req TReq
			if err := json.Unmarshal(params, &req); err != nil {
				h.logger.Warn("dropping malformed request params", "method", method, "error", err)
				return
			}
			onRequest(ctx, topic, id, req)
		}
	}
	if onResponse != nil {
		h.responseHandlers[method] = func(ctx context.Context, topic string, id RPCID, result json.RawMessage, rpcErr *RPCError) {
			var res TRes
			var err error
			if rpcErr != nil {
				err = rpcErr
			} else if len(result) > 0 {
				err = json.Unmarshal(result, &res)
			}
			onResponse(ctx, topic, id, res, err)
		}
	}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.requestHandlers, method)
		delete(h.responseHandlers, method)
		h.mu.Unlock()
	}
}

// SendRequest allocates a fresh id, envelope-encrypts {method, params}
// under topic, publishes it with method's registered tag/TTL, and
// returns the id for a paired WaitForResponse call.
func SendRequest[TReq any](ctx context.Context, h *MessageHandler, topic string, method string, params TReq) (RPCID, error) {
	req, err := newRPCRequest(method, params)
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	encoded, err := h.crypto.Encode(ctx, topic, string(raw), EnvelopeTypeSym, "")
	if err != nil {
		return 0, err
	}

	h.pendingMu.Lock()
	h.pendingMethod[req.ID] = method
	h.pendingMu.Unlock()

	cfg := h.methodConfigFor(method)
	if err := h.relayer.Publish(ctx, topic, encoded, PublishOptions{TTL: cfg.TTL, Tag: cfg.Tag}); err != nil {
		h.pendingMu.Lock()
		delete(h.pendingMethod, req.ID)
		h.pendingMu.Unlock()
		return 0, err
	}
	return req.ID, nil
}

// WaitForResponse awaits the response correlated to id, previously
// returned by SendRequest, up to timeout (<=0 selects
// DefaultRequestTimeout).
func WaitForResponse[TRes any](ctx context.Context, h *MessageHandler, id RPCID, timeout time.Duration) (TRes, error) {
	var zero TRes
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	waiter := make(chan RPCResponse, 1)
	h.pendingMu.Lock()
	h.pending[id] = waiter
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		delete(h.pendingMethod, id)
		h.pendingMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, ErrTimeout
	case resp := <-waiter:
		if resp.Error != nil {
			return zero, resp.Error
		}
		var res TRes
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &res); err != nil {
				return zero, fmt.Errorf("parse response: %w", err)
			}
		}
		return res, nil
	}
}

// SendResult replies to request id on topic with result, a symmetric
// counterpart to SendRequest that never allocates a new id.
func (h *MessageHandler) SendResult(ctx context.Context, id RPCID, topic string, method string, result interface{}) error {
	resp, err := newRPCResult(id, result)
	if err != nil {
		return err
	}
	return h.publishResponse(ctx, topic, method, resp)
}

// SendError replies to request id on topic with a JSON-RPC error.
func (h *MessageHandler) SendError(ctx context.Context, id RPCID, topic string, method string, code int, message string) error {
	return h.publishResponse(ctx, topic, method, newRPCError(id, code, message))
}

func (h *MessageHandler) publishResponse(ctx context.Context, topic string, method string, resp RPCResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	encoded, err := h.crypto.Encode(ctx, topic, string(raw), EnvelopeTypeSym, "")
	if err != nil {
		return err
	}
	cfg := h.methodConfigFor(method)
	return h.relayer.Publish(ctx, topic, encoded, PublishOptions{TTL: cfg.TTL, Tag: cfg.Tag})
}

func (h *MessageHandler) dispatchLoop() {
	ctx := context.Background()
	for {
		select {
		case <-h.HaltCh():
			return
		case msg := <-h.relayer.Messages():
			h.handleMessage(ctx, msg)
		}
	}
}

func (h *MessageHandler) handleMessage(ctx context.Context, msg RelayerMessage) {
	plaintext, err := h.crypto.Decode(ctx, msg.Topic, msg.Message)
	if err != nil {
		h.logger.Warn("dropping undecryptable message", "topic", msg.Topic, "error", err)
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil {
		h.logger.Warn("dropping malformed decrypted payload", "topic", msg.Topic, "error", err)
		return
	}

	if env.isRequest() {
		h.mu.Lock()
		handler, ok := h.requestHandlers[env.Method]
		h.mu.Unlock()
		if !ok {
			h.logger.Debug("no handler registered for method", "method", env.Method, "topic", msg.Topic)
			return
		}
		handler(ctx, msg.Topic, env.ID, env.Params)
		return
	}

	h.pendingMu.Lock()
	waiter, waiting := h.pending[env.ID]
	method := h.pendingMethod[env.ID]
	h.pendingMu.Unlock()

	if waiting {
		select {
		case waiter <- RPCResponse{ID: env.ID, Result: env.Result, Error: env.Error}:
		default:
		}
	}
	if method != "" {
		h.mu.Lock()
		respHandler, ok := h.responseHandlers[method]
		h.mu.Unlock()
		if ok {
			respHandler(ctx, msg.Topic, env.ID, env.Result, env.Error)
		}
	}
	if !waiting && method == "" {
		h.logger.Debug("dropping orphan response", "id", env.ID, "topic", msg.Topic)
	}
}
