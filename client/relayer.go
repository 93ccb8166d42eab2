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

// RelayerMessage is an inbound publish, still encrypted: topic, opaque
// ciphertext, and the tag it was published with. The Message Handler
// is the layer that actually decrypts it.
type RelayerMessage struct {
	Topic   string
	Message string
	Tag     int
}

// PublishOptions configures a Publish call.
type PublishOptions struct {
	TTL    time.Duration
	Tag    int
	Prompt bool
}

// Relayer is the multiplexed JSON-RPC-over-WebSocket client: topic
// subscribe/publish/unsubscribe, request/response correlation, and
// inbound demux over the relay's fixed iridium_* method set. A
// worker.Worker pair runs the connection-event pump and the inbound
// consumer goroutine.
type Relayer struct {
	worker.Worker

	conn          *Connection
	subscriptions Store[string, SubscriptionRecord]
	dedupe        *Dedupe
	logger        *slog.Logger

	mu      sync.Mutex
	byTopic map[string]string // topic -> subscription id
	bySubID map[string]string // subscription id -> topic

	pendingMu sync.Mutex
	pending   map[RPCID]chan RPCResponse

	inbound  chan subscriptionData
	messages chan RelayerMessage

	sessionRequestTags map[int]bool
}

// NewRelayer constructs a Relayer. sessionRequestTags lists the tag
// values treated as "session request" tags: publishes using one of
// these tags are retried with exponential backoff up to their TTL
// deadline instead of surfacing the first failure.
func NewRelayer(conn *Connection, subscriptions Store[string, SubscriptionRecord], dedupe *Dedupe, sessionRequestTags []int, logger *slog.Logger) *Relayer {
	if logger == nil {
		logger = slog.Default()
	}
	tags := make(map[int]bool, len(sessionRequestTags))
	for _, t := range sessionRequestTags {
		tags[t] = true
	}
	return &Relayer{
		conn:               conn,
		subscriptions:      subscriptions,
		dedupe:             dedupe,
		logger:             logger.With("component", "relayer"),
		byTopic:            make(map[string]string),
		bySubID:            make(map[string]string),
		pending:            make(map[RPCID]chan RPCResponse),
		inbound:            make(chan subscriptionData, 256),
		messages:           make(chan RelayerMessage, 256),
		sessionRequestTags: tags,
	}
}

// Init loads the subscription registry and dedupe store, and
// rehydrates the in-memory topic/id indices from persisted records.
func (r *Relayer) Init(ctx context.Context) error {
	if err := r.subscriptions.Init(ctx); err != nil {
		return fmt.Errorf("init subscription store: %w", err)
	}
	if err := r.dedupe.Init(ctx); err != nil {
		return fmt.Errorf("init dedupe: %w", err)
	}
	records, err := r.subscriptions.Values(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, rec := range records {
		r.byTopic[rec.Topic] = rec.ID
		r.bySubID[rec.ID] = rec.Topic
	}
	r.mu.Unlock()
	return nil
}

// Start launches the connection-event pump and the single inbound
// consumer task. Call once, after Init.
func (r *Relayer) Start() {
	r.Go(r.pump)
	r.Go(r.consumeInbound)
}

// Halt stops both background goroutines and waits for them to return.
func (r *Relayer) Halt() {
	r.Worker.Halt()
}

// Messages returns the channel MessageReceived deliveries are sent
// on, one per non-duplicate inbound publish, in per-topic FIFO order.
func (r *Relayer) Messages() <-chan RelayerMessage {
	return r.messages
}

// Subscribe sends iridium_subscribe and records the returned
// subscription id against topic.
func (r *Relayer) Subscribe(ctx context.Context, topic string, relay Relay) error {
	result, err := r.sendRPC(ctx, MethodIridiumSubscribe, subscribeParams{Topic: topic}, DefaultSubscribeTimeout)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return fmt.Errorf("parse subscribe result for %s: %w", topic, err)
	}

	if _, err := r.subscriptions.Update(ctx, topic, func(current SubscriptionRecord, existed bool) SubscriptionRecord {
		return SubscriptionRecord{ID: subID, Topic: topic, Relay: relay}
	}); err != nil {
		return err
	}
	r.mu.Lock()
	r.byTopic[topic] = subID
	r.bySubID[subID] = topic
	r.mu.Unlock()
	return nil
}

// Unsubscribe sends iridium_unsubscribe for topic's stored
// subscription id and removes the registry entry. A no-op if topic
// has no subscription.
func (r *Relayer) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	subID, ok := r.byTopic[topic]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := r.sendRPC(ctx, MethodIridiumUnsubscribe, unsubscribeParams{ID: subID, Topic: topic}, DefaultSubscribeTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	r.mu.Lock()
	delete(r.byTopic, topic)
	delete(r.bySubID, subID)
	r.mu.Unlock()
	return r.subscriptions.Delete(ctx, topic, "unsubscribed")
}

// Publish sends iridium_publish and returns once the relay
// acknowledges. Publishes tagged with a configured session-request
// tag are retried with exponential backoff (capped at 30s) until
// opts.TTL elapses; other tags surface the first failure.
func (r *Relayer) Publish(ctx context.Context, topic string, message string, opts PublishOptions) error {
	if opts.TTL <= 0 {
		opts.TTL = DefaultPublishTTL
	}
	deadline := time.Now().Add(opts.TTL)
	backoff := 250 * time.Millisecond

	params := publishParams{
		Topic:   topic,
		Message: message,
		TTL:     int64(opts.TTL.Seconds()),
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	}
	for {
		_, err := r.sendRPC(ctx, MethodIridiumPublish, params, DefaultSubscribeTimeout)
		if err == nil {
			return nil
		}
		if !r.sessionRequestTags[opts.Tag] || time.Now().After(deadline) {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// sendRPC sends method/params as a request and waits up to timeout
// for the correlated response.
func (r *Relayer) sendRPC(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	req, err := newRPCRequest(method, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	waiter := make(chan RPCResponse, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = waiter
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.ID)
		r.pendingMu.Unlock()
	}()

	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := r.conn.Send(int64(req.ID), string(raw)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("rpc %s: %w", method, ErrTimeout)
	case resp := <-waiter:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (r *Relayer) ensureConnected(ctx context.Context) error {
	if r.conn.State() == ConnectionOpen {
		return nil
	}
	return r.conn.Open(ctx)
}

// resubscribeAll re-establishes every persisted subscription on every
// reconnect.
func (r *Relayer) resubscribeAll(ctx context.Context) error {
	records, err := r.subscriptions.Values(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := r.Subscribe(ctx, rec.Topic, rec.Relay); err != nil {
			r.logger.Error("resubscribe failed", "topic", rec.Topic, "error", err)
		}
	}
	return nil
}

// pump is the single task that owns the Connection's event stream:
// dispatch payloads, and drive reconnection (with resubscribe) on
// close.
func (r *Relayer) pump() {
	if err := r.ensureConnected(context.Background()); err != nil {
		r.logger.Error("initial connect failed", "error", err)
	}
	backoff := time.Second
	for {
		select {
		case <-r.HaltCh():
			return
		case ev := <-r.conn.Events():
			switch ev.Kind {
			case EventPayloadReceived:
				r.handlePayload(ev.Payload)
			case EventErrorReceived:
				r.logger.Warn("connection error", "error", ev.Err)
			case EventClosed:
				r.logger.Info("connection closed, reconnecting")
				r.reconnectWithBackoff(&backoff)
			}
		}
	}
}

func (r *Relayer) reconnectWithBackoff(backoff *time.Duration) {
	for {
		select {
		case <-r.HaltCh():
			return
		case <-time.After(*backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultOpenTimeout)
		err := r.conn.Open(ctx)
		cancel()
		if err == nil {
			*backoff = time.Second
			if err := r.resubscribeAll(context.Background()); err != nil {
				r.logger.Error("resubscribe after reconnect failed", "error", err)
			}
			return
		}
		r.logger.Warn("reconnect attempt failed", "error", err)
		*backoff *= 2
		if *backoff > 30*time.Second {
			*backoff = 30 * time.Second
		}
	}
}

// handlePayload discriminates an inbound relay frame as a request
// (iridium_subscription notification) or a response to a pending RPC.
func (r *Relayer) handlePayload(payload string) {
	var env rpcEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("dropping malformed relay frame", "error", err)
		return
	}

	if env.isRequest() {
		if env.Method != MethodIridiumSubscription {
			r.logger.Warn("dropping unexpected inbound method", "method", env.Method)
			return
		}
		var params subscriptionParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			r.logger.Warn("dropping malformed subscription notification", "error", err)
			return
		}
		r.demuxSubscription(params)

		ack, err := newRPCResult(env.ID, true)
		if err == nil {
			if raw, err := json.Marshal(ack); err == nil {
				_ = r.conn.Send(int64(env.ID), string(raw))
			}
		}
		return
	}

	r.pendingMu.Lock()
	waiter, ok := r.pending[env.ID]
	r.pendingMu.Unlock()
	if !ok {
		r.logger.Debug("dropping orphan rpc response", "id", env.ID)
		return
	}
	select {
	case waiter <- RPCResponse{ID: env.ID, Result: env.Result, Error: env.Error}:
	default:
	}
}

func (r *Relayer) demuxSubscription(params subscriptionParams) {
	r.mu.Lock()
	topic, ok := r.bySubID[params.ID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping subscription notification for unknown id", "id", params.ID)
		return
	}
	if topic != params.Data.Topic {
		r.logger.Warn("subscription topic mismatch", "expected", topic, "got", params.Data.Topic)
		return
	}
	select {
	case r.inbound <- params.Data:
	case <-r.HaltCh():
	}
}

// consumeInbound is the single consumer task preserving per-topic
// FIFO ordering for inbound messages.
func (r *Relayer) consumeInbound() {
	ctx := context.Background()
	for {
		select {
		case <-r.HaltCh():
			return
		case data := <-r.inbound:
			dup, err := r.dedupe.SeenRecently(ctx, data.Topic, data.Message)
			if err != nil {
				r.logger.Error("dedupe check failed", "error", err)
			}
			if dup {
				continue
			}
			select {
			case r.messages <- RelayerMessage{Topic: data.Topic, Message: data.Message, Tag: data.Tag}:
			case <-r.HaltCh():
				return
			}
		}
	}
}
