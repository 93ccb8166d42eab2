package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelayServer is a minimal single-connection stand-in for a relay:
// it answers iridium_subscribe/unsubscribe/publish and loops every
// published message back to its own topic's current subscriber, so a
// single Core can exercise the full encrypted request/response round
// trip against itself (self-ping, self-delete).
type fakeRelayServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]string
	subSeq int
}

func newFakeRelayServer(t *testing.T) *fakeRelayServer {
	return &fakeRelayServer{t: t, subs: make(map[string]string)}
}

func (s *fakeRelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

type fakeFrame struct {
	ID     RPCID           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *fakeRelayServer) handleFrame(data []byte) {
	var frame fakeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	switch frame.Method {
	case MethodIridiumSubscribe:
		var p subscribeParams
		_ = json.Unmarshal(frame.Params, &p)
		s.mu.Lock()
		s.subSeq++
		subID := "sub_" + strconv.Itoa(s.subSeq)
		s.subs[p.Topic] = subID
		s.mu.Unlock()
		s.reply(frame.ID, subID)
	case MethodIridiumUnsubscribe:
		var p unsubscribeParams
		_ = json.Unmarshal(frame.Params, &p)
		s.mu.Lock()
		delete(s.subs, p.Topic)
		s.mu.Unlock()
		s.reply(frame.ID, true)
	case MethodIridiumPublish:
		var p publishParams
		_ = json.Unmarshal(frame.Params, &p)
		s.reply(frame.ID, true)
		s.mu.Lock()
		subID, ok := s.subs[p.Topic]
		s.mu.Unlock()
		if ok {
			s.notify(subID, p.Topic, p.Message, p.Tag)
		}
	}
}

func (s *fakeRelayServer) reply(id RPCID, result interface{}) {
	resp, err := newRPCResult(id, result)
	if err != nil {
		return
	}
	s.write(resp)
}

func (s *fakeRelayServer) notify(subID, topic, message string, tag int) {
	req, err := newRPCRequest(MethodIridiumSubscription, subscriptionParams{
		ID: subID,
		Data: subscriptionData{
			Topic:       topic,
			Message:     message,
			PublishedAt: time.Now().Unix(),
			Tag:         tag,
		},
	})
	if err != nil {
		return
	}
	s.write(req)
}

func (s *fakeRelayServer) write(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

func startFakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(newFakeRelayServer(t))
	t.Cleanup(ts.Close)
	return ts
}

func relayWebsocketURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestCore(t *testing.T, url string) *Core {
	t.Helper()
	core := NewCore(Options{
		StorageDir: t.TempDir(),
		RelayURL:   url,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := core.Init(context.Background()); err != nil {
		t.Fatalf("init core: %v", err)
	}
	core.Start()
	t.Cleanup(core.Halt)
	return core
}

// TestPairingCreateThenSelfPing exercises S1/S3 of the pairing
// lifecycle: Create, Activate, Ping -- with the message looped back to
// the same client by the fake relay, so a successful Ping proves the
// full encrypt -> publish -> subscription-notification -> decrypt ->
// dispatch -> reply -> decrypt round trip.
func TestPairingCreateThenSelfPing(t *testing.T) {
	core := newTestCore(t, relayWebsocketURL(startFakeRelay(t)))
	ctx := context.Background()

	rec, uri, err := core.Pairing().Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Active {
		t.Fatalf("expected freshly created pairing to be inactive")
	}
	if !strings.HasPrefix(uri, "wc:"+rec.Topic+"@") {
		t.Fatalf("uri = %q, want prefix wc:%s@", uri, rec.Topic)
	}

	if _, err := core.Pairing().Activate(ctx, rec.Topic); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := core.Pairing().Ping(ctx, rec.Topic); err != nil {
		t.Fatalf("ping: %v", err)
	}

	select {
	case ev := <-core.Pairing().Pinged():
		if ev.Topic != rec.Topic {
			t.Fatalf("pinged event topic = %q, want %q", ev.Topic, rec.Topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pinged event")
	}
}

// TestPairingPairRejectsDuplicateTopic covers S2: pairing twice on the
// same URI fails the second time with ErrAlreadyExists.
func TestPairingPairRejectsDuplicateTopic(t *testing.T) {
	core := newTestCore(t, relayWebsocketURL(startFakeRelay(t)))
	ctx := context.Background()

	_, uri, err := core.Pairing().Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	otherCore := newTestCore(t, relayWebsocketURL(startFakeRelay(t)))
	if _, err := otherCore.Pairing().Pair(ctx, uri, false); err != nil {
		t.Fatalf("first pair: %v", err)
	}
	if _, err := otherCore.Pairing().Pair(ctx, uri, false); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second pair err = %v, want ErrAlreadyExists", err)
	}
}

// TestPairingDisconnectThenRepeatRejected covers S4: Disconnect tears
// the pairing down and a second Disconnect on the same topic reports
// ErrNoMatchingKey.
func TestPairingDisconnectThenRepeatRejected(t *testing.T) {
	core := newTestCore(t, relayWebsocketURL(startFakeRelay(t)))
	ctx := context.Background()

	rec, _, err := core.Pairing().Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := core.Pairing().Disconnect(ctx, rec.Topic); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case ev := <-core.Pairing().Deleted():
		if ev.Topic != rec.Topic {
			t.Fatalf("deleted event topic = %q, want %q", ev.Topic, rec.Topic)
		}
		if ev.Reason.Code != UserDisconnectedReason.Code {
			t.Fatalf("deleted reason = %+v, want %+v", ev.Reason, UserDisconnectedReason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for deleted event")
	}

	if err := core.Pairing().Disconnect(ctx, rec.Topic); !errors.Is(err, ErrNoMatchingKey) {
		t.Fatalf("repeated disconnect err = %v, want ErrNoMatchingKey", err)
	}
}

// TestPairingExpiryTearsDownAndEmits covers S6's expiry-path
// requirement: the Expirer reaping a pairing topic tears it down and
// emits PairingExpired, after which operations on the topic fail with
// ErrNoMatchingKey.
func TestPairingExpiryTearsDownAndEmits(t *testing.T) {
	core := newTestCore(t, relayWebsocketURL(startFakeRelay(t)))
	ctx := context.Background()

	rec, _, err := core.Pairing().Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := core.Pairing().UpdateExpiry(ctx, rec.Topic, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("update expiry: %v", err)
	}

	select {
	case ev := <-core.Pairing().Expired():
		if ev.Topic != rec.Topic {
			t.Fatalf("expired event topic = %q, want %q", ev.Topic, rec.Topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for expired event")
	}

	if _, err := core.Pairing().Activate(ctx, rec.Topic); !errors.Is(err, ErrNoMatchingKey) {
		t.Fatalf("activate after expiry err = %v, want ErrNoMatchingKey", err)
	}
}

// TestPairingUpdateMetadataAndRegisterPersist covers the partial-merge
// operations: UpdateMetadata only touches the fields passed, Register
// persists the authorized-methods list.
func TestPairingUpdateMetadataAndRegisterPersist(t *testing.T) {
	core := newTestCore(t, relayWebsocketURL(startFakeRelay(t)))
	ctx := context.Background()

	rec, _, err := core.Pairing().Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	peer := &Metadata{Name: "peer-app"}
	updated, err := core.Pairing().UpdateMetadata(ctx, rec.Topic, peer, nil)
	if err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	if updated.PeerMetadata == nil || updated.PeerMetadata.Name != "peer-app" {
		t.Fatalf("peer metadata = %+v, want Name=peer-app", updated.PeerMetadata)
	}
	if updated.SelfMetadata != nil {
		t.Fatalf("self metadata should remain nil, got %+v", updated.SelfMetadata)
	}

	self := &Metadata{Name: "self-app"}
	updated, err = core.Pairing().UpdateMetadata(ctx, rec.Topic, nil, self)
	if err != nil {
		t.Fatalf("update self metadata: %v", err)
	}
	if updated.PeerMetadata == nil || updated.PeerMetadata.Name != "peer-app" {
		t.Fatalf("peer metadata should be retained, got %+v", updated.PeerMetadata)
	}
	if updated.SelfMetadata == nil || updated.SelfMetadata.Name != "self-app" {
		t.Fatalf("self metadata = %+v, want Name=self-app", updated.SelfMetadata)
	}

	registered, err := core.Pairing().Register(ctx, rec.Topic, []string{"personal_sign", "eth_sendTransaction"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(registered.AuthorizedMethods) != 2 {
		t.Fatalf("authorized methods = %v, want 2 entries", registered.AuthorizedMethods)
	}
}
