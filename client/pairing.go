package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// emptyParams is the JSON-RPC params shape for wc_pairingPing, which
// carries no fields.
type emptyParams struct{}

// PairingPingedEvent fires once per successful ping, inbound or outbound.
type PairingPingedEvent struct {
	Topic string
	ID    RPCID
}

// PairingDeletedEvent fires when a pairing is torn down by local
// Disconnect or a peer-initiated wc_pairingDelete.
type PairingDeletedEvent struct {
	Topic  string
	Reason PairingDeleteReason
}

// PairingExpiredEvent fires when the Expirer reaps a pairing topic.
type PairingExpiredEvent struct {
	Topic string
}

// Pairing implements the URI bootstrap, activation, and ping/delete
// control plane over a topic shared symmetric key: a Store +
// Keychain-backed lifecycle through the wc: URI grammar and the
// Inactive->Active->Deleted state machine, with a single producer per
// event kind so PairingPinged/PairingDeleted/PairingExpired each have
// exactly one broadcaster.
type Pairing struct {
	store    Store[string, PairingRecord]
	keychain *Keychain
	relayer  *Relayer
	handler  *MessageHandler
	expirer  *Expirer
	logger   *slog.Logger

	disposeOnce   sync.Once
	pingDispose   DisposeFunc
	deleteDispose DisposeFunc

	pinged  chan PairingPingedEvent
	deleted chan PairingDeletedEvent
	expired chan PairingExpiredEvent
}

// NewPairing constructs a Pairing over its collaborators. Call Init
// before use.
func NewPairing(store Store[string, PairingRecord], keychain *Keychain, relayer *Relayer, handler *MessageHandler, expirer *Expirer, logger *slog.Logger) *Pairing {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pairing{
		store:    store,
		keychain: keychain,
		relayer:  relayer,
		handler:  handler,
		expirer:  expirer,
		logger:   logger.With("component", "pairing"),
		pinged:   make(chan PairingPingedEvent, 64),
		deleted:  make(chan PairingDeletedEvent, 64),
		expired:  make(chan PairingExpiredEvent, 64),
	}
}

// Init loads the pairing store and registers the wc_pairingPing /
// wc_pairingDelete tag/TTL table and inbound request handlers.
func (p *Pairing) Init(ctx context.Context) error {
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init pairing store: %w", err)
	}
	p.handler.RegisterMethodConfig(MethodPairingPing, TagPairingPing, PairingPingTTL)
	p.handler.RegisterMethodConfig(MethodPairingDelete, TagPairingDelete, PairingDeleteTTL)
	p.pingDispose = HandleMessageType[emptyParams, bool](p.handler, MethodPairingPing, p.handlePairingPingRequest, nil)
	p.deleteDispose = HandleMessageType[PairingDeleteReason, bool](p.handler, MethodPairingDelete, p.handlePairingDeleteRequest, nil)
	return nil
}

// Close removes this Pairing's message-handler registrations. Safe to
// call more than once.
func (p *Pairing) Close() {
	p.disposeOnce.Do(func() {
		if p.pingDispose != nil {
			p.pingDispose()
		}
		if p.deleteDispose != nil {
			p.deleteDispose()
		}
	})
}

// Pinged, Deleted, and Expired expose the Pairing's event streams.
func (p *Pairing) Pinged() <-chan PairingPingedEvent   { return p.pinged }
func (p *Pairing) Deleted() <-chan PairingDeletedEvent { return p.deleted }
func (p *Pairing) Expired() <-chan PairingExpiredEvent { return p.expired }

// All returns every persisted pairing record, active and inactive.
func (p *Pairing) All(ctx context.Context) ([]PairingRecord, error) {
	return p.store.GetAll(ctx, nil)
}

// Create generates a fresh symmetric key, derives its topic, persists
// an inactive PairingRecord with a 5-minute expiry, subscribes to the
// topic, and returns both the record and its "wc:" URI.
func (p *Pairing) Create(ctx context.Context) (PairingRecord, string, error) {
	symKey := make([]byte, SymKeySize)
	if _, err := rand.Read(symKey); err != nil {
		return PairingRecord{}, "", fmt.Errorf("generate sym key: %w", err)
	}
	topic, err := p.keychain.SetSymKey(ctx, symKey)
	if err != nil {
		return PairingRecord{}, "", err
	}

	rec := PairingRecord{
		Topic:  topic,
		Relay:  Relay{Protocol: "iridium"},
		Expiry: time.Now().Add(PairingInactiveTTL).Unix(),
		Active: false,
	}
	if err := p.store.Set(ctx, topic, rec, true); err != nil {
		return PairingRecord{}, "", err
	}
	if err := p.expirer.Set(ctx, topic, time.Unix(rec.Expiry, 0)); err != nil {
		return PairingRecord{}, "", err
	}
	if err := p.relayer.Subscribe(ctx, topic, rec.Relay); err != nil {
		return PairingRecord{}, "", err
	}

	uri := BuildPairingURI(PairingURI{
		Topic:         topic,
		Version:       2,
		SymKey:        hex.EncodeToString(symKey),
		RelayProtocol: rec.Relay.Protocol,
	})
	return rec, uri, nil
}

// Pair parses rawURI, rejects topics already known to the Keychain or
// Store, persists an inactive PairingRecord, subscribes, and
// optionally activates.
func (p *Pairing) Pair(ctx context.Context, rawURI string, activate bool) (PairingRecord, error) {
	parsed, err := ParsePairingURI(rawURI)
	if err != nil {
		return PairingRecord{}, err
	}
	if p.keychain.HasKeys(ctx, parsed.Topic) {
		return PairingRecord{}, fmt.Errorf("pair %s: %w", parsed.Topic, ErrAlreadyExists)
	}
	if _, err := p.store.Get(ctx, parsed.Topic); err == nil {
		return PairingRecord{}, fmt.Errorf("pair %s: %w", parsed.Topic, ErrAlreadyExists)
	}

	symKey, err := hex.DecodeString(parsed.SymKey)
	if err != nil {
		return PairingRecord{}, fmt.Errorf("%w: bad symKey: %v", ErrInvalidURI, err)
	}
	if err := p.keychain.SetSymKeyForTopic(ctx, symKey, parsed.Topic); err != nil {
		return PairingRecord{}, err
	}

	rec := PairingRecord{
		Topic:  parsed.Topic,
		Relay:  Relay{Protocol: parsed.RelayProtocol, Data: parsed.RelayData},
		Expiry: time.Now().Add(PairingInactiveTTL).Unix(),
		Active: false,
	}
	if err := p.store.Set(ctx, parsed.Topic, rec, true); err != nil {
		return PairingRecord{}, err
	}
	if err := p.expirer.Set(ctx, parsed.Topic, time.Unix(rec.Expiry, 0)); err != nil {
		return PairingRecord{}, err
	}
	if err := p.relayer.Subscribe(ctx, parsed.Topic, rec.Relay); err != nil {
		return PairingRecord{}, err
	}

	if activate {
		return p.Activate(ctx, parsed.Topic)
	}
	return rec, nil
}

// Activate marks topic active, resets its expiry to 30 days, and
// updates the Expirer accordingly.
func (p *Pairing) Activate(ctx context.Context, topic string) (PairingRecord, error) {
	if _, err := p.getLive(ctx, topic); err != nil {
		return PairingRecord{}, err
	}
	expiry := time.Now().Add(PairingActiveTTL)
	updated, err := p.store.Update(ctx, topic, func(current PairingRecord, existed bool) PairingRecord {
		current.Active = true
		current.Expiry = expiry.Unix()
		return current
	})
	if err != nil {
		return PairingRecord{}, err
	}
	if err := p.expirer.Set(ctx, topic, expiry); err != nil {
		return PairingRecord{}, err
	}
	return updated, nil
}

// UpdateExpiry partially updates topic's expiry and reschedules it.
func (p *Pairing) UpdateExpiry(ctx context.Context, topic string, expiry time.Time) (PairingRecord, error) {
	if _, err := p.getLive(ctx, topic); err != nil {
		return PairingRecord{}, err
	}
	updated, err := p.store.Update(ctx, topic, func(current PairingRecord, existed bool) PairingRecord {
		current.Expiry = expiry.Unix()
		return current
	})
	if err != nil {
		return PairingRecord{}, err
	}
	if err := p.expirer.Set(ctx, topic, expiry); err != nil {
		return PairingRecord{}, err
	}
	return updated, nil
}

// UpdateMetadata partially updates topic's peer and/or self metadata;
// a nil argument leaves the corresponding field untouched.
func (p *Pairing) UpdateMetadata(ctx context.Context, topic string, peer *Metadata, self *Metadata) (PairingRecord, error) {
	if _, err := p.getLive(ctx, topic); err != nil {
		return PairingRecord{}, err
	}
	return p.store.Update(ctx, topic, func(current PairingRecord, existed bool) PairingRecord {
		if peer != nil {
			current.PeerMetadata = peer
		}
		if self != nil {
			current.SelfMetadata = self
		}
		return current
	})
}

// Register records the method names this client accepts on topic, an
// authorization list consulted by the caller's own dispatch policy.
func (p *Pairing) Register(ctx context.Context, topic string, methods []string) (PairingRecord, error) {
	if _, err := p.getLive(ctx, topic); err != nil {
		return PairingRecord{}, err
	}
	return p.store.Update(ctx, topic, func(current PairingRecord, existed bool) PairingRecord {
		current.AuthorizedMethods = methods
		return current
	})
}

// Ping sends wc_pairingPing and resolves when the peer replies {result: true}.
func (p *Pairing) Ping(ctx context.Context, topic string) error {
	rec, err := p.getLive(ctx, topic)
	if err != nil {
		return err
	}
	if !rec.Active {
		return fmt.Errorf("ping %s: %w", topic, ErrNoMatchingKey)
	}

	id, err := SendRequest[emptyParams](ctx, p.handler, topic, MethodPairingPing, emptyParams{})
	if err != nil {
		return fmt.Errorf("ping %s: %w", topic, err)
	}
	ok, err := WaitForResponse[bool](ctx, p.handler, id, DefaultPingTimeout)
	if err != nil {
		return fmt.Errorf("ping %s: %w", topic, err)
	}
	if !ok {
		return fmt.Errorf("ping %s: peer returned false", topic)
	}
	p.emitPinged(PairingPingedEvent{Topic: topic, ID: id})
	return nil
}

// Disconnect sends wc_pairingDelete with reason USER_DISCONNECTED
// (best-effort -- the publish is not retried beyond the Relayer's own
// session-request backoff) and tears down the pairing locally
// regardless of whether the publish succeeded.
func (p *Pairing) Disconnect(ctx context.Context, topic string) error {
	if _, err := p.getLive(ctx, topic); err != nil {
		return err
	}
	reason := UserDisconnectedReason
	if _, err := SendRequest[PairingDeleteReason](ctx, p.handler, topic, MethodPairingDelete, reason); err != nil {
		p.logger.Warn("best-effort pairing delete publish failed", "topic", topic, "error", err)
	}
	p.teardown(ctx, topic)
	p.emitDeleted(PairingDeletedEvent{Topic: topic, Reason: reason})
	return nil
}

// DeletePairing tears down a pairing idempotently: Unsubscribe,
// Store.Delete, Keychain.DeleteSymKey, Expirer.Delete, each
// independently guarded so a repeated call is a no-op rather than an
// error.
func (p *Pairing) DeletePairing(ctx context.Context, topic string, reason PairingDeleteReason) {
	_, err := p.store.Get(ctx, topic)
	p.teardown(ctx, topic)
	if err == nil {
		p.emitDeleted(PairingDeletedEvent{Topic: topic, Reason: reason})
	}
}

func (p *Pairing) teardown(ctx context.Context, topic string) {
	if err := p.relayer.Unsubscribe(ctx, topic); err != nil {
		p.logger.Warn("unsubscribe during teardown failed", "topic", topic, "error", err)
	}
	_ = p.store.Delete(ctx, topic, "pairing torn down")
	_ = p.keychain.DeleteSymKey(ctx, topic)
	_ = p.expirer.Delete(ctx, topic)
}

// HandleExpired is invoked by the Expirer's callback when target
// reaches its expiry. It is a no-op if target is not a known pairing
// topic, so the shared Expirer can be wired to multiple subsystems.
func (p *Pairing) HandleExpired(ctx context.Context, target string) {
	if _, err := p.store.Get(ctx, target); err != nil {
		return
	}
	p.teardown(ctx, target)
	p.emitExpired(PairingExpiredEvent{Topic: target})
}

func (p *Pairing) getLive(ctx context.Context, topic string) (PairingRecord, error) {
	rec, err := p.store.Get(ctx, topic)
	if err != nil {
		return PairingRecord{}, fmt.Errorf("pairing %s: %w", topic, ErrNoMatchingKey)
	}
	return rec, nil
}

func (p *Pairing) handlePairingPingRequest(ctx context.Context, topic string, id RPCID, _ emptyParams) {
	rec, err := p.getLive(ctx, topic)
	if err != nil || time.Unix(rec.Expiry, 0).Before(time.Now()) {
		if err := p.handler.SendError(ctx, id, topic, MethodPairingPing, -32000, "unknown or expired pairing"); err != nil {
			p.logger.Warn("reply to pairing ping failed", "topic", topic, "error", err)
		}
		return
	}
	if err := p.handler.SendResult(ctx, id, topic, MethodPairingPing, true); err != nil {
		p.logger.Error("reply to pairing ping failed", "topic", topic, "error", err)
		return
	}
	p.emitPinged(PairingPingedEvent{Topic: topic, ID: id})
}

func (p *Pairing) handlePairingDeleteRequest(ctx context.Context, topic string, id RPCID, req PairingDeleteReason) {
	if _, err := p.getLive(ctx, topic); err != nil {
		if err := p.handler.SendError(ctx, id, topic, MethodPairingDelete, -32000, "unknown pairing"); err != nil {
			p.logger.Warn("reply to pairing delete failed", "topic", topic, "error", err)
		}
		return
	}
	if err := p.handler.SendResult(ctx, id, topic, MethodPairingDelete, true); err != nil {
		p.logger.Error("reply to pairing delete failed", "topic", topic, "error", err)
	}
	p.teardown(ctx, topic)
	p.emitDeleted(PairingDeletedEvent{Topic: topic, Reason: req})
}

func (p *Pairing) emitPinged(ev PairingPingedEvent) {
	select {
	case p.pinged <- ev:
	default:
		p.logger.Warn("dropped pairing pinged event, channel full")
	}
}

func (p *Pairing) emitDeleted(ev PairingDeletedEvent) {
	select {
	case p.deleted <- ev:
	default:
		p.logger.Warn("dropped pairing deleted event, channel full")
	}
}

func (p *Pairing) emitExpired(ev PairingExpiredEvent) {
	select {
	case p.expired <- ev:
	default:
		p.logger.Warn("dropped pairing expired event, channel full")
	}
}
