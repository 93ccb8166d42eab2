package client

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Options configures a Core's on-disk layout and relay endpoint.
type Options struct {
	// StorageDir holds one JSON file per persisted Store; created on
	// first use if missing.
	StorageDir string
	// RelayURL is the wss:// endpoint the Connection dials.
	RelayURL string
	Logger   *slog.Logger
}

// sessionRequestTags lists the tags the Relayer retries with
// exponential backoff: the pairing control-plane requests, where a
// dropped publish should be retried rather than surfaced as a hard
// failure to the caller.
var sessionRequestTags = []int{TagPairingPing, TagPairingDelete}

// Core wires the Keychain, Crypto, Connection, Expirer, Relayer,
// Message Handler, and Pairing subsystems together. It is the single
// owner of all of them; subsystems receive borrowed pointers to their
// collaborators rather than owning each other, so the only cycle in
// the dependency graph (Expirer -> Pairing, Pairing -> Expirer) is
// broken by giving the Expirer a forwarding closure over Core's own
// pairing field instead of a direct pointer captured at construction
// time.
type Core struct {
	logger *slog.Logger

	keychain *Keychain
	crypto   *Crypto
	conn     *Connection
	expirer  *Expirer
	relayer  *Relayer
	handler  *MessageHandler
	pairing  *Pairing
}

// NewCore constructs a Core and all of its subsystems, wiring their
// dependencies, without touching disk or the network. Call Init, then
// Start, before using it.
func NewCore(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	core := &Core{logger: logger}

	keychainStore := NewFileStore[string, keychainRecord](filepath.Join(opts.StorageDir, "keychain.json"))
	core.keychain = NewKeychain(keychainStore)
	core.crypto = NewCrypto(core.keychain)

	core.conn = NewConnection(opts.RelayURL, DefaultOpenTimeout, logger)

	expiryStore := NewFileStore[string, ExpiryRecord](filepath.Join(opts.StorageDir, "expiry.json"))
	core.expirer = NewExpirer(expiryStore, func(target string) {
		if core.pairing != nil {
			core.pairing.HandleExpired(context.Background(), target)
		}
	})

	subscriptionStore := NewFileStore[string, SubscriptionRecord](filepath.Join(opts.StorageDir, "subscriptions.json"))
	dedupeStore := NewFileStore[string, DedupeRecord](filepath.Join(opts.StorageDir, "dedupe.json"))
	dedupe := NewDedupe(dedupeStore, DefaultDedupeWindow)
	core.relayer = NewRelayer(core.conn, subscriptionStore, dedupe, sessionRequestTags, logger)

	core.handler = NewMessageHandler(core.crypto, core.relayer, logger)

	pairingStore := NewFileStore[string, PairingRecord](filepath.Join(opts.StorageDir, "pairings.json"))
	core.pairing = NewPairing(pairingStore, core.keychain, core.relayer, core.handler, core.expirer, logger)

	return core
}

// Init loads every persisted Store from disk, in dependency order.
func (c *Core) Init(ctx context.Context) error {
	if err := c.keychain.Init(ctx); err != nil {
		return fmt.Errorf("init keychain: %w", err)
	}
	if err := c.expirer.Init(ctx); err != nil {
		return fmt.Errorf("init expirer: %w", err)
	}
	if err := c.relayer.Init(ctx); err != nil {
		return fmt.Errorf("init relayer: %w", err)
	}
	if err := c.pairing.Init(ctx); err != nil {
		return fmt.Errorf("init pairing: %w", err)
	}
	return nil
}

// Start launches every subsystem's background goroutines. Call after Init.
func (c *Core) Start() {
	c.expirer.Start()
	c.relayer.Start()
	c.handler.Start()
}

// Halt stops every subsystem's background goroutines, closes the
// transport, and deregisters Pairing's message handlers, in reverse
// dependency order.
func (c *Core) Halt() {
	c.handler.Halt()
	c.relayer.Halt()
	c.expirer.Halt()
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("close connection during halt", "error", err)
	}
	c.pairing.Close()
}

// Keychain, Crypto, Connection, Relayer, MessageHandler, and Pairing
// expose the borrowed subsystem handles for callers that need lower-
// level access than Pairing's own API surface provides.
func (c *Core) Keychain() *Keychain             { return c.keychain }
func (c *Core) Crypto() *Crypto                 { return c.crypto }
func (c *Core) Connection() *Connection         { return c.conn }
func (c *Core) Relayer() *Relayer               { return c.relayer }
func (c *Core) MessageHandler() *MessageHandler { return c.handler }
func (c *Core) Pairing() *Pairing               { return c.pairing }
