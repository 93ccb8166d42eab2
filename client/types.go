package client

import "time"

// Protocol-level constants shared across the keychain, crypto, relayer
// and pairing components.
const (
	// TopicSize is the byte length of a Topic before hex encoding.
	TopicSize = 32
	// SymKeySize is the byte length of a symmetric key.
	SymKeySize = 32
	// KeySize is the byte length of an X25519 public/private key.
	KeySize = 32

	JSONRPCVersion = "2.0"

	// Relay JSON-RPC methods.
	MethodIridiumSubscribe    = "iridium_subscribe"
	MethodIridiumUnsubscribe  = "iridium_unsubscribe"
	MethodIridiumPublish      = "iridium_publish"
	MethodIridiumSubscription = "iridium_subscription"
	MethodPairingPing         = "wc_pairingPing"
	MethodPairingDelete       = "wc_pairingDelete"

	// Tag values identifying pairing control-plane payloads on publish.
	TagPairingPing   = 1002
	TagPairingDelete = 1001

	// TTLs for how long the relay should retain an undelivered publish.
	DefaultPublishTTL  = 6 * time.Hour
	PairingPingTTL     = 30 * time.Second
	PairingDeleteTTL   = 24 * time.Hour
	PairingInactiveTTL = 5 * time.Minute
	PairingActiveTTL   = 30 * 24 * time.Hour

	// Local operation timeouts.
	DefaultOpenTimeout      = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultPingTimeout      = 30 * time.Second
	DefaultSubscribeTimeout = 15 * time.Second

	// DefaultDedupeWindow is how long the relayer remembers a
	// (topic, message-hash) pair to absorb relay redelivery.
	DefaultDedupeWindow = 5 * time.Minute
)

// EnvelopeType discriminates the two on-wire envelope layouts: plain
// symmetric encryption versus a key-agreement proposal that also
// carries the sender's public key.
type EnvelopeType byte

const (
	EnvelopeTypeSym          EnvelopeType = 0
	EnvelopeTypeKeyAgreement EnvelopeType = 1
)

// PairingDeleteReason enumerates wc_pairingDelete reason codes.
type PairingDeleteReason struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// UserDisconnectedReason is the canonical reason sent by Pairing.Disconnect.
var UserDisconnectedReason = PairingDeleteReason{Code: 6000, Message: "USER_DISCONNECTED"}

// Relay describes the protocol options a topic was subscribed/paired
// with.
type Relay struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// Metadata is opaque peer/self application metadata carried on a
// PairingRecord. The core never interprets its fields.
type Metadata struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}

// PairingRecord is the persisted pairing state.
type PairingRecord struct {
	Topic    string `json:"topic"`
	Relay    Relay  `json:"relay"`
	Expiry   int64  `json:"expiry"`
	Active   bool   `json:"active"`

	PeerMetadata *Metadata `json:"peer_metadata,omitempty"`
	SelfMetadata *Metadata `json:"self_metadata,omitempty"`

	// AuthorizedMethods persists Register(methods) so a restarted
	// client does not need the caller to re-register after the store
	// reloads from disk.
	AuthorizedMethods []string `json:"authorized_methods,omitempty"`
}

// SubscriptionRecord is the persisted form of a Subscription, so
// subscriptions survive restarts and can be replayed on reconnect.
type SubscriptionRecord struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Relay Relay  `json:"relay"`
}

// DedupeRecord backstops the Relayer's in-memory LRU across restarts.
type DedupeRecord struct {
	Topic       string    `json:"topic"`
	MessageHash string    `json:"message_hash"`
	SeenAt      time.Time `json:"seen_at"`
}
