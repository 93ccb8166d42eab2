package client

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keychainRecord is the persisted shape for both symmetric keys
// (keyed by topic) and X25519 private keys (keyed by "public_<hex>").
type keychainRecord struct {
	SymKey     []byte `json:"sym_key,omitempty"`
	PrivateKey []byte `json:"private_key,omitempty"`
}

// Keychain holds symmetric keys indexed by topic and X25519 key pairs
// used for key-agreement topic bootstrap.
type Keychain struct {
	store Store[string, keychainRecord]
}

// NewKeychain constructs a Keychain backed by store.
func NewKeychain(store Store[string, keychainRecord]) *Keychain {
	return &Keychain{store: store}
}

// Init loads the backing store.
func (k *Keychain) Init(ctx context.Context) error {
	return k.store.Init(ctx)
}

// SetSymKey persists key, deriving its topic as hex(sha256(key)). It
// is idempotent: setting the same key twice is a no-op observably.
func (k *Keychain) SetSymKey(ctx context.Context, key []byte) (string, error) {
	topic, err := DeriveSymKeyTopic(key)
	if err != nil {
		return "", err
	}
	return topic, k.SetSymKeyForTopic(ctx, key, topic)
}

// SetSymKeyForTopic forces the topic under which key is stored,
// used when the topic is known out-of-band (e.g. from a pairing URI).
func (k *Keychain) SetSymKeyForTopic(ctx context.Context, key []byte, topic string) error {
	if len(key) != SymKeySize {
		return fmt.Errorf("sym key must be %d bytes (got %d)", SymKeySize, len(key))
	}
	stored := append([]byte(nil), key...)
	_, err := k.store.Update(ctx, topic, func(current keychainRecord, existed bool) keychainRecord {
		current.SymKey = stored
		return current
	})
	return err
}

// HasKeys reports whether topic has a stored symmetric key.
func (k *Keychain) HasKeys(ctx context.Context, topic string) bool {
	rec, err := k.store.Get(ctx, topic)
	return err == nil && len(rec.SymKey) > 0
}

// GetSymKey fetches the symmetric key for topic, failing with
// ErrNoMatchingKey if absent.
func (k *Keychain) GetSymKey(ctx context.Context, topic string) ([]byte, error) {
	rec, err := k.store.Get(ctx, topic)
	if err != nil || len(rec.SymKey) == 0 {
		return nil, fmt.Errorf("sym key for topic %s: %w", topic, ErrNoMatchingKey)
	}
	return append([]byte(nil), rec.SymKey...), nil
}

// DeleteSymKey removes the symmetric key for topic. Idempotent.
func (k *Keychain) DeleteSymKey(ctx context.Context, topic string) error {
	return k.store.Delete(ctx, topic, "sym key deleted")
}

// GenerateKeyPair creates a fresh X25519 key pair, persists the
// private half under "public_<hex>", and returns the public key as
// lowercase hex.
func (k *Keychain) GenerateKeyPair(ctx context.Context) (string, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate x25519 key: %w", err)
	}
	pubHex := hex.EncodeToString(priv.PublicKey().Bytes())
	privBytes := append([]byte(nil), priv.Bytes()...)
	_, err = k.store.Update(ctx, keyPairRecordKey(pubHex), func(current keychainRecord, existed bool) keychainRecord {
		current.PrivateKey = privBytes
		return current
	})
	if err != nil {
		return "", err
	}
	return pubHex, nil
}

// GenerateSharedKey derives a symmetric key via X25519 ECDH between
// the local key pair identified by selfPubHex and peerPubHex, then
// HKDF-SHA256(salt=∅, ikm=secret, info=∅, L=32). The resulting key is
// stored under overrideTopic if non-empty, otherwise under
// hex(sha256(symKey)).
func (k *Keychain) GenerateSharedKey(ctx context.Context, selfPubHex, peerPubHex string, overrideTopic string) (string, error) {
	privRec, err := k.store.Get(ctx, keyPairRecordKey(selfPubHex))
	if err != nil || len(privRec.PrivateKey) == 0 {
		return "", fmt.Errorf("private key for %s: %w", selfPubHex, ErrNoMatchingKey)
	}
	peerPubBytes, err := hex.DecodeString(peerPubHex)
	if err != nil {
		return "", fmt.Errorf("decode peer public key: %w", err)
	}

	priv, err := ecdh.X25519().NewPrivateKey(privRec.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return "", fmt.Errorf("parse peer public key: %w", err)
	}
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return "", fmt.Errorf("derive shared secret: %w", err)
	}

	symKey := make([]byte, SymKeySize)
	reader := hkdf.New(sha256.New, secret, nil, nil)
	if _, err := io.ReadFull(reader, symKey); err != nil {
		return "", fmt.Errorf("derive sym key: %w", err)
	}

	topic := overrideTopic
	if topic == "" {
		topic, err = DeriveSymKeyTopic(symKey)
		if err != nil {
			return "", err
		}
	}
	if err := k.SetSymKeyForTopic(ctx, symKey, topic); err != nil {
		return "", err
	}
	return topic, nil
}

func keyPairRecordKey(publicHex string) string {
	return "public_" + publicHex
}

// DeriveSymKeyTopic computes hex(sha256(key)), the topic derivation
// rule for symmetric keys.
func DeriveSymKeyTopic(key []byte) (string, error) {
	if len(key) != SymKeySize {
		return "", fmt.Errorf("sym key must be %d bytes (got %d)", SymKeySize, len(key))
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:]), nil
}

// DerivePublicKeyTopic computes hex(sha256(publicKey)), the topic
// derivation rule for key-agreement-initiating topics.
func DerivePublicKeyTopic(publicKeyHex string) (string, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != KeySize {
		return "", fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:]), nil
}
