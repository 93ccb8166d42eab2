package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeIVSize = 12 // chacha20poly1305 nonce size
)

// Crypto implements the relay envelope encode/decode: ChaCha20-Poly1305
// AEAD with an empty associated-data field, framed with a leading type
// byte (and a sender public key for key-agreement proposals).
type Crypto struct {
	keychain *Keychain
}

// NewCrypto constructs a Crypto bound to keychain.
func NewCrypto(keychain *Keychain) *Crypto {
	return &Crypto{keychain: keychain}
}

// Encode serializes payload, encrypts it under topic's symmetric key,
// and returns the base64-encoded envelope. For EnvelopeTypeKeyAgreement,
// senderPublicKeyHex (32 bytes, hex) is embedded in the frame.
func (c *Crypto) Encode(ctx context.Context, topic string, payload string, envelopeType EnvelopeType, senderPublicKeyHex string) (string, error) {
	iv := make([]byte, envelopeIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	return c.encodeWithIV(ctx, topic, payload, envelopeType, senderPublicKeyHex, iv)
}

// encodeWithIV is Encode's implementation with the nonce taken as a
// parameter instead of generated internally, so tests can pin a known
// IV and assert against a literal precomputed envelope. Production
// callers only ever reach this through Encode's random iv.
func (c *Crypto) encodeWithIV(ctx context.Context, topic string, payload string, envelopeType EnvelopeType, senderPublicKeyHex string, iv []byte) (string, error) {
	if len(iv) != envelopeIVSize {
		return "", fmt.Errorf("iv must be %d bytes: %w", envelopeIVSize, ErrInvalidEnvelope)
	}

	symKey, err := c.keychain.GetSymKey(ctx, topic)
	if err != nil {
		return "", err
	}
	defer zeroEnvelopeBytes(symKey)

	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(payload), nil)

	buf := make([]byte, 0, 1+32+envelopeIVSize+len(sealed))
	buf = append(buf, byte(envelopeType))
	if envelopeType == EnvelopeTypeKeyAgreement {
		senderPub, err := hex.DecodeString(senderPublicKeyHex)
		if err != nil || len(senderPub) != KeySize {
			return "", fmt.Errorf("sender public key must be %d bytes hex: %w", KeySize, ErrInvalidEnvelope)
		}
		buf = append(buf, senderPub...)
	}
	buf = append(buf, iv...)
	buf = append(buf, sealed...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decode parses, authenticates, and decrypts a base64 envelope
// previously produced by Encode. topic's symmetric key must already be
// present in the Keychain (for EnvelopeTypeKeyAgreement, callers first
// extract the sender's public key with PeekProposal and populate the
// Keychain via Keychain.GenerateSharedKey before calling Decode).
func (c *Crypto) Decode(ctx context.Context, topic string, message string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w: %v", ErrInvalidEnvelope, err)
	}

	envelopeType, body, err := splitEnvelopeHeader(raw)
	if err != nil {
		return "", err
	}

	if len(body) < envelopeIVSize {
		return "", fmt.Errorf("envelope too short: %w", ErrInvalidEnvelope)
	}
	iv := body[:envelopeIVSize]
	ciphertext := body[envelopeIVSize:]

	symKey, err := c.keychain.GetSymKey(ctx, topic)
	if err != nil {
		return "", err
	}
	defer zeroEnvelopeBytes(symKey)

	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		_ = envelopeType
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

// PeekProposal extracts the sender's public key from a type-1 envelope
// without requiring the recipient to already hold the shared key. The
// caller uses the result to derive and store the shared symmetric key
// (Keychain.GenerateSharedKey) before calling Decode.
func PeekProposal(message string) (senderPublicKeyHex string, err error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w: %v", ErrInvalidEnvelope, err)
	}
	envelopeType, _, err := splitEnvelopeHeader(raw)
	if err != nil {
		return "", err
	}
	if envelopeType != EnvelopeTypeKeyAgreement {
		return "", fmt.Errorf("envelope is not a key-agreement proposal: %w", ErrInvalidEnvelope)
	}
	// splitEnvelopeHeader has already checked that the sender key is present.
	return hex.EncodeToString(raw[1 : 1+KeySize]), nil
}

// splitEnvelopeHeader returns the envelope type and the remaining
// bytes after the type byte (and sender public key, for type 1).
func splitEnvelopeHeader(raw []byte) (EnvelopeType, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("empty envelope: %w", ErrInvalidEnvelope)
	}
	envelopeType := EnvelopeType(raw[0])
	rest := raw[1:]
	switch envelopeType {
	case EnvelopeTypeSym:
		return envelopeType, rest, nil
	case EnvelopeTypeKeyAgreement:
		if len(rest) < KeySize {
			return 0, nil, fmt.Errorf("envelope too short for sender public key: %w", ErrInvalidEnvelope)
		}
		return envelopeType, rest[KeySize:], nil
	default:
		return 0, nil, fmt.Errorf("unknown envelope type %d: %w", raw[0], ErrInvalidEnvelope)
	}
}

func zeroEnvelopeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
