package client

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestCrypto(t *testing.T) (*Crypto, string) {
	t.Helper()
	ctx := context.Background()
	k := NewKeychain(newMemStore[string, keychainRecord]())
	if err := k.Init(ctx); err != nil {
		t.Fatalf("init keychain: %v", err)
	}
	key := make([]byte, SymKeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	topic, err := k.SetSymKey(ctx, key)
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}
	return NewCrypto(k), topic
}

// TestCryptoEncodeKnownVector pins encodeWithIV's output against a
// literal precomputed envelope for a fixed key and IV, so a change to
// the wire framing or AEAD construction is caught even if it happens
// to still round-trip with itself.
func TestCryptoEncodeKnownVector(t *testing.T) {
	ctx := context.Background()
	k := NewKeychain(newMemStore[string, keychainRecord]())
	if err := k.Init(ctx); err != nil {
		t.Fatalf("init keychain: %v", err)
	}

	symKey := make([]byte, SymKeySize)
	for i := range symKey {
		symKey[i] = byte(i)
	}
	topic, err := k.SetSymKey(ctx, symKey)
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}

	iv := make([]byte, envelopeIVSize)
	for i := range iv {
		iv[i] = byte(i)
	}

	c := NewCrypto(k)
	const payload = `{"hello":"world"}`
	const wantEnvelope = "AAABAgMEBQYHCAkKC/LZYGVFe8pijaFInOpxakG0UhLNjKhWsC/RNO4SGs5Bpg=="

	got, err := c.encodeWithIV(ctx, topic, payload, EnvelopeTypeSym, "", iv)
	if err != nil {
		t.Fatalf("encodeWithIV: %v", err)
	}
	if got != wantEnvelope {
		t.Fatalf("envelope = %q, want %q", got, wantEnvelope)
	}

	decoded, err := c.Decode(ctx, topic, got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != payload {
		t.Fatalf("decoded = %q, want %q", decoded, payload)
	}
}

func TestCryptoEncodeDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, topic := newTestCrypto(t)

	payload := `{"id":1,"jsonrpc":"2.0","method":"wc_pairingPing","params":{}}`
	encoded, err := c.Encode(ctx, topic, payload, EnvelopeTypeSym, "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded == "" {
		t.Fatalf("expected non-empty envelope")
	}

	decoded, err := c.Decode(ctx, topic, encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != payload {
		t.Fatalf("decoded = %q, want %q", decoded, payload)
	}
}

func TestCryptoEncodeEmptyPayloadStillAuthenticates(t *testing.T) {
	ctx := context.Background()
	c, topic := newTestCrypto(t)

	encoded, err := c.Encode(ctx, topic, "", EnvelopeTypeSym, "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := c.Decode(ctx, topic, encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != "" {
		t.Fatalf("decoded = %q, want empty", decoded)
	}
}

func TestCryptoDecodeRejectsTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	c, topic := newTestCrypto(t)

	encoded, err := c.Encode(ctx, topic, "hello, relay", EnvelopeTypeSym, "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tampered := []byte(encoded)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	if _, err := c.Decode(ctx, topic, string(tampered)); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestCryptoDecodeRejectsMalformedBase64(t *testing.T) {
	ctx := context.Background()
	c, topic := newTestCrypto(t)
	if _, err := c.Decode(ctx, topic, "not-valid-base64!!!"); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("err = %v, want ErrInvalidEnvelope", err)
	}
}

func TestCryptoEncodeRejectsUnknownTopic(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCrypto(t)
	if _, err := c.Encode(ctx, strings.Repeat("0", 64), "x", EnvelopeTypeSym, ""); !errors.Is(err, ErrNoMatchingKey) {
		t.Fatalf("err = %v, want ErrNoMatchingKey", err)
	}
}

func TestCryptoKeyAgreementEnvelopeCarriesSenderKey(t *testing.T) {
	ctx := context.Background()
	k := NewKeychain(newMemStore[string, keychainRecord]())
	if err := k.Init(ctx); err != nil {
		t.Fatalf("init keychain: %v", err)
	}
	c := NewCrypto(k)

	selfPub, err := k.GenerateKeyPair(ctx)
	if err != nil {
		t.Fatalf("self keypair: %v", err)
	}
	peerPub, err := k.GenerateKeyPair(ctx)
	if err != nil {
		t.Fatalf("peer keypair: %v", err)
	}
	topic, err := k.GenerateSharedKey(ctx, selfPub, peerPub, "")
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}

	encoded, err := c.Encode(ctx, topic, `{"hello":"world"}`, EnvelopeTypeKeyAgreement, selfPub)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sender, err := PeekProposal(encoded)
	if err != nil {
		t.Fatalf("peek proposal: %v", err)
	}
	if sender != selfPub {
		t.Fatalf("sender = %q, want %q", sender, selfPub)
	}

	decoded, err := c.Decode(ctx, topic, encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != `{"hello":"world"}` {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestPeekProposalRejectsSymEnvelope(t *testing.T) {
	ctx := context.Background()
	c, topic := newTestCrypto(t)
	encoded, err := c.Encode(ctx, topic, "x", EnvelopeTypeSym, "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := PeekProposal(encoded); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("err = %v, want ErrInvalidEnvelope", err)
	}
}
