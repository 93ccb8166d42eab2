package client

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
)

func TestKeychainSetSymKeyDerivesTopic(t *testing.T) {
	ctx := context.Background()
	k := NewKeychain(newMemStore[string, keychainRecord]())
	if err := k.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	key := make([]byte, SymKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	topic, err := k.SetSymKey(ctx, key)
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}
	wantTopic, err := DeriveSymKeyTopic(key)
	if err != nil {
		t.Fatalf("derive topic: %v", err)
	}
	if topic != wantTopic {
		t.Fatalf("topic = %q, want %q", topic, wantTopic)
	}
	if !k.HasKeys(ctx, topic) {
		t.Fatalf("expected HasKeys true for %q", topic)
	}

	got, err := k.GetSymKey(ctx, topic)
	if err != nil {
		t.Fatalf("get sym key: %v", err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(key) {
		t.Fatalf("round-tripped key mismatch")
	}
}

func TestKeychainDeleteSymKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	k := NewKeychain(newMemStore[string, keychainRecord]())
	if err := k.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := k.DeleteSymKey(ctx, "nonexistent"); err != nil {
		t.Fatalf("delete on absent topic: %v", err)
	}

	key := make([]byte, SymKeySize)
	topic, err := k.SetSymKey(ctx, key)
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}
	if err := k.DeleteSymKey(ctx, topic); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if k.HasKeys(ctx, topic) {
		t.Fatalf("expected keys gone after delete")
	}
	if err := k.DeleteSymKey(ctx, topic); err != nil {
		t.Fatalf("repeated delete: %v", err)
	}
}

func TestKeychainGetSymKeyMissing(t *testing.T) {
	ctx := context.Background()
	k := NewKeychain(newMemStore[string, keychainRecord]())
	if err := k.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := k.GetSymKey(ctx, "missing"); !errors.Is(err, ErrNoMatchingKey) {
		t.Fatalf("err = %v, want ErrNoMatchingKey", err)
	}
}

func TestKeychainGenerateSharedKeyAgreesBothSides(t *testing.T) {
	ctx := context.Background()
	alice := NewKeychain(newMemStore[string, keychainRecord]())
	bob := NewKeychain(newMemStore[string, keychainRecord]())
	if err := alice.Init(ctx); err != nil {
		t.Fatalf("init alice: %v", err)
	}
	if err := bob.Init(ctx); err != nil {
		t.Fatalf("init bob: %v", err)
	}

	alicePub, err := alice.GenerateKeyPair(ctx)
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bobPub, err := bob.GenerateKeyPair(ctx)
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}

	aliceTopic, err := alice.GenerateSharedKey(ctx, alicePub, bobPub, "")
	if err != nil {
		t.Fatalf("alice shared key: %v", err)
	}
	bobTopic, err := bob.GenerateSharedKey(ctx, bobPub, alicePub, "")
	if err != nil {
		t.Fatalf("bob shared key: %v", err)
	}
	if aliceTopic != bobTopic {
		t.Fatalf("topics diverge: %q vs %q", aliceTopic, bobTopic)
	}

	aliceKey, err := alice.GetSymKey(ctx, aliceTopic)
	if err != nil {
		t.Fatalf("alice get sym key: %v", err)
	}
	bobKey, err := bob.GetSymKey(ctx, bobTopic)
	if err != nil {
		t.Fatalf("bob get sym key: %v", err)
	}
	if hex.EncodeToString(aliceKey) != hex.EncodeToString(bobKey) {
		t.Fatalf("derived keys diverge")
	}
}
