package client

import "errors"

// Sentinel errors for the relay client core. Callers compare with
// errors.Is; wrapped context is added with fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidURI is returned when a "wc:" pairing URI fails to parse.
	ErrInvalidURI = errors.New("client: invalid pairing uri")

	// ErrNoMatchingKey is returned when a topic, symmetric key, or
	// persisted record cannot be found.
	ErrNoMatchingKey = errors.New("client: no matching key")

	// ErrExpired is returned when an operation targets a topic whose
	// record has already passed its expiry.
	ErrExpired = errors.New("client: record expired")

	// ErrAuthenticationFailed is returned when AEAD tag verification
	// fails while decoding an envelope.
	ErrAuthenticationFailed = errors.New("client: envelope authentication failed")

	// ErrInvalidEnvelope is returned for malformed envelope framing:
	// bad type byte, short frame, or bad base64.
	ErrInvalidEnvelope = errors.New("client: invalid envelope")

	// ErrTransportUnavailable is returned when the WebSocket connection
	// cannot be established (DNS failure, refusal, timeout).
	ErrTransportUnavailable = errors.New("client: transport unavailable")

	// ErrTimeout is returned when an RPC does not resolve within its
	// deadline.
	ErrTimeout = errors.New("client: timeout")

	// ErrUserDisconnected marks a pairing or session torn down locally
	// or by the peer.
	ErrUserDisconnected = errors.New("client: user disconnected")

	// ErrAlreadyExists is returned by Store.Set when the caller
	// requested create-only semantics and a record is already present.
	ErrAlreadyExists = errors.New("client: record already exists")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("client: closed")
)
