package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState is one of the four states in the Connection's
// lifecycle state machine: Disconnected -> Registering -> Open -> Disconnected.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionRegistering
	ConnectionOpen
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionRegistering:
		return "registering"
	case ConnectionOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ConnectionEvent is pushed to a Connection's event channel. Exactly
// one of the fields is meaningful, discriminated by Kind.
type ConnectionEvent struct {
	Kind    ConnectionEventKind
	Payload string // PayloadReceived
	Err     error  // ErrorReceived
}

type ConnectionEventKind int

const (
	EventPayloadReceived ConnectionEventKind = iota
	EventErrorReceived
	EventClosed
)

// Connection is a single WebSocket transport to the relay: a
// gorilla/websocket.Conn guarded by a write mutex, with a dedicated
// receive-loop goroutine feeding the event channel. Reconnection is
// intentionally absent here -- the Relayer owns retry/backoff policy.
type Connection struct {
	url    string
	dialer websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	state ConnectionState
	conn  *websocket.Conn

	writeMu sync.Mutex

	registerErr  error
	registerDone chan struct{}

	events chan ConnectionEvent
	closed chan struct{}
}

// NewConnection constructs a Connection that will dial url on Open.
// openTimeout bounds both the TCP/TLS handshake and, together, the
// whole Open call; zero selects DefaultOpenTimeout.
func NewConnection(url string, openTimeout time.Duration, logger *slog.Logger) *Connection {
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: openTimeout},
		logger: logger.With("component", "connection"),
		state:  ConnectionDisconnected,
		events: make(chan ConnectionEvent, 64),
		closed: make(chan struct{}),
	}
}

// Events returns the channel PayloadReceived/ErrorReceived/Closed
// events are delivered on.
func (c *Connection) Events() <-chan ConnectionEvent {
	return c.events
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the relay, entering Registering immediately; duplicate
// calls while registering share the same pending completion rather
// than dialing twice. Fails with ErrTransportUnavailable on timeout,
// DNS failure, or connection refusal.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ConnectionOpen {
		c.mu.Unlock()
		return nil
	}
	if c.state == ConnectionRegistering {
		done := c.registerDone
		c.mu.Unlock()
		<-done
		return c.registerErr
	}
	c.state = ConnectionRegistering
	c.registerDone = make(chan struct{})
	c.mu.Unlock()

	// Only the caller that moved the state to Registering dials; a later
	// Open after a Closed event finds Disconnected and dials again.
	err := c.dial(ctx)
	c.mu.Lock()
	c.registerErr = err
	if err == nil {
		c.state = ConnectionOpen
	} else {
		c.state = ConnectionDisconnected
	}
	done := c.registerDone
	c.mu.Unlock()
	close(done)
	return err
}

func (c *Connection) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, classifyDialError(err))
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.receiveLoop(conn)
	return nil
}

// classifyDialError maps well-known dial failures to a stable message
// without leaking the underlying net.OpError structure to callers.
func classifyDialError(err error) string {
	msg := err.Error()
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(msg, "ENOTFOUND") || strings.Contains(msg, "no such host") {
		return "ENOTFOUND"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || strings.Contains(msg, "ECONNREFUSED") || strings.Contains(msg, "connection refused") {
		return "ECONNREFUSED"
	}
	return msg
}

// Send serializes payload (already a JSON string) as a single text
// frame. If the write itself fails, instead of returning only an error,
// it also synthesizes a PayloadReceived event carrying a JSON-RPC error
// bound to requestID, so the Relayer's correlation table wakes the
// waiter rather than hanging forever on a send that never reaches the
// wire. A Send while the connection is not open only returns the error.
func (c *Connection) Send(requestID int64, payload string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != ConnectionOpen || conn == nil {
		return fmt.Errorf("send while %s: %w", state, ErrTransportUnavailable)
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(payload))
	c.writeMu.Unlock()
	if err != nil {
		synthetic := synthesizeTransportErrorResponse(requestID, err)
		select {
		case c.events <- ConnectionEvent{Kind: EventPayloadReceived, Payload: synthetic}:
		default:
			c.logger.Warn("dropped synthesized transport error, event channel full")
		}
		return fmt.Errorf("send: %w", ErrTransportUnavailable)
	}
	return nil
}

func synthesizeTransportErrorResponse(requestID int64, cause error) string {
	return fmt.Sprintf(
		`{"id":%d,"jsonrpc":"%s","error":{"code":-32000,"message":%q}}`,
		requestID, JSONRPCVersion, cause.Error(),
	)
}

// Close tears down the connection from the caller's side. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	already := c.state == ConnectionDisconnected && conn == nil
	c.mu.Unlock()
	if already {
		return nil
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Connection) receiveLoop(conn *websocket.Conn) {
	var closeCause error
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				closeCause = err
			} else if !isExpectedClose(err) {
				closeCause = err
			}
			break
		}
		// Binary and close frames carry no relay JSON-RPC payload; drop
		// them here rather than forwarding garbage to the decoder.
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.events <- ConnectionEvent{Kind: EventPayloadReceived, Payload: string(message)}:
		case <-c.closed:
			return
		}
	}

	c.mu.Lock()
	c.state = ConnectionDisconnected
	c.conn = nil
	c.mu.Unlock()

	if closeCause != nil {
		select {
		case c.events <- ConnectionEvent{Kind: EventErrorReceived, Err: closeCause}:
		default:
		}
	}
	select {
	case c.events <- ConnectionEvent{Kind: EventClosed}:
	default:
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}
