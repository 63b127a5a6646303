package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Transport is the live duplex channel beneath a bot connection. The
// websocket adapter in the API layer implements it; tests substitute
// in-memory fakes.
type Transport interface {
	// WriteMessage sends one frame. Implementations need not be safe
	// for concurrent use; Conn serializes writers.
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// Conn is one bot connection. It owns the per-identity pending-call
// table, the last-seen timestamp liveness is judged by, and the
// switch-config blob echoed on every outbound call.
type Conn struct {
	transport Transport

	writeMu sync.Mutex // serializes transport writes

	mu         sync.Mutex
	identity   string // empty until the AUTH handshake completes
	lastSeen   time.Time
	switchCfg  SwitchConfig
	dataCfg    json.RawMessage
	pending    map[string]*pendingCall
	closed     bool
}

// NewConn wraps a freshly accepted transport. The connection carries no
// identity until the AUTH handshake resolves.
func NewConn(t Transport) *Conn {
	return &Conn{
		transport: t,
		lastSeen:  time.Now(),
		switchCfg: DefaultSwitchConfig(),
		pending:   make(map[string]*pendingCall),
	}
}

// Identity returns the bot identity, or "" before authentication.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) setIdentity(identity string) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}

// RemoteAddr exposes the transport's peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// Touch records inbound traffic for liveness judgement.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// SilentFor returns the elapsed time since the last inbound frame.
func (c *Conn) SilentFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// SetSwitchConfig replaces the capability flags echoed to the bot.
func (c *Conn) SetSwitchConfig(cfg SwitchConfig) {
	c.mu.Lock()
	c.switchCfg = cfg
	c.mu.Unlock()
}

// SwitchConfigSnapshot returns the current capability flags.
func (c *Conn) SwitchConfigSnapshot() SwitchConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchCfg
}

// SetDataConfig replaces the opaque data-config blob echoed alongside
// the switch flags. An empty blob clears it.
func (c *Conn) SetDataConfig(raw json.RawMessage) {
	c.mu.Lock()
	c.dataCfg = raw
	c.mu.Unlock()
}

// DataConfigSnapshot returns the current data-config blob, or nil.
func (c *Conn) DataConfigSnapshot() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataCfg
}

// register tracks a new in-flight call. It fails if the connection is
// already closed or the ID collides with an outstanding call.
func (c *Conn) register(p *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return NewCallError(KindTransportError, "connection to bot %s is closed", c.identity)
	}
	if _, exists := c.pending[p.id]; exists {
		return fmt.Errorf("call id collision: %s", p.id)
	}
	c.pending[p.id] = p
	return nil
}

// take removes and returns the pending call with the given ID, or nil.
// Removal is atomic: exactly one of reply handling, timeout, and
// connection loss wins the call.
func (c *Conn) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[id]
	delete(c.pending, id)
	return p
}

// pendingCount returns the number of in-flight calls.
func (c *Conn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// failAll resolves every outstanding call with err and marks the
// connection closed for future dispatch. It is called at detach so
// cancellation is observed promptly, never left to time out.
func (c *Conn) failAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		calls = append(calls, p)
		delete(c.pending, id)
	}
	c.closed = true
	c.mu.Unlock()

	for _, p := range calls {
		p.resolve(nil, err)
	}
}

// close shuts the underlying transport. Only the registry calls this;
// it exclusively owns the transport's lifecycle.
func (c *Conn) close() {
	c.transport.Close()
}

// send marshals and writes one call envelope, merging the current
// switch-config (and data-config, when set) into the payload object so
// the bot converges on its configuration with every outbound message.
func (c *Conn) send(id string, method Method, payload interface{}) error {
	data, err := c.envelopeData(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", method, err)
	}

	raw, err := json.Marshal(CallEnvelope{
		ID:      id,
		Version: ProtocolVersion,
		Action:  method,
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.WriteMessage(raw); err != nil {
		return NewCallError(KindTransportError, "write to bot %s failed: %v", c.Identity(), err)
	}
	return nil
}

func (c *Conn) envelopeData(payload interface{}) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	c.mu.Lock()
	cfg, err := json.Marshal(c.switchCfg)
	dataCfg := c.dataCfg
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	obj["switch_config"] = cfg
	if len(dataCfg) > 0 {
		obj["data_config"] = dataCfg
	}
	return json.Marshal(obj)
}
