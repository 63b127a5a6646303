package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/infrastructure/monitoring"
)

// DefaultCallTimeout bounds a call that names no timeout of its own.
const DefaultCallTimeout = 30 * time.Second

// EventHandler receives unsolicited bot events. Payloads are opaque;
// the broker transports them, it does not interpret them.
type EventHandler interface {
	HandleEvent(identity, action string, data json.RawMessage)
}

// Engine is the RPC correlation engine: it assigns call IDs, dispatches
// enveloped calls on a bot's connection, and resolves the matching
// pending call when the asynchronous reply arrives. Dozens of calls per
// connection may be in flight at once; completion order is not dispatch
// order.
type Engine struct {
	registry       *Registry
	log            *zap.Logger
	metrics        *monitoring.Metrics
	events         EventHandler
	defaultTimeout time.Duration
}

// NewEngine creates an engine over the given registry.
func NewEngine(registry *Registry, log *zap.Logger) *Engine {
	return &Engine{
		registry:       registry,
		log:            log,
		defaultTimeout: DefaultCallTimeout,
	}
}

// WithMetrics attaches a metrics collector.
func (e *Engine) WithMetrics(m *monitoring.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithEvents attaches the unsolicited-event handler.
func (e *Engine) WithEvents(h EventHandler) *Engine {
	e.events = h
	return e
}

// Registry exposes the connection registry the engine dispatches over.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Call dispatches method to the identity's live connection and blocks
// until a matching reply, the timeout, or connection loss resolves it.
// An offline identity fails near-immediately with BOT_OFFLINE; it never
// waits out the timeout window.
func (e *Engine) Call(ctx context.Context, identity string, method Method, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	conn, ok := e.registry.Lookup(identity)
	if !ok {
		if e.metrics != nil {
			e.metrics.RecordCall(method.String(), string(KindBotOffline), 0)
		}
		return nil, ErrBotOffline(identity)
	}
	return e.CallConn(ctx, conn, method, payload, timeout)
}

// CallConn dispatches on an explicit connection. The websocket handler
// uses this for the AUTH handshake, before the connection has an
// identity to look up.
func (e *Engine) CallConn(ctx context.Context, conn *Conn, method Method, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	p := newPendingCall(uuid.NewString(), method, conn.Identity())
	if err := conn.register(p); err != nil {
		return nil, e.finish(p, nil, asCallError(err))
	}

	if err := conn.send(p.id, method, payload); err != nil {
		conn.take(p.id)
		return nil, e.finish(p, nil, asCallError(err))
	}
	if e.metrics != nil {
		e.metrics.CallsInFlight.Inc()
		defer e.metrics.CallsInFlight.Dec()
		e.metrics.RecordWSMessage("outbound", method.String())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.result, e.finish(p, out.result, out.err)
	case <-timer.C:
		if conn.take(p.id) == nil {
			// A reply or the detach path won the race; its outcome
			// is already in the slot.
			out := <-p.done
			return out.result, e.finish(p, out.result, out.err)
		}
		p.resolve(nil, NewCallError(KindTimeout, "call %s (%s) exceeded %s", p.id, method, timeout))
		out := <-p.done
		return out.result, e.finish(p, out.result, out.err)
	case <-ctx.Done():
		if conn.take(p.id) == nil {
			out := <-p.done
			return out.result, e.finish(p, out.result, out.err)
		}
		p.resolve(nil, NewCallError(KindAborted, "call %s (%s) cancelled", p.id, method))
		out := <-p.done
		return out.result, e.finish(p, out.result, out.err)
	}
}

// finish records metrics and returns err unchanged.
func (e *Engine) finish(p *pendingCall, _ json.RawMessage, err error) error {
	if e.metrics != nil {
		status := "OK"
		if kind := KindOf(err); kind != "" {
			status = string(kind)
		} else if err != nil {
			status = "ERROR"
		}
		e.metrics.RecordCall(p.method.String(), status, time.Since(p.createdAt))
	}
	return err
}

// HandleFrame processes one inbound frame from a bot connection. It is
// invoked from the connection's read loop, so per-connection frames are
// handled in arrival order. Frames that fail to parse, reference an
// unknown call ID, or arrive after their call resolved are logged and
// discarded; they are never fatal to the connection.
func (e *Engine) HandleFrame(conn *Conn, raw []byte) {
	conn.Touch()

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		e.log.Debug("Discarding unparseable frame",
			zap.String("identity", conn.Identity()),
			zap.Error(err),
		)
		return
	}

	if f.isReply() {
		e.handleReply(conn, &f)
		return
	}
	e.handleEvent(conn, &f)
}

func (e *Engine) handleReply(conn *Conn, f *frame) {
	p := conn.take(f.ID)
	if p == nil {
		// Late or unknown correlation ID. Intentional fire-and-forget:
		// the engine optimizes for bounded caller wait over eventual
		// delivery.
		e.log.Debug("Discarding late or unmatched reply",
			zap.String("identity", conn.Identity()),
			zap.String("call_id", f.ID),
			zap.String("origin_action", string(f.OriginAction)),
		)
		return
	}
	if f.OriginAction != p.method {
		e.log.Debug("Reply origin_action does not match dispatched method",
			zap.String("call_id", f.ID),
			zap.String("dispatched", p.method.String()),
			zap.String("replied", f.OriginAction.String()),
		)
	}

	if f.Error != "" {
		p.resolve(nil, NewCallError(kindFromBot(f.Error), "bot reported: %s", f.Error))
		return
	}
	p.resolve(f.Result, nil)
}

func (e *Engine) handleEvent(conn *Conn, f *frame) {
	if f.Action == "" {
		e.log.Debug("Discarding frame with no action",
			zap.String("identity", conn.Identity()),
		)
		return
	}
	if e.metrics != nil {
		e.metrics.RecordWSMessage("inbound", f.Action)
	}

	identity := conn.Identity()
	if identity == "" {
		// Events before the AUTH handshake have no owner to attribute
		// them to.
		e.log.Debug("Discarding pre-auth event", zap.String("action", f.Action))
		return
	}
	if e.events != nil {
		e.events.HandleEvent(identity, f.Action, f.Data)
	}
}

// kindFromBot maps a bot-reported error string onto the caller-facing
// taxonomy. Unrecognized strings surface as SETUP_FAILED: a failure on
// the bot side, reported verbatim.
func kindFromBot(s string) ErrorKind {
	switch ErrorKind(s) {
	case KindMethodNotSupported, KindSetupFailed, KindNoTabs, KindAborted:
		return ErrorKind(s)
	}
	return KindSetupFailed
}

func asCallError(err error) error {
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return NewCallError(KindTransportError, "%v", err)
}

// Authenticate performs the AUTH handshake on a fresh connection and
// returns the bot's self-reported identity.
func (e *Engine) Authenticate(ctx context.Context, conn *Conn, timeout time.Duration) (AuthResult, error) {
	raw, err := e.CallConn(ctx, conn, MethodAuth, nil, timeout)
	if err != nil {
		return AuthResult{}, err
	}
	var res AuthResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AuthResult{}, fmt.Errorf("decode AUTH result: %w", err)
	}
	if res.Identity == "" {
		return AuthResult{}, fmt.Errorf("bot returned empty identity")
	}
	return res, nil
}

// HTTPRequest executes one HTTP request inside the bot's browser
// context and returns the structured result.
func (e *Engine) HTTPRequest(ctx context.Context, identity string, params HTTPRequestParams, timeout time.Duration) (HTTPRequestResult, error) {
	raw, err := e.Call(ctx, identity, MethodHTTPRequest, params, timeout)
	if err != nil {
		return HTTPRequestResult{}, err
	}
	var res HTTPRequestResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return HTTPRequestResult{}, fmt.Errorf("decode HTTP_REQUEST result: %w", err)
	}
	return res, nil
}

// Collect fetches one of the browser data collections (cookies,
// history, tabs, downloads, bookmarks) as an opaque array.
func (e *Engine) Collect(ctx context.Context, identity string, method Method, timeout time.Duration) (json.RawMessage, error) {
	switch method {
	case MethodGetCookies, MethodGetHistory, MethodGetTabs, MethodGetDownloads, MethodGetBookmarks:
	default:
		return nil, fmt.Errorf("%s is not a collection method", method)
	}
	return e.Call(ctx, identity, method, nil, timeout)
}
