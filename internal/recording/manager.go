// Package recording tracks audio capture sessions, at most one active
// per bot. Chunks stream in as unsolicited events on the bot's
// connection and are forwarded to the sink in arrival order; the
// manager never re-sequences and never detects gaps.
package recording

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/infrastructure/monitoring"
	"github.com/chromeherd/chromeherd/internal/shared/id"
)

// DefaultPolicyInterval is how often the persistent-recording flag is
// reconciled against the set of live bots.
const DefaultPolicyInterval = 10 * time.Second

const callTimeout = 10 * time.Second

// Sink receives recording chunks for storage. Implementations must
// tolerate chunks for sessions they have never seen.
type Sink interface {
	SaveChunk(ctx context.Context, identity string, session id.SessionID, chunk id.ChunkID, payload json.RawMessage) error
}

// Session is one active capture on one bot.
type Session struct {
	ID        id.SessionID
	Identity  string
	StartedAt time.Time
	Chunks    int

	ready    chan struct{} // closed once the setup call resolves
	setupErr error         // read only after ready is closed
}

// Manager owns the per-bot active-session state.
type Manager struct {
	engine  *broker.Engine
	sink    Sink
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	policing map[string]bool // identities with a reconcile step in flight
}

// NewManager creates a recording session manager. sink may be nil, in
// which case chunks are counted but not persisted.
func NewManager(engine *broker.Engine, sink Sink, log *zap.Logger) *Manager {
	return &Manager{
		engine:   engine,
		sink:     sink,
		log:      log.Named("recording"),
		sessions: make(map[string]*Session),
		policing: make(map[string]bool),
	}
}

// WithMetrics attaches Prometheus instrumentation.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Start begins a capture session on the bot. Starting while a session
// is already active or still setting up joins that session's outcome:
// the caller gets the same ID on success and the same error when the
// setup fails. A setup failure on the bot leaves no session behind.
func (m *Manager) Start(ctx context.Context, identity string) (id.SessionID, error) {
	m.mu.Lock()
	if s, ok := m.sessions[identity]; ok {
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return "", broker.NewCallError(broker.KindAborted,
				"start on %s cancelled: %v", identity, ctx.Err())
		}
		if s.setupErr != nil {
			return "", s.setupErr
		}
		return s.ID, nil
	}
	s := &Session{
		ID:        id.NewSessionID(),
		Identity:  identity,
		StartedAt: time.Now(),
		ready:     make(chan struct{}),
	}
	m.sessions[identity] = s
	m.mu.Unlock()

	raw, err := m.engine.Call(ctx, identity, broker.MethodStartAudio, nil, callTimeout)
	if err == nil {
		var ack broker.AckResult
		if jerr := json.Unmarshal(raw, &ack); jerr != nil || !ack.Success {
			err = broker.NewCallError(broker.KindSetupFailed,
				"audio capture setup on %s rejected: %s", identity, ack.Error)
		}
	}
	if err != nil {
		m.mu.Lock()
		if cur, ok := m.sessions[identity]; ok && cur == s {
			delete(m.sessions, identity)
		}
		m.mu.Unlock()
		s.setupErr = err
		close(s.ready)
		return "", err
	}
	close(s.ready)

	if m.metrics != nil {
		m.metrics.RecordingSessionsActive.Inc()
	}
	m.log.Info("Recording session started",
		zap.String("identity", identity),
		zap.String("session_id", s.ID.String()))
	return s.ID, nil
}

// Stop ends the active session, if any. Stopping with none active is a
// benign success and issues no teardown call. A teardown failure is
// surfaced to the caller, but the session is gone either way.
func (m *Manager) Stop(ctx context.Context, identity string) (id.SessionID, error) {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	if !ok {
		m.mu.Unlock()
		return "", nil
	}
	delete(m.sessions, identity)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordingSessionsActive.Dec()
	}
	m.log.Info("Recording session stopped",
		zap.String("identity", identity),
		zap.String("session_id", s.ID.String()),
		zap.Int("chunks", s.Chunks))

	raw, err := m.engine.Call(ctx, identity, broker.MethodStopAudio, nil, callTimeout)
	if err != nil {
		return s.ID, err
	}
	var ack broker.AckResult
	if jerr := json.Unmarshal(raw, &ack); jerr == nil && !ack.Success && ack.Error != "" {
		return s.ID, broker.NewCallError(broker.KindSetupFailed,
			"audio capture teardown on %s failed: %s", identity, ack.Error)
	}
	return s.ID, nil
}

// Active reports the session ID for the identity, if one is active.
func (m *Manager) Active(identity string) (id.SessionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return "", false
	}
	return s.ID, true
}

// HandleChunk forwards one audio chunk to the sink. Chunks arriving
// with no active session are dropped; a race between stop and a chunk
// already on the wire is expected, not an error.
func (m *Manager) HandleChunk(ctx context.Context, identity string, payload json.RawMessage) {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	if ok {
		s.Chunks++
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debug("Dropping chunk with no active session",
			zap.String("identity", identity))
		return
	}

	if m.metrics != nil {
		m.metrics.IncRecordingChunks()
	}
	if m.sink == nil {
		return
	}
	if err := m.sink.SaveChunk(ctx, identity, s.ID, id.NewChunkID(), payload); err != nil {
		m.log.Warn("Chunk sink write failed",
			zap.String("identity", identity),
			zap.String("session_id", s.ID.String()),
			zap.Error(err))
	}
}

// HandleDisconnect clears the active session for a bot whose
// connection dropped. No teardown call is issued.
func (m *Manager) HandleDisconnect(identity string) {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	if ok {
		delete(m.sessions, identity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordingSessionsActive.Dec()
	}
	m.log.Info("Recording session ended by disconnect",
		zap.String("identity", identity),
		zap.String("session_id", s.ID.String()))
}

// RunPolicy reconciles the persistent-recording switch against live
// bots every interval until ctx is cancelled. Convergence is bounded
// by the interval, not instant.
func (m *Manager) RunPolicy(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPolicyInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reconcile(ctx)
			}
		}
	}()
}

// reconcile converges each live connection's recording state on its
// persistent-recording flag. Every divergent bot is handled in its own
// goroutine so one unresponsive bot cannot stall the rest of the
// fleet; an identity whose previous step is still in flight is skipped
// until it resolves.
func (m *Manager) reconcile(ctx context.Context) {
	registry := m.engine.Registry()
	for _, identity := range registry.Identities() {
		conn, ok := registry.Lookup(identity)
		if !ok {
			continue
		}
		want := conn.SwitchConfigSnapshot().PersistentRecording
		_, active := m.Active(identity)
		if want == active {
			continue
		}
		m.mu.Lock()
		if m.policing[identity] {
			m.mu.Unlock()
			continue
		}
		m.policing[identity] = true
		m.mu.Unlock()

		go func(identity string, want bool) {
			defer func() {
				m.mu.Lock()
				delete(m.policing, identity)
				m.mu.Unlock()
			}()
			var err error
			if want {
				_, err = m.Start(ctx, identity)
			} else {
				_, err = m.Stop(ctx, identity)
			}
			if err != nil {
				m.log.Warn("Policy reconcile failed",
					zap.String("identity", identity),
					zap.Bool("want_recording", want),
					zap.Error(err))
			}
		}(identity, want)
	}
}
