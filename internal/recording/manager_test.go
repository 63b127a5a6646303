package recording

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/shared/id"
)

type stubTransport struct {
	writes chan []byte
}

func newStubTransport() *stubTransport {
	return &stubTransport{writes: make(chan []byte, 16)}
}

func (s *stubTransport) WriteMessage(data []byte) error { s.writes <- data; return nil }
func (s *stubTransport) Close() error                   { return nil }
func (s *stubTransport) RemoteAddr() string             { return "stub:0" }

type memorySink struct {
	mu     sync.Mutex
	chunks []json.RawMessage
}

func (m *memorySink) SaveChunk(_ context.Context, _ string, _ id.SessionID, _ id.ChunkID, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, payload)
	return nil
}

func (m *memorySink) saved() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.chunks...)
}

type fixture struct {
	engine  *broker.Engine
	manager *Manager
	sink    *memorySink
	conn    *broker.Conn
	bot     *stubTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := broker.NewRegistry(zap.NewNop(), 0)
	engine := broker.NewEngine(registry, zap.NewNop())
	sink := &memorySink{}
	manager := NewManager(engine, sink, zap.NewNop())
	registry.OnDetach(manager.HandleDisconnect)

	bot := newStubTransport()
	conn := broker.NewConn(bot)
	registry.Attach("bot-1", conn)
	return &fixture{engine, manager, sink, conn, bot}
}

// ackCalls answers every audio setup/teardown call with success until
// stopped, mimicking a cooperative bot.
func (f *fixture) ackCalls(t *testing.T) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case raw := <-f.bot.writes:
				var env broker.CallEnvelope
				if err := json.Unmarshal(raw, &env); err != nil {
					continue
				}
				res, _ := json.Marshal(broker.AckResult{Success: true})
				reply, _ := json.Marshal(map[string]interface{}{
					"id":            env.ID,
					"origin_action": string(env.Action),
					"result":        json.RawMessage(res),
				})
				f.engine.HandleFrame(f.conn, reply)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	stop := f.ackCalls(t)
	defer stop()

	first, err := f.manager.Start(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := f.manager.Start(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if first != second {
		t.Errorf("Second start must not create a new session: %s vs %s", first, second)
	}
}

func TestStartSetupFailure(t *testing.T) {
	f := newFixture(t)

	go func() {
		raw := <-f.bot.writes
		var env broker.CallEnvelope
		json.Unmarshal(raw, &env)
		res, _ := json.Marshal(broker.AckResult{Success: false, Error: "no capture device"})
		reply, _ := json.Marshal(map[string]interface{}{
			"id":            env.ID,
			"origin_action": string(env.Action),
			"result":        json.RawMessage(res),
		})
		f.engine.HandleFrame(f.conn, reply)
	}()

	_, err := f.manager.Start(context.Background(), "bot-1")
	if !broker.IsKind(err, broker.KindSetupFailed) {
		t.Fatalf("Expected SETUP_FAILED, got %v", err)
	}
	if _, active := f.manager.Active("bot-1"); active {
		t.Error("Failed setup must leave no session behind")
	}
}

func TestStartOffline(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Start(context.Background(), "nobody")
	if !broker.IsKind(err, broker.KindBotOffline) {
		t.Fatalf("Expected BOT_OFFLINE, got %v", err)
	}
	if _, active := f.manager.Active("nobody"); active {
		t.Error("Offline start must leave no session behind")
	}
}

func TestStopWithoutSessionIsBenign(t *testing.T) {
	f := newFixture(t)

	sid, err := f.manager.Stop(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Stop with no session must succeed, got %v", err)
	}
	if sid != "" {
		t.Errorf("Stop with no session must report no session, got %s", sid)
	}
	select {
	case <-f.bot.writes:
		t.Error("Stop with no session must not issue a teardown call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopEndsSession(t *testing.T) {
	f := newFixture(t)
	stop := f.ackCalls(t)
	defer stop()

	started, err := f.manager.Start(context.Background(), "bot-1")
	if err != nil {
		t.Fatal(err)
	}
	stopped, err := f.manager.Stop(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped != started {
		t.Errorf("Stop must report the session it ended: %s vs %s", stopped, started)
	}
	if _, active := f.manager.Active("bot-1"); active {
		t.Error("Session must be gone after stop")
	}
}

func TestChunksForwardedInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	stop := f.ackCalls(t)
	defer stop()

	if _, err := f.manager.Start(context.Background(), "bot-1"); err != nil {
		t.Fatal(err)
	}

	for _, payload := range []string{`{"seq":"a"}`, `{"seq":"b"}`, `{"seq":"c"}`} {
		f.manager.HandleChunk(context.Background(), "bot-1", json.RawMessage(payload))
	}

	saved := f.sink.saved()
	if len(saved) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(saved))
	}
	for i, want := range []string{`{"seq":"a"}`, `{"seq":"b"}`, `{"seq":"c"}`} {
		if string(saved[i]) != want {
			t.Errorf("Chunk %d out of order: %s", i, saved[i])
		}
	}
}

func TestChunkWithoutSessionDropped(t *testing.T) {
	f := newFixture(t)

	f.manager.HandleChunk(context.Background(), "bot-1", json.RawMessage(`{}`))

	if len(f.sink.saved()) != 0 {
		t.Error("Chunks with no active session must be dropped")
	}
}

func TestDisconnectClearsSession(t *testing.T) {
	f := newFixture(t)
	stop := f.ackCalls(t)

	if _, err := f.manager.Start(context.Background(), "bot-1"); err != nil {
		t.Fatal(err)
	}
	stop()

	f.engine.Registry().Detach(f.conn)

	if _, active := f.manager.Active("bot-1"); active {
		t.Error("Disconnect must clear the active session")
	}

	// The next chunk for the dead session simply never lands.
	f.manager.HandleChunk(context.Background(), "bot-1", json.RawMessage(`{}`))
	if len(f.sink.saved()) != 0 {
		t.Error("Chunks after disconnect must be dropped")
	}
}

// waitActive polls until the identity's session state matches want.
func (f *fixture) waitActive(t *testing.T, identity string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, active := f.manager.Active(identity); active == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Session state for %s never reached active=%v", identity, want)
}

func TestPolicyAutoStart(t *testing.T) {
	f := newFixture(t)
	stop := f.ackCalls(t)
	defer stop()

	f.conn.SetSwitchConfig(broker.SwitchConfig{Sync: true, SyncHuge: true, PersistentRecording: true})
	f.manager.reconcile(context.Background())
	f.waitActive(t, "bot-1", true)

	f.conn.SetSwitchConfig(broker.SwitchConfig{Sync: true, SyncHuge: true})
	f.manager.reconcile(context.Background())
	f.waitActive(t, "bot-1", false)
}

func TestPolicyHungBotDoesNotBlockPeers(t *testing.T) {
	f := newFixture(t)

	// bot-1 never answers its setup call. bot-2 is cooperative.
	bot2 := newStubTransport()
	conn2 := broker.NewConn(bot2)
	f.engine.Registry().Attach("bot-2", conn2)
	go func() {
		raw := <-bot2.writes
		var env broker.CallEnvelope
		if json.Unmarshal(raw, &env) != nil {
			return
		}
		res, _ := json.Marshal(broker.AckResult{Success: true})
		reply, _ := json.Marshal(map[string]interface{}{
			"id":            env.ID,
			"origin_action": string(env.Action),
			"result":        json.RawMessage(res),
		})
		f.engine.HandleFrame(conn2, reply)
	}()

	flagged := broker.SwitchConfig{Sync: true, SyncHuge: true, PersistentRecording: true}
	f.conn.SetSwitchConfig(flagged)
	conn2.SetSwitchConfig(flagged)

	start := time.Now()
	f.manager.reconcile(context.Background())
	f.waitActive(t, "bot-2", true)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("bot-2 convergence waited on bot-1: %v", elapsed)
	}

	// A second pass must not stack another setup call on the bot whose
	// first one is still in flight.
	f.manager.reconcile(context.Background())
	time.Sleep(50 * time.Millisecond)
	<-f.bot.writes
	select {
	case <-f.bot.writes:
		t.Fatal("Reconcile dispatched a duplicate setup call")
	default:
	}
}

func TestConcurrentStartsShareSetupOutcome(t *testing.T) {
	f := newFixture(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.manager.Start(context.Background(), "bot-1")
		first <- err
	}()

	// The setup call is in flight once the envelope appears.
	raw := <-f.bot.writes
	var env broker.CallEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}

	second := make(chan error, 1)
	go func() {
		_, err := f.manager.Start(context.Background(), "bot-1")
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	select {
	case <-f.bot.writes:
		t.Fatal("Second start must join the in-flight setup, not dispatch its own")
	default:
	}

	res, _ := json.Marshal(broker.AckResult{Success: false, Error: "no capture device"})
	reply, _ := json.Marshal(map[string]interface{}{
		"id":            env.ID,
		"origin_action": string(env.Action),
		"result":        json.RawMessage(res),
	})
	f.engine.HandleFrame(f.conn, reply)

	for _, ch := range []chan error{first, second} {
		if err := <-ch; !broker.IsKind(err, broker.KindSetupFailed) {
			t.Fatalf("Both callers must see the setup failure, got %v", err)
		}
	}
	if _, active := f.manager.Active("bot-1"); active {
		t.Error("Failed setup must leave no session behind")
	}
}
