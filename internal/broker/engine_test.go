package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, *Conn, *fakeTransport) {
	t.Helper()
	r := NewRegistry(zap.NewNop(), 0)
	e := NewEngine(r, zap.NewNop())
	ft := newFakeTransport()
	conn := NewConn(ft)
	r.Attach("bot-1", conn)
	return e, conn, ft
}

// nextEnvelope pulls the next frame the broker wrote to the transport.
func nextEnvelope(t *testing.T, ft *fakeTransport) CallEnvelope {
	t.Helper()
	select {
	case raw := <-ft.writes:
		var env CallEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Broker wrote an unparseable envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Broker never wrote the call envelope")
		return CallEnvelope{}
	}
}

func replyFrame(t *testing.T, env CallEnvelope, result interface{}) []byte {
	t.Helper()
	res, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(map[string]interface{}{
		"id":            env.ID,
		"origin_action": string(env.Action),
		"result":        json.RawMessage(res),
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestCallResolvesOnReply(t *testing.T) {
	e, conn, ft := newTestEngine(t)

	go func() {
		env := nextEnvelope(t, ft)
		e.HandleFrame(conn, replyFrame(t, env, map[string]string{"cookies": "[]"}))
	}()

	res, err := e.Call(context.Background(), "bot-1", MethodGetCookies, nil, time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(res, &got); err != nil {
		t.Fatal(err)
	}
	if got["cookies"] != "[]" {
		t.Errorf("Result payload not delivered verbatim: %v", got)
	}
}

func TestCallEnvelopeShape(t *testing.T) {
	e, _, ft := newTestEngine(t)

	go e.Call(context.Background(), "bot-1", MethodGetTabs, nil, time.Second)

	env := nextEnvelope(t, ft)
	if env.ID == "" {
		t.Error("Envelope must carry a call ID")
	}
	if env.Version != ProtocolVersion {
		t.Errorf("Expected version %s, got %s", ProtocolVersion, env.Version)
	}
	if env.Action != MethodGetTabs {
		t.Errorf("Expected action %s, got %s", MethodGetTabs, env.Action)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Envelope data must be an object: %v", err)
	}
	var sw SwitchConfig
	if err := json.Unmarshal(data["switch_config"], &sw); err != nil {
		t.Fatalf("Every call must echo the switch configuration: %v", err)
	}
	if !sw.Sync || !sw.SyncHuge || sw.RealtimeImage {
		t.Errorf("Fresh connection must echo default switches, got %+v", sw)
	}
}

func TestCallOfflineFailsFast(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 0)
	e := NewEngine(r, zap.NewNop())

	start := time.Now()
	_, err := e.Call(context.Background(), "nobody", MethodGetTabs, nil, 30*time.Second)
	elapsed := time.Since(start)

	if !IsKind(err, KindBotOffline) {
		t.Fatalf("Expected BOT_OFFLINE, got %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Offline failure must not wait for the call timeout, took %v", elapsed)
	}
}

func TestCallTimeoutAndLateReplyDiscarded(t *testing.T) {
	e, conn, ft := newTestEngine(t)

	_, err := e.Call(context.Background(), "bot-1", MethodGetHistory, nil, 50*time.Millisecond)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("Expected TIMEOUT, got %v", err)
	}

	// The late reply must be discarded without error or crash, and
	// must not bleed into a subsequent call.
	env := nextEnvelope(t, ft)
	e.HandleFrame(conn, replyFrame(t, env, "stale"))

	go func() {
		next := nextEnvelope(t, ft)
		e.HandleFrame(conn, replyFrame(t, next, "fresh"))
	}()
	res, err := e.Call(context.Background(), "bot-1", MethodGetHistory, nil, time.Second)
	if err != nil {
		t.Fatalf("Call after a discarded late reply failed: %v", err)
	}
	var got string
	if err := json.Unmarshal(res, &got); err != nil || got != "fresh" {
		t.Errorf("Expected the fresh result, got %s (%v)", res, err)
	}
}

func TestDetachFailsAllPending(t *testing.T) {
	e, conn, ft := newTestEngine(t)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := e.Call(context.Background(), "bot-1", MethodGetTabs, nil, 30*time.Second)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		nextEnvelope(t, ft)
	}

	e.Registry().Detach(conn)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !IsKind(err, KindTransportError) {
				t.Errorf("Expected TRANSPORT_ERROR, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Pending call never resolved after detach")
		}
	}
}

func TestConcurrentCallIDsUnique(t *testing.T) {
	e, _, ft := newTestEngine(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Call(context.Background(), "bot-1", MethodGetTabs, nil, 50*time.Millisecond)
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		env := nextEnvelope(t, ft)
		if seen[env.ID] {
			t.Fatalf("Duplicate in-flight call ID %s", env.ID)
		}
		seen[env.ID] = true
	}
	wg.Wait()
}

func TestRepliesCompleteOutOfOrder(t *testing.T) {
	e, conn, ft := newTestEngine(t)

	type res struct {
		val string
		err error
	}
	first := make(chan res, 1)
	second := make(chan res, 1)
	call := func(out chan res) {
		raw, err := e.Call(context.Background(), "bot-1", MethodGetTabs, nil, time.Second)
		var s string
		if err == nil {
			json.Unmarshal(raw, &s)
		}
		out <- res{s, err}
	}

	go call(first)
	envA := nextEnvelope(t, ft)
	go call(second)
	envB := nextEnvelope(t, ft)

	// Answer the second call before the first.
	e.HandleFrame(conn, replyFrame(t, envB, "b"))
	e.HandleFrame(conn, replyFrame(t, envA, "a"))

	ra, rb := <-first, <-second
	if ra.err != nil || rb.err != nil {
		t.Fatalf("Calls failed: %v %v", ra.err, rb.err)
	}
	if ra.val != "a" || rb.val != "b" {
		t.Errorf("Replies routed to the wrong callers: %q %q", ra.val, rb.val)
	}
}

func TestBotReportedErrors(t *testing.T) {
	cases := []struct {
		report string
		kind   ErrorKind
	}{
		{"METHOD_NOT_SUPPORTED", KindMethodNotSupported},
		{"SETUP_FAILED", KindSetupFailed},
		{"NO_TABS", KindNoTabs},
		{"something unexpected", KindSetupFailed},
	}
	for _, tc := range cases {
		t.Run(tc.report, func(t *testing.T) {
			e, conn, ft := newTestEngine(t)

			go func() {
				env := nextEnvelope(t, ft)
				raw, _ := json.Marshal(map[string]string{
					"id":            env.ID,
					"origin_action": string(env.Action),
					"error":         tc.report,
				})
				e.HandleFrame(conn, raw)
			}()

			_, err := e.Call(context.Background(), "bot-1", MethodStartAudio, nil, time.Second)
			if !IsKind(err, tc.kind) {
				t.Errorf("Expected %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestMalformedFramesDiscarded(t *testing.T) {
	e, conn, _ := newTestEngine(t)

	e.HandleFrame(conn, []byte("not json"))
	e.HandleFrame(conn, []byte(`{"id":"x","origin_action":"HTTP_REQUEST","result":{}}`))
	e.HandleFrame(conn, []byte(`{}`))

	if conn.pendingCount() != 0 {
		t.Error("Discarded frames must not leave pending state behind")
	}
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) HandleEvent(identity, action string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s/%s", identity, action))
}

func TestEventsRoutedToHandler(t *testing.T) {
	e, conn, _ := newTestEngine(t)
	sink := &recordingEvents{}
	e.WithEvents(sink)

	e.HandleFrame(conn, []byte(`{"action":"PING","data":{}}`))
	e.HandleFrame(conn, []byte(`{"action":"AUDIO_DATA","data":{"chunk":"AAAA"}}`))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{"bot-1/PING", "bot-1/AUDIO_DATA"}
	if len(sink.events) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), sink.events)
	}
	for i, w := range want {
		if sink.events[i] != w {
			t.Errorf("Event %d: expected %s, got %s", i, w, sink.events[i])
		}
	}
}

func TestAuthenticate(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 0)
	e := NewEngine(r, zap.NewNop())
	ft := newFakeTransport()
	conn := NewConn(ft)

	go func() {
		env := nextEnvelope(t, ft)
		e.HandleFrame(conn, replyFrame(t, env, AuthResult{
			Identity:  "bot-42",
			UserAgent: "Mozilla/5.0",
			Timestamp: time.Now().Unix(),
		}))
	}()

	auth, err := e.Authenticate(context.Background(), conn, time.Second)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if auth.Identity != "bot-42" {
		t.Errorf("Expected identity bot-42, got %s", auth.Identity)
	}
}

func TestAuthenticateRejectsEmptyIdentity(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 0)
	e := NewEngine(r, zap.NewNop())
	ft := newFakeTransport()
	conn := NewConn(ft)

	go func() {
		env := nextEnvelope(t, ft)
		e.HandleFrame(conn, replyFrame(t, env, AuthResult{UserAgent: "x"}))
	}()

	if _, err := e.Authenticate(context.Background(), conn, time.Second); err == nil {
		t.Error("Empty identity must be rejected")
	}
}

func TestHTTPRequestScenario(t *testing.T) {
	e, conn, ft := newTestEngine(t)

	go func() {
		env := nextEnvelope(t, ft)
		var params HTTPRequestParams
		if err := json.Unmarshal(env.Data, &params); err != nil {
			t.Error(err)
			return
		}
		e.HandleFrame(conn, replyFrame(t, env, HTTPRequestResult{
			URL:        params.URL,
			Status:     200,
			StatusText: "OK",
			Headers:    map[string]string{"Content-Type": "text/html"},
			Body:       "PGgxPkhlbGxvPC9oMT4=",
		}))
	}()

	res, err := e.HTTPRequest(context.Background(), "bot-1", HTTPRequestParams{
		Method: "GET",
		URL:    "https://example.com/",
	}, time.Second)
	if err != nil {
		t.Fatalf("HTTPRequest failed: %v", err)
	}
	if res.Status != 200 || res.Body != "PGgxPkhlbGxvPC9oMT4=" {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestHTTPRequestRedirectShortCircuit(t *testing.T) {
	e, conn, ft := newTestEngine(t)

	go func() {
		env := nextEnvelope(t, ft)
		e.HandleFrame(conn, replyFrame(t, env, HTTPRequestResult{
			URL:        "https://example.com/old",
			Status:     302,
			StatusText: "Found",
			Headers:    map[string]string{"Location": "https://example.com/new"},
			IsRedirect: true,
		}))
	}()

	res, err := e.HTTPRequest(context.Background(), "bot-1", HTTPRequestParams{
		Method: "GET",
		URL:    "https://example.com/old",
	}, time.Second)
	if err != nil {
		t.Fatalf("HTTPRequest failed: %v", err)
	}
	if !res.IsRedirect || res.Body != "" {
		t.Errorf("Redirect must short-circuit with an empty body: %+v", res)
	}
	if res.Headers["Location"] != "https://example.com/new" {
		t.Errorf("Location header lost: %v", res.Headers)
	}
}

func TestCollectRejectsNonCollectionMethods(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if _, err := e.Collect(context.Background(), "bot-1", MethodHTTPRequest, time.Second); err == nil {
		t.Error("Collect must reject non-collection methods")
	}
}

func TestContextCancellationAborts(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Call(ctx, "bot-1", MethodGetTabs, nil, 30*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !IsKind(err, KindAborted) {
			t.Errorf("Expected ABORTED on context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelled call never returned")
	}
}
