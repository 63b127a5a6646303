package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/agent"
	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/store"
)

// startBroker runs a broker whose WebSocket endpoint is backed by a
// real directory, so attach-time enrollment and config restore run.
func startBroker(t *testing.T) (*broker.Registry, *store.DB, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := broker.NewRegistry(zap.NewNop(), 0)
	engine := broker.NewEngine(registry, zap.NewNop())
	handler := NewHandler(engine, db, zap.NewNop(), 5*time.Second)

	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return registry, db, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func connectBot(t *testing.T, registry *broker.Registry, url, identity string) context.CancelFunc {
	t.Helper()
	bot := agent.New(agent.Config{
		URL:            url,
		Identity:       identity,
		ReconnectDelay: 50 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go bot.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !registry.IsLive(identity) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("Bot never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cancel
}

func TestAttachRestoresStoredConfig(t *testing.T) {
	registry, db, url := startBroker(t)
	ctx := context.Background()

	// Configure the bot while it has never been connected this run.
	_, err := db.UpsertBot(ctx, "bot-cfg", "ua")
	require.NoError(t, err)
	require.NoError(t, db.MarkOffline(ctx, "bot-cfg"))
	require.NoError(t, db.UpdateBotConfig(ctx, "bot-cfg",
		json.RawMessage(`{"SYNC":true,"PERSISTENT_RECORDING":true}`),
		json.RawMessage(`{"image_quality":40}`)))

	cancel := connectBot(t, registry, url, "bot-cfg")
	defer cancel()

	conn, found := registry.Lookup("bot-cfg")
	require.True(t, found)
	cfg := conn.SwitchConfigSnapshot()
	assert.True(t, cfg.PersistentRecording, "stored flags must survive the reconnect")
	assert.False(t, cfg.SyncHuge, "stored config replaces the defaults wholesale")
	assert.JSONEq(t, `{"image_quality":40}`, string(conn.DataConfigSnapshot()))
}

func TestAttachWithoutStoredConfigKeepsDefaults(t *testing.T) {
	registry, _, url := startBroker(t)

	cancel := connectBot(t, registry, url, "bot-fresh")
	defer cancel()

	conn, found := registry.Lookup("bot-fresh")
	require.True(t, found)
	assert.Equal(t, broker.DefaultSwitchConfig(), conn.SwitchConfigSnapshot())
	assert.Empty(t, conn.DataConfigSnapshot())
}
