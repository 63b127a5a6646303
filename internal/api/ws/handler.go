// Package ws terminates bot WebSocket connections and bridges them
// into the broker: upgrade, authenticate, attach, then pump frames
// until the transport dies.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/infrastructure/monitoring"
	"github.com/chromeherd/chromeherd/internal/store"
)

// Directory is the persistence surface the handler needs: enroll a bot
// when it authenticates, mark it offline when its connection drops.
type Directory interface {
	UpsertBot(ctx context.Context, identity, userAgent string) (*store.Bot, error)
	MarkOffline(ctx context.Context, identity string) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Bots connect from extension contexts with arbitrary origins.
		return true
	},
}

// transport adapts a gorilla connection to the broker's Transport.
type transport struct {
	ws *websocket.Conn
}

func (t *transport) WriteMessage(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) Close() error { return t.ws.Close() }

func (t *transport) RemoteAddr() string { return t.ws.RemoteAddr().String() }

// Handler accepts bot connections.
type Handler struct {
	engine      *broker.Engine
	directory   Directory
	log         *zap.Logger
	metrics     *monitoring.Metrics
	authTimeout time.Duration
}

// NewHandler creates a WebSocket handler. directory may be nil.
func NewHandler(engine *broker.Engine, directory Directory, log *zap.Logger, authTimeout time.Duration) *Handler {
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	return &Handler{
		engine:      engine,
		directory:   directory,
		log:         log.Named("ws"),
		authTimeout: authTimeout,
	}
}

// WithMetrics attaches Prometheus instrumentation.
func (h *Handler) WithMetrics(m *monitoring.Metrics) *Handler {
	h.metrics = m
	return h
}

// restoreConfig puts the bot's stored config blobs back onto a fresh
// connection. A bot with no stored switch config keeps the defaults.
func (h *Handler) restoreConfig(conn *broker.Conn, bot *store.Bot) {
	if len(bot.SwitchConfig) > 0 {
		var cfg broker.SwitchConfig
		if err := json.Unmarshal(bot.SwitchConfig, &cfg); err != nil {
			h.log.Warn("Stored switch config unreadable, keeping defaults",
				zap.String("identity", bot.Identity),
				zap.Error(err))
		} else {
			conn.SetSwitchConfig(cfg)
		}
	}
	conn.SetDataConfig(bot.DataConfig)
}

// HandleConnection upgrades the request and runs the connection to
// completion. The bot must answer an AUTH call before it is attached;
// everything it sends before that is discarded.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := broker.NewConn(&transport{ws: ws})
	registry := h.engine.Registry()

	// The read pump starts before authentication so the AUTH reply can
	// reach the engine.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			h.engine.HandleFrame(conn, raw)
		}
	}()

	auth, err := h.engine.Authenticate(c.Request.Context(), conn, h.authTimeout)
	if err != nil {
		h.log.Warn("Bot authentication failed",
			zap.String("addr", conn.RemoteAddr()),
			zap.Error(err))
		ws.Close()
		<-readDone
		return
	}

	// Enroll before attach so the persisted config is already on the
	// connection when the first outbound call or policy tick sees it.
	if h.directory != nil {
		bot, err := h.directory.UpsertBot(c.Request.Context(), auth.Identity, auth.UserAgent)
		if err != nil {
			h.log.Error("Bot enrollment failed",
				zap.String("identity", auth.Identity),
				zap.Error(err))
		} else {
			h.restoreConfig(conn, bot)
		}
	}
	registry.Attach(auth.Identity, conn)
	if h.metrics != nil {
		h.metrics.IncBotsAttached()
		h.metrics.SetBotsConnected(registry.Count())
	}

	<-readDone

	removed := registry.Detach(conn)
	// A replaced connection's read loop also exits here; only the
	// authoritative connection updates the directory.
	if removed && h.directory != nil {
		if err := h.directory.MarkOffline(context.Background(), auth.Identity); err != nil {
			h.log.Error("Marking bot offline failed",
				zap.String("identity", auth.Identity),
				zap.Error(err))
		}
	}
	if h.metrics != nil {
		h.metrics.SetBotsConnected(registry.Count())
	}
}
