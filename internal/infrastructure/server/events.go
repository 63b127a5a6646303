package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/recording"
)

// EventSink persists event snapshots the broker does not interpret.
type EventSink interface {
	SaveEvent(ctx context.Context, identity, action string, payload json.RawMessage) error
}

// EventRouter fans unsolicited bot events out to the recording manager
// and the event sink. Routing is a closed switch over the known event
// names; unknown events are logged once at debug and dropped.
type EventRouter struct {
	recorder *recording.Manager
	sink     EventSink
	log      *zap.Logger
}

// NewEventRouter creates the router. sink may be nil.
func NewEventRouter(recorder *recording.Manager, sink EventSink, log *zap.Logger) *EventRouter {
	return &EventRouter{
		recorder: recorder,
		sink:     sink,
		log:      log.Named("events"),
	}
}

// HandleEvent implements broker.EventHandler. It runs on the
// connection's read loop, so per-bot events arrive in order.
func (r *EventRouter) HandleEvent(identity, action string, data json.RawMessage) {
	ctx := context.Background()
	switch action {
	case broker.EventPing:
		// Liveness bookkeeping already happened when the frame arrived.
	case broker.EventAudioData:
		r.recorder.HandleChunk(ctx, identity, data)
	case broker.EventDebugLog:
		r.log.Debug("Bot debug log",
			zap.String("identity", identity),
			zap.ByteString("payload", data))
	case broker.EventState, broker.EventSync, broker.EventSyncHuge,
		broker.EventRealtimeImage, broker.EventKeyboardLogs,
		broker.EventScreenCapture, broker.EventUserActivity:
		r.persist(ctx, identity, action, data)
	default:
		r.log.Debug("Unknown event dropped",
			zap.String("identity", identity),
			zap.String("action", action))
	}
}

func (r *EventRouter) persist(ctx context.Context, identity, action string, data json.RawMessage) {
	if r.sink == nil {
		return
	}
	if err := r.sink.SaveEvent(ctx, identity, action, data); err != nil {
		r.log.Warn("Event persistence failed",
			zap.String("identity", identity),
			zap.String("action", action),
			zap.Error(err))
	}
}
