// Package navigate drives remote "open URL, wait for load, extract"
// tasks against connected bots. It is a specialized caller of the
// broker: the bot does the tab work, the manager owns task tracking,
// the abort path, and the two-tier timeout.
package navigate

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

// State is the lifecycle stage of a navigation task.
type State string

const (
	StatePending    State = "PENDING"
	StateNavigating State = "NAVIGATING"
	StateExtracting State = "EXTRACTING"
	StateDone       State = "DONE"
	StateTimedOut   State = "TIMED_OUT"
	StateAborted    State = "ABORTED"
)

const (
	// DefaultCallTimeout bounds the dispatch-side wait for the fetch call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultHardLimit bounds the whole task including the degraded
	// execution path on the bot side.
	DefaultHardLimit = 35 * time.Second
	// stopTimeout bounds the best-effort stop call sent on abort.
	stopTimeout = 5 * time.Second
)

// Task is one outstanding navigate-and-extract request.
type Task struct {
	ID        id.TaskID
	Identity  string
	URL       string
	StartedAt time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// State returns the task's current lifecycle stage.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDone || t.state == StateTimedOut || t.state == StateAborted {
		return
	}
	t.state = s
}

// abort cancels the task's in-flight call and marks it aborted.
func (t *Task) abort() {
	t.mu.Lock()
	cancel := t.cancel
	if t.state != StateDone && t.state != StateTimedOut {
		t.state = StateAborted
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Manager tracks navigation tasks per bot identity.
type Manager struct {
	engine  *broker.Engine
	log     *zap.Logger
	metrics *monitoring.Metrics

	callTimeout time.Duration
	hardLimit   time.Duration

	mu    sync.Mutex
	tasks map[string]map[id.TaskID]*Task
}

// NewManager creates a navigation task manager on top of the broker
// engine. Zero timeouts select the defaults.
func NewManager(engine *broker.Engine, log *zap.Logger, callTimeout, hardLimit time.Duration) *Manager {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if hardLimit <= 0 {
		hardLimit = DefaultHardLimit
	}
	return &Manager{
		engine:      engine,
		log:         log.Named("navigate"),
		callTimeout: callTimeout,
		hardLimit:   hardLimit,
		tasks:       make(map[string]map[id.TaskID]*Task),
	}
}

// WithMetrics attaches Prometheus instrumentation.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

func (m *Manager) track(t *Task) {
	m.mu.Lock()
	byID := m.tasks[t.Identity]
	if byID == nil {
		byID = make(map[id.TaskID]*Task)
		m.tasks[t.Identity] = byID
	}
	byID[t.ID] = t
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.NavigationTasksActive.Inc()
	}
}

func (m *Manager) untrack(t *Task) {
	m.mu.Lock()
	if byID, ok := m.tasks[t.Identity]; ok {
		if _, tracked := byID[t.ID]; tracked {
			delete(byID, t.ID)
			if len(byID) == 0 {
				delete(m.tasks, t.Identity)
			}
			if m.metrics != nil {
				m.metrics.NavigationTasksActive.Dec()
			}
		}
	}
	m.mu.Unlock()
}

// Fetch navigates the bot's browser to url and returns the rendered
// document. It blocks the caller until completion, timeout, or abort.
func (m *Manager) Fetch(ctx context.Context, identity, url string) (broker.NavigateResult, error) {
	taskCtx, cancel := context.WithTimeout(ctx, m.hardLimit)
	defer cancel()

	task := &Task{
		ID:        id.NewTaskID(),
		Identity:  identity,
		URL:       url,
		StartedAt: time.Now(),
		state:     StatePending,
		cancel:    cancel,
	}
	m.track(task)
	defer m.untrack(task)

	m.log.Debug("Navigation task started",
		zap.String("task_id", task.ID.String()),
		zap.String("identity", identity),
		zap.String("url", url))

	task.setState(StateNavigating)
	raw, err := m.engine.Call(taskCtx, identity, broker.MethodTabNavigateAndFetch,
		broker.NavigateParams{URL: url}, m.callTimeout)
	if err != nil {
		switch broker.KindOf(err) {
		case broker.KindTimeout:
			task.setState(StateTimedOut)
		default:
			task.setState(StateAborted)
		}
		m.log.Debug("Navigation task failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
		return broker.NavigateResult{}, err
	}

	task.setState(StateExtracting)
	var res broker.NavigateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		task.setState(StateAborted)
		return broker.NavigateResult{}, broker.NewCallError(broker.KindSetupFailed,
			"malformed navigation result from %s: %v", identity, err)
	}
	if res.Error != "" {
		task.setState(StateAborted)
		kind := broker.KindSetupFailed
		if res.Error == "NO_TABS" {
			kind = broker.KindNoTabs
		}
		return broker.NavigateResult{}, broker.NewCallError(kind,
			"navigation on %s failed: %s", identity, res.Error)
	}

	task.setState(StateDone)
	return res, nil
}

// Stop aborts every tracked task for the identity and asks the bot to
// halt any in-flight load. Aborted callers observe an ABORTED failure.
// The stop call to the bot is best-effort. Returns the number of tasks
// aborted.
func (m *Manager) Stop(ctx context.Context, identity string) int {
	m.mu.Lock()
	byID := m.tasks[identity]
	aborting := make([]*Task, 0, len(byID))
	for _, t := range byID {
		aborting = append(aborting, t)
	}
	m.mu.Unlock()

	for _, t := range aborting {
		t.abort()
		m.untrack(t)
	}

	if _, err := m.engine.Call(ctx, identity, broker.MethodStopTabNavigate, nil, stopTimeout); err != nil {
		m.log.Debug("Stop-navigation call failed",
			zap.String("identity", identity),
			zap.Error(err))
	}

	if len(aborting) > 0 {
		m.log.Info("Navigation tasks aborted",
			zap.String("identity", identity),
			zap.Int("count", len(aborting)))
	}
	return len(aborting)
}

// HandleDisconnect aborts all tasks for a bot that dropped its
// connection. No stop call is issued since there is no transport to
// carry it; the broker has already failed the in-flight calls.
func (m *Manager) HandleDisconnect(identity string) {
	m.mu.Lock()
	byID := m.tasks[identity]
	aborting := make([]*Task, 0, len(byID))
	for _, t := range byID {
		aborting = append(aborting, t)
	}
	m.mu.Unlock()

	for _, t := range aborting {
		t.abort()
		m.untrack(t)
	}
}

// ActiveCount reports how many tasks are tracked for the identity.
func (m *Manager) ActiveCount(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks[identity])
}
