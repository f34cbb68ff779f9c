// Package coordinator multiplexes agent sessions: it owns the draft and
// handle registries, serializes turns per session, persists messages and
// relays events and prompts to observers.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/metrics"
	"github.com/ignacioreyna/omni-bot/internal/permission"
	"github.com/ignacioreyna/omni-bot/internal/repository"
	"github.com/ignacioreyna/omni-bot/internal/transcript"
)

const tracerName = "github.com/ignacioreyna/omni-bot/internal/coordinator"

// storeTimeout bounds store writes made outside a caller's context.
const storeTimeout = 5 * time.Second

var errShutDown = fmt.Errorf("%w: coordinator is shut down", domain.ErrInvalidState)

// Analyzer derives a title and a model tier from a first message.
type Analyzer interface {
	Analyze(ctx context.Context, text string, selectModel bool) (string, domain.ModelType)
	SelectModel(ctx context.Context, text string) domain.ModelType
}

// Transcripts reads external transcripts used to seed forked sessions.
type Transcripts interface {
	ReadMessages(sessionID string) []transcript.Message
}

// Options configure a Coordinator.
type Options struct {
	MaxConcurrentSessions  int
	InteractivePermissions bool

	Directories agent.Directories
	Policy      agent.ToolPolicy
	Analyzer    Analyzer
	Transcripts Transcripts

	Logger *zap.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

// Coordinator is the single owner of in-memory session state.
type Coordinator struct {
	store   repository.Store
	runtime agent.Runtime
	broker  *permission.Broker
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	promotions singleflight.Group

	mu      sync.Mutex
	drafts  map[string]*domain.Draft
	handles map[string]*agent.Handle
	turns   map[string]*turnState
	forks   map[string]bool
	closed  bool

	obsMu        sync.RWMutex
	observers    map[int]Observer
	nextObserver int
}

// New creates a coordinator and registers it as the broker's notifier.
func New(store repository.Store, runtime agent.Runtime, broker *permission.Broker, opts Options) *Coordinator {
	if opts.MaxConcurrentSessions <= 0 {
		opts.MaxConcurrentSessions = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		store:     store,
		runtime:   runtime,
		broker:    broker,
		opts:      opts,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		now:       opts.Now,
		drafts:    make(map[string]*domain.Draft),
		handles:   make(map[string]*agent.Handle),
		turns:     make(map[string]*turnState),
		forks:     make(map[string]bool),
		observers: make(map[int]Observer),
	}
	broker.SetNotifier(permission.NotifierFunc(c.promptRequested))
	return c
}

// OpenHandles returns the number of sessions holding an agent handle.
func (c *Coordinator) OpenHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// admitLocked checks the concurrency cap for a new session.
func (c *Coordinator) admitLocked() error {
	if c.closed {
		return errShutDown
	}
	if len(c.handles) >= c.opts.MaxConcurrentSessions {
		metrics.CapacityRejections.Inc()
		return fmt.Errorf("%w (%d)", domain.ErrCapacityExceeded, c.opts.MaxConcurrentSessions)
	}
	return nil
}

// handleLocked returns the session's handle, opening one if needed. Opening
// a handle never takes the open count beyond the cap.
func (c *Coordinator) handleLocked(session *domain.Session) (*agent.Handle, error) {
	if h, ok := c.handles[session.ID]; ok {
		return h, nil
	}
	if len(c.handles) >= c.opts.MaxConcurrentSessions {
		metrics.CapacityRejections.Inc()
		return nil, fmt.Errorf("%w (%d)", domain.ErrCapacityExceeded, c.opts.MaxConcurrentSessions)
	}

	id := session.ID
	hopts := agent.Options{
		WorkingDirectory: session.WorkingDirectory,
		RemoteSessionID:  session.RemoteSessionID,
		Fork:             c.forks[id],
		Directories:      c.opts.Directories,
		Policy:           c.opts.Policy,
		Logger:           c.logger.With(zap.String("session_id", id)),
	}
	if c.opts.InteractivePermissions {
		hopts.Permissions = func(ctx context.Context, req domain.PermissionRequest) domain.Decision {
			return c.broker.RequestPermission(ctx, id, req)
		}
		hopts.Questions = func(ctx context.Context, req domain.QuestionRequest) domain.Decision {
			return c.broker.RequestQuestion(ctx, id, req)
		}
	}
	h := agent.NewHandle(c.runtime, hopts)
	delete(c.forks, id)
	c.handles[id] = h
	metrics.OpenHandles.Set(float64(len(c.handles)))
	return h, nil
}

// releaseLocked drops the session's handle and turn state. The caller aborts
// the returned handle outside the lock.
func (c *Coordinator) releaseLocked(sessionID string) *agent.Handle {
	h := c.handles[sessionID]
	delete(c.handles, sessionID)
	delete(c.turns, sessionID)
	metrics.OpenHandles.Set(float64(len(c.handles)))
	return h
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	h := c.releaseLocked(sessionID)
	c.mu.Unlock()
	if h != nil {
		h.Abort()
	}
}

// Shutdown aborts every handle and denies every pending prompt. It is
// idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handles := make([]*agent.Handle, 0, len(c.handles))
	for id, h := range c.handles {
		handles = append(handles, h)
		delete(c.handles, id)
	}
	c.turns = make(map[string]*turnState)
	c.drafts = make(map[string]*domain.Draft)
	metrics.OpenHandles.Set(0)
	c.mu.Unlock()

	c.logger.Info("shutting down coordinator", zap.Int("handles", len(handles)))
	for _, h := range handles {
		h.Abort()
	}
	c.broker.Shutdown()
}

func (c *Coordinator) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
