// Package session binds the selected persona to its conversation and message
// store. A Controller owns at most one store at a time; switching persona
// tears the old one down before resolving the new one, and any resolution
// that completes after a newer selection is discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/config"
	"github.com/capitalize-ai/persona-chat/internal/events"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/store"
	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/metrics"
)

// State of the controller.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateResolving     State = "resolving"
	StateReady         State = "ready"
	StateError         State = "error"
)

// Trigger moves the controller between states.
type Trigger string

const (
	TriggerSelect     Trigger = "select"
	TriggerResolved   Trigger = "resolved"
	TriggerFailed     Trigger = "failed"
	TriggerRedirected Trigger = "redirected"
	TriggerReset      Trigger = "reset"
)

// ErrNoPersona is returned when Select or Retry has no persona to resolve.
var ErrNoPersona = errors.New("no persona selected")

const publishTimeout = 2 * time.Second

// API is the set of backend operations a session needs.
type API interface {
	store.API
	Me(ctx context.Context) (model.User, error)
	AssignedPersonas(ctx context.Context) ([]model.Persona, error)
	Persona(ctx context.Context, id string) (model.Persona, error)
	EnsureConversation(ctx context.Context, personaID, title string) (model.Conversation, error)
	Logout(ctx context.Context) error
}

// Redirect tells the caller where to navigate instead. An empty PersonaID
// means the persona picker.
type Redirect struct {
	PersonaID string
}

// ToPicker reports whether the redirect goes to the persona picker.
func (r *Redirect) ToPicker() bool {
	return r != nil && r.PersonaID == ""
}

func redirectFrom(personas []model.Persona, exclude string) *Redirect {
	for _, p := range personas {
		if p.ID != exclude {
			return &Redirect{PersonaID: p.ID}
		}
	}
	return &Redirect{}
}

// ErrorInfo is a classified resolution failure.
type ErrorInfo struct {
	// Retryable failures offer a retry action; the rest are terminal.
	Retryable bool
	Redirect  *Redirect
	Err       error
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("resolve session: %v", e.Err)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Err
}

// Classify maps a resolution error onto the user-facing policy.
func Classify(err error) *ErrorInfo {
	info := &ErrorInfo{Err: err}
	switch transport.KindOf(err) {
	case transport.KindNetwork, transport.KindUnavailable:
		info.Retryable = true
	case transport.KindNotFound:
		info.Redirect = &Redirect{}
	}
	return info
}

// Resolution is the outcome of a Select.
type Resolution struct {
	State        State
	Persona      model.Persona
	Conversation model.Conversation
	Store        *store.Store
	Features     config.Features
	// Redirect is set when the persona is not available to the user.
	Redirect *Redirect
}

// Options configures a Controller.
type Options struct {
	Features config.FeatureFlags
	Chat     config.ChatConfig
	Events   events.Publisher
	Logger   *logger.Logger
}

// Controller is the conversation/persona session controller.
type Controller struct {
	api    API
	opts   Options
	events events.Publisher
	logger *logger.Logger

	mu         sync.Mutex
	fsm        *stateless.StateMachine
	generation uint64
	cancel     context.CancelFunc

	personaID    string
	persona      model.Persona
	conversation model.Conversation
	features     config.Features
	store        *store.Store
	lastErr      *ErrorInfo
}

// New creates a controller in the uninitialized state.
func New(client API, opts Options) *Controller {
	c := &Controller{
		api:    client,
		opts:   opts,
		events: events.OrNop(opts.Events),
		logger: logger.OrGlobal(opts.Logger),
	}

	fsm := stateless.NewStateMachine(StateUninitialized)
	fsm.Configure(StateUninitialized).
		Permit(TriggerSelect, StateResolving).
		Ignore(TriggerReset)
	fsm.Configure(StateResolving).
		PermitReentry(TriggerSelect).
		Permit(TriggerResolved, StateReady).
		Permit(TriggerFailed, StateError).
		Permit(TriggerRedirected, StateUninitialized).
		Permit(TriggerReset, StateUninitialized)
	fsm.Configure(StateReady).
		Permit(TriggerSelect, StateResolving).
		Permit(TriggerReset, StateUninitialized)
	fsm.Configure(StateError).
		Permit(TriggerSelect, StateResolving).
		Permit(TriggerReset, StateUninitialized)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		from, to := fmt.Sprint(t.Source), fmt.Sprint(t.Destination)
		metrics.SessionTransitionsTotal.WithLabelValues(from, to).Inc()
		c.logger.Debug("session transition",
			zap.String("from", from),
			zap.String("to", to),
			zap.String("trigger", fmt.Sprint(t.Trigger)),
		)
	})
	c.fsm = fsm
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Store returns the bound message store, or nil.
func (c *Controller) Store() *store.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// PersonaID returns the selected persona id.
func (c *Controller) PersonaID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.personaID
}

// Err returns the last resolution failure while in the error state.
func (c *Controller) Err() *ErrorInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() != StateError {
		return nil
	}
	return c.lastErr
}

func (c *Controller) stateLocked() State {
	return c.fsm.MustState().(State)
}

func (c *Controller) fireLocked(t Trigger) {
	if err := c.fsm.Fire(t); err != nil {
		c.logger.Error("invalid session transition", zap.String("trigger", string(t)), zap.Error(err))
	}
}

func (c *Controller) resolutionLocked() Resolution {
	return Resolution{
		State:        c.stateLocked(),
		Persona:      c.persona,
		Conversation: c.conversation,
		Store:        c.store,
		Features:     c.features,
	}
}

// teardownLocked cancels the running resolution and clears and disposes the
// bound store, then invalidates every result still in flight.
func (c *Controller) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.store != nil {
		c.store.Clear()
		c.store.Dispose()
		c.store = nil
	}
	c.persona = model.Persona{}
	c.conversation = model.Conversation{}
	c.lastErr = nil
	c.generation++
}

// Select resolves personaID into a ready session. Selecting the persona that
// is already ready is a no-op. A resolution overtaken by a newer Select
// returns a cancellation error and changes nothing.
func (c *Controller) Select(ctx context.Context, personaID string) (Resolution, error) {
	if personaID == "" {
		return Resolution{}, ErrNoPersona
	}

	c.mu.Lock()
	if c.stateLocked() == StateReady && c.personaID == personaID {
		res := c.resolutionLocked()
		c.mu.Unlock()
		return res, nil
	}
	prev := c.personaID
	c.teardownLocked()
	gen := c.generation
	c.personaID = personaID
	resolveCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.fireLocked(TriggerSelect)
	c.mu.Unlock()

	if prev != "" && prev != personaID {
		c.logger.Info("switching persona", zap.String("from", prev), zap.String("to", personaID))
	}

	res, err := c.resolve(resolveCtx, gen, personaID)
	cancel()
	return res, err
}

// Retry re-resolves the selected persona after a failure.
func (c *Controller) Retry(ctx context.Context) (Resolution, error) {
	c.mu.Lock()
	personaID := c.personaID
	c.mu.Unlock()
	if personaID == "" {
		return Resolution{}, ErrNoPersona
	}
	return c.Select(ctx, personaID)
}

type lookup struct {
	user     model.User
	assigned []model.Persona
	persona  model.Persona
	userErr  error
	listErr  error
	getErr   error
}

func (c *Controller) lookup(ctx context.Context, personaID string) lookup {
	var (
		l  lookup
		wg sync.WaitGroup
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		l.user, l.userErr = c.api.Me(ctx)
	}()
	go func() {
		defer wg.Done()
		l.assigned, l.listErr = c.api.AssignedPersonas(ctx)
	}()
	go func() {
		defer wg.Done()
		l.persona, l.getErr = c.api.Persona(ctx, personaID)
	}()
	wg.Wait()
	return l
}

func (c *Controller) resolve(ctx context.Context, gen uint64, personaID string) (Resolution, error) {
	log := c.logger.WithSession(personaID, "")

	l := c.lookup(ctx, personaID)
	if err := errors.Join(l.userErr, l.listErr); err != nil {
		return c.fail(gen, personaID, err)
	}

	member := false
	for _, p := range l.assigned {
		if p.ID == personaID {
			member = true
			break
		}
	}
	if !member {
		return c.redirect(gen, personaID, redirectFrom(l.assigned, personaID))
	}
	if l.getErr != nil {
		return c.fail(gen, personaID, l.getErr)
	}

	title := l.persona.Name
	if title == "" {
		title = "Chat"
	}
	conv, err := c.api.EnsureConversation(ctx, personaID, title)
	if err != nil {
		return c.fail(gen, personaID, err)
	}

	features := c.opts.Features.Resolve(l.user.IsAdmin())

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return c.stale(personaID)
	}
	st := store.New(c.api, store.Options{
		ConversationID: conv.ID,
		PersonaID:      personaID,
		InitialLimit:   c.opts.Chat.InitialLimit,
		OlderLimit:     c.opts.Chat.OlderLimit,
		SearchLimit:    c.opts.Chat.SearchLimit,
		Features:       features,
		Events:         c.events,
		Logger:         c.logger,
	})
	c.store = st
	c.persona = l.persona
	c.conversation = conv
	c.features = features
	c.mu.Unlock()

	if err := st.LoadRecent(ctx, c.opts.Chat.InitialLimit); err != nil {
		return c.fail(gen, personaID, err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return c.stale(personaID)
	}
	c.fireLocked(TriggerResolved)
	res := c.resolutionLocked()
	c.mu.Unlock()

	log.Info("session ready", zap.String("conversation_id", conv.ID), zap.Int("messages", len(st.Messages())))
	c.publish(model.EventSessionReady, personaID, conv.ID, "")
	return res, nil
}

func (c *Controller) fail(gen uint64, personaID string, err error) (Resolution, error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return c.stale(personaID)
	}
	if transport.IsCancelled(err) {
		// The caller's context ended; nothing to show.
		c.teardownLocked()
		c.fireLocked(TriggerReset)
		c.mu.Unlock()
		return Resolution{State: StateUninitialized}, err
	}

	if c.store != nil {
		c.store.Dispose()
		c.store = nil
	}
	info := Classify(err)
	c.lastErr = info
	c.fireLocked(TriggerFailed)
	res := Resolution{State: StateError, Redirect: info.Redirect}
	c.mu.Unlock()

	c.logger.Warn("session resolution failed",
		zap.String("persona_id", personaID),
		zap.Bool("retryable", info.Retryable),
		zap.Error(err),
	)
	c.publish(model.EventSessionFailed, personaID, "", transport.UserMessage(err))
	return res, info
}

func (c *Controller) redirect(gen uint64, personaID string, to *Redirect) (Resolution, error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return c.stale(personaID)
	}
	c.personaID = ""
	c.fireLocked(TriggerRedirected)
	c.mu.Unlock()

	c.logger.Info("persona not assigned; redirecting",
		zap.String("persona_id", personaID),
		zap.String("redirect_to", to.PersonaID),
	)
	c.publish(model.EventPersonaRedirected, personaID, "", to.PersonaID)
	return Resolution{State: StateUninitialized, Redirect: to}, nil
}

func (c *Controller) stale(personaID string) (Resolution, error) {
	metrics.StaleResultsTotal.WithLabelValues("session_resolve").Inc()
	c.logger.Debug("dropping stale session resolution", zap.String("persona_id", personaID))
	return Resolution{}, transport.Cancelled(context.Canceled)
}

// Close tears the session down without logging out.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.personaID = ""
	c.fireLocked(TriggerReset)
}

// Logout tears the session down and signs the user out.
func (c *Controller) Logout(ctx context.Context) error {
	c.Close()
	return c.api.Logout(ctx)
}

// AfterUnassign decides where to go when personaID is removed from the
// user's assigned set. It returns nil when the active session is unaffected;
// otherwise the session is torn down and the redirect names the first
// remaining persona, or the picker.
func (c *Controller) AfterUnassign(personaID string, remaining []model.Persona) *Redirect {
	c.mu.Lock()
	if c.personaID != personaID {
		c.mu.Unlock()
		return nil
	}
	c.teardownLocked()
	c.personaID = ""
	c.fireLocked(TriggerReset)
	c.mu.Unlock()

	to := redirectFrom(remaining, personaID)
	c.publish(model.EventPersonaRedirected, personaID, "", to.PersonaID)
	return to
}

func (c *Controller) publish(typ model.EventType, personaID, convID, reason string) {
	ev := events.New(typ, personaID, convID)
	ev.Reason = reason
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("failed to publish client event", zap.String("type", string(typ)), zap.Error(err))
	}
}
