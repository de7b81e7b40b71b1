// Package store holds the message cache for one active conversation: the
// ordered message list, its pagination cursors, and the requests in flight
// against it. A Store is created per conversation and disposed on switch.
//
// Every asynchronous operation captures the store generation (and, for sends
// and streams, the identity of its own in-flight handle) when it starts and
// drops its result if either changed by the time it completes.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/api"
	"github.com/capitalize-ai/persona-chat/internal/config"
	"github.com/capitalize-ai/persona-chat/internal/events"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/metrics"
)

var (
	// ErrEmptyMessage is returned when a send has neither content nor files.
	ErrEmptyMessage = errors.New("message has no content or files")
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("message store disposed")
	// ErrFeatureDisabled is returned when the session's features forbid the operation.
	ErrFeatureDisabled = errors.New("feature disabled")
	// ErrNotDeletable is returned for messages that are not confirmed by the server.
	ErrNotDeletable = errors.New("message cannot be deleted")
	// ErrMessageNotFound is returned when an id is not in the loaded list.
	ErrMessageNotFound = errors.New("message not in conversation")
	// ErrNotConfirmed is returned for server-side lookups on local entries.
	ErrNotConfirmed = errors.New("message not confirmed by the server")
)

// API is the subset of backend operations the store uses.
type API interface {
	RecentMessages(ctx context.Context, convID string, limit int) (model.MessagePage, error)
	OlderMessages(ctx context.Context, convID, before string, limit int) (model.MessagePage, error)
	SendMessage(ctx context.Context, convID string, req model.SendRequest) (model.Message, error)
	DeleteMessage(ctx context.Context, convID, msgID string) error
	SearchMessages(ctx context.Context, convID, query string, page, limit int) (model.SearchPage, error)
	MessageCount(ctx context.Context, convID string) (int, error)
	MessageAttachments(ctx context.Context, convID, msgID string) ([]model.AttachmentInfo, error)
	StreamReply(ctx context.Context, convID, msgID string) (*api.Reply, error)
}

var _ API = (*api.Client)(nil)

// Options configures a Store.
type Options struct {
	ConversationID string
	PersonaID      string

	InitialLimit int
	OlderLimit   int
	SearchLimit  int

	Features config.Features
	Events   events.Publisher
	Logger   *logger.Logger

	// Now overrides the clock used for local placeholder timestamps.
	Now func() time.Time
}

// Loading reports which classes of operation are in flight. Each class gets
// its own affordance: an older-page load must not look like an initial load.
type Loading struct {
	Initial   bool
	Older     bool
	Sending   bool
	Streaming bool
}

// Any reports whether anything is in flight.
func (l Loading) Any() bool {
	return l.Initial || l.Older || l.Sending || l.Streaming
}

type recentOp struct {
	done chan struct{}
	err  error
}

type sendOp struct {
	cancel   context.CancelFunc
	bubbleID string
	// placeholderID is set when the send opens a streamed exchange.
	placeholderID string
}

type streamOp struct {
	cancel        context.CancelFunc
	placeholderID string
	userID        string
	// serverID is the reply id announced by the stream's response headers.
	serverID string
}

// Store is the message cache for one conversation.
type Store struct {
	api      API
	convID   string
	persona  string
	features config.Features
	events   events.Publisher
	logger   *logger.Logger
	now      func() time.Time

	initialLimit int
	olderLimit   int
	searchLimit  int

	mu          sync.Mutex
	messages    []model.Message
	cursor      model.Cursor
	initialized bool
	loading     Loading
	generation  uint64
	disposed    bool

	scope       context.Context
	scopeCancel context.CancelFunc

	recent      *recentOp
	recentLimit int
	send        *sendOp
	stream      *streamOp

	observers  map[int]func(Change)
	observerID int
	changes    []Change
}

// New creates a store for one conversation.
func New(client API, opts Options) *Store {
	if opts.InitialLimit <= 0 {
		opts.InitialLimit = 30
	}
	if opts.OlderLimit <= 0 {
		opts.OlderLimit = 20
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		api:          client,
		convID:       opts.ConversationID,
		persona:      opts.PersonaID,
		features:     opts.Features,
		events:       events.OrNop(opts.Events),
		logger:       logger.OrGlobal(opts.Logger).WithSession(opts.PersonaID, opts.ConversationID),
		now:          opts.Now,
		initialLimit: opts.InitialLimit,
		olderLimit:   opts.OlderLimit,
		searchLimit:  opts.SearchLimit,
		recentLimit:  opts.InitialLimit,
		observers:    make(map[int]func(Change)),
	}
	s.scope, s.scopeCancel = context.WithCancel(context.Background())
	return s
}

// ConversationID returns the conversation this store caches.
func (s *Store) ConversationID() string { return s.convID }

// PersonaID returns the persona the conversation belongs to.
func (s *Store) PersonaID() string { return s.persona }

// Features returns the feature set the store enforces.
func (s *Store) Features() config.Features { return s.features }

// Messages returns a copy of the message list, oldest first.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Message returns one message by id.
func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i], true
	}
	return model.Message{}, false
}

// Cursor returns the pagination state.
func (s *Store) Cursor() model.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Loading returns the in-flight flags.
func (s *Store) Loading() Loading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Initialized reports whether a recent window has been loaded.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Clear aborts everything in flight and resets the store to its empty,
// uninitialized state. Calling it repeatedly is harmless.
func (s *Store) Clear() {
	s.mu.Lock()
	s.clearLocked()
	s.unlockAndNotify()
}

// Dispose clears the store and rejects all further operations.
func (s *Store) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	s.disposed = true
	s.unlockAndNotify()
	s.logger.Debug("message store disposed")
}

func (s *Store) clearLocked() {
	s.scopeCancel()
	s.scope, s.scopeCancel = context.WithCancel(context.Background())
	if s.send != nil {
		s.send.cancel()
		s.send = nil
	}
	if s.stream != nil {
		s.stream.cancel()
		s.stream = nil
	}
	s.recent = nil
	s.generation++

	hadState := len(s.messages) > 0 || s.initialized
	s.messages = nil
	s.cursor = model.Cursor{}
	s.initialized = false
	s.loading = Loading{}
	if hadState {
		s.emitLocked(Change{Kind: ListReplaced})
	}
}

// beginLocked validates the store and derives an operation context that ends when
// either ctx or the current generation ends.
func (s *Store) beginLocked(ctx context.Context) (context.Context, context.CancelFunc, uint64, error) {
	if s.disposed {
		return nil, nil, 0, ErrDisposed
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.scope, cancel)
	return opCtx, func() { stop(); cancel() }, s.generation, nil
}

func (s *Store) staleLocked(gen uint64, op string) bool {
	if gen == s.generation && !s.disposed {
		return false
	}
	metrics.StaleResultsTotal.WithLabelValues(op).Inc()
	s.logger.Debug("dropping stale result", zap.String("operation", op))
	return true
}

func (s *Store) localID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "local-" + id.String()
}

// localTimestampLocked keeps new local entries at the end of the list even
// when the local clock lags the server's.
func (s *Store) localTimestampLocked() time.Time {
	now := s.now()
	if n := len(s.messages); n > 0 && now.Before(s.messages[n-1].Timestamp) {
		return s.messages[n-1].Timestamp
	}
	return now
}

func (s *Store) publish(typ model.EventType, msgID, reason string) {
	ev := events.New(typ, s.persona, s.convID)
	ev.MessageID = msgID
	ev.Reason = reason

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish client event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func cancelledErr() error {
	return transport.Cancelled(context.Canceled)
}
