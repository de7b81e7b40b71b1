package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/transport"
)

// LoadRecent fetches the newest limit messages and replaces the list and
// cursors. Local entries owned by an in-flight send or stream survive the
// replacement. A call made while another is in flight shares its outcome
// instead of issuing a second request. The fetch runs on the store's own
// scope, so ctx only bounds how long this caller waits for it.
func (s *Store) LoadRecent(ctx context.Context, limit int) error {
	if err := ctx.Err(); err != nil {
		return transport.Cancelled(err)
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	op := s.recent
	if op == nil {
		if limit <= 0 {
			limit = s.initialLimit
		}
		opCtx, cancel, gen, err := s.beginLocked(s.scope)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		op = &recentOp{done: make(chan struct{})}
		s.recent = op
		s.recentLimit = limit
		s.loading.Initial = true
		go s.fetchRecent(opCtx, cancel, gen, op, limit)
	}
	s.mu.Unlock()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return transport.Cancelled(ctx.Err())
	}
}

func (s *Store) fetchRecent(ctx context.Context, cancel context.CancelFunc, gen uint64, op *recentOp, limit int) {
	defer close(op.done)

	page, err := s.api.RecentMessages(ctx, s.convID, limit)
	cancel()

	s.mu.Lock()
	if s.recent == op {
		s.recent = nil
	}
	if s.staleLocked(gen, "load_recent") {
		s.mu.Unlock()
		op.err = cancelledErr()
		return
	}
	s.loading.Initial = false
	if err != nil {
		s.mu.Unlock()
		if !transport.IsCancelled(err) {
			s.logger.Warn("failed to load recent messages", zap.Error(err))
		}
		op.err = err
		return
	}

	s.messages = normalize(concat(s.withoutLiveReplyLocked(page.Items), s.localMessagesLocked()))
	s.cursor = page.Cursor
	s.initialized = true
	s.emitLocked(Change{Kind: ListReplaced, Count: len(page.Items)})
	s.unlockAndNotify()

	s.logger.Debug("loaded recent messages", zap.Int("count", len(page.Items)), zap.Bool("has_previous", page.Cursor.HasPrevious))
}

// Refresh reloads the recent window with the last used limit.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	limit := s.recentLimit
	s.mu.Unlock()
	return s.LoadRecent(ctx, limit)
}

// LoadOlder prepends the page before the previous cursor and returns how many
// messages arrived. It returns immediately when there is nothing older or a
// load is already running. The previous-side cursor is replaced by the
// server's values, never merged; the newer edge of the window is untouched.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0, ErrDisposed
	}
	if !s.initialized || !s.cursor.HasPrevious || s.loading.Older {
		s.mu.Unlock()
		return 0, nil
	}
	before := s.cursor.PreviousCursor
	if before == "" {
		before = s.oldestServerIDLocked()
	}
	if before == "" {
		s.mu.Unlock()
		return 0, nil
	}

	opCtx, cancel, gen, err := s.beginLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.loading.Older = true
	s.mu.Unlock()

	page, err := s.api.OlderMessages(opCtx, s.convID, before, s.olderLimit)
	cancel()

	s.mu.Lock()
	if s.staleLocked(gen, "load_older") {
		s.mu.Unlock()
		return 0, cancelledErr()
	}
	s.loading.Older = false
	if err != nil {
		s.mu.Unlock()
		if !transport.IsCancelled(err) {
			s.logger.Warn("failed to load older messages", zap.Error(err))
		}
		return 0, err
	}

	before0 := len(s.messages)
	s.messages = normalize(concat(page.Items, s.messages))
	added := len(s.messages) - before0
	s.cursor.HasPrevious = page.Cursor.HasPrevious
	s.cursor.PreviousCursor = page.Cursor.PreviousCursor
	s.emitLocked(Change{Kind: MessagesPrepended, Count: added})
	s.unlockAndNotify()

	return added, nil
}
