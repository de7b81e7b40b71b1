package store

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/transport"
)

// Delete removes a message once the server confirms it. On failure the
// message stays and the error is returned.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !s.features.MessageDelete {
		return ErrFeatureDisabled
	}

	s.mu.Lock()
	opCtx, cancel, gen, err := s.beginLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		cancel()
		return ErrMessageNotFound
	}
	if m := s.messages[i]; m.Local || !m.Status.Final() {
		s.mu.Unlock()
		cancel()
		return ErrNotDeletable
	}
	s.mu.Unlock()

	err = s.api.DeleteMessage(opCtx, s.convID, id)
	cancel()

	s.mu.Lock()
	if s.staleLocked(gen, "delete") {
		s.mu.Unlock()
		return cancelledErr()
	}
	if err != nil {
		s.mu.Unlock()
		if !transport.IsCancelled(err) {
			s.logger.Warn("failed to delete message", zap.String("message_id", id), zap.Error(err))
		}
		return err
	}
	s.removeLocked(id)
	if s.cursor.PreviousCursor == id {
		s.cursor.PreviousCursor = s.oldestServerIDLocked()
	}
	s.unlockAndNotify()

	s.publish(model.EventMessageDeleted, id, "")
	return nil
}

// Search runs a server-side search. It never touches the cached list or its
// cursors. A page below 1 becomes 1 and a non-positive limit uses the
// configured search page size.
func (s *Store) Search(ctx context.Context, query string, page, limit int) (model.SearchPage, error) {
	if !s.features.MessageSearch {
		return model.SearchPage{}, ErrFeatureDisabled
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.searchLimit
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return model.SearchPage{Page: page, Limit: limit}, nil
	}

	s.mu.Lock()
	opCtx, cancel, gen, err := s.beginLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return model.SearchPage{}, err
	}

	res, err := s.api.SearchMessages(opCtx, s.convID, query, page, limit)
	cancel()
	if err := s.checkRead(gen, "search", err); err != nil {
		return model.SearchPage{}, err
	}
	return res, nil
}

// Count returns the server's message total for the conversation.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	opCtx, cancel, gen, err := s.beginLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	n, err := s.api.MessageCount(opCtx, s.convID)
	cancel()
	if err := s.checkRead(gen, "count", err); err != nil {
		return 0, err
	}
	return n, nil
}

// Attachments lists the files stored with a confirmed message. Local entries
// have no server-side record and fail with ErrNotConfirmed.
func (s *Store) Attachments(ctx context.Context, id string) ([]model.AttachmentInfo, error) {
	s.mu.Lock()
	opCtx, cancel, gen, err := s.beginLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if i := s.indexLocked(id); i >= 0 && s.messages[i].Local {
		s.mu.Unlock()
		cancel()
		return nil, ErrNotConfirmed
	}
	s.mu.Unlock()

	out, err := s.api.MessageAttachments(opCtx, s.convID, id)
	cancel()
	if err := s.checkRead(gen, "attachments", err); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) checkRead(gen uint64, op string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, op) {
		return cancelledErr()
	}
	return err
}
