package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/stream"
	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/metrics"
)

func (s *Store) checkSend(content string, files []model.Attachment) error {
	if content == "" && len(files) == 0 {
		return ErrEmptyMessage
	}
	if len(files) > 0 && !s.features.FileUpload {
		return ErrFeatureDisabled
	}
	for _, f := range files {
		if f.IsImage() && !s.features.ImageUpload {
			return ErrFeatureDisabled
		}
	}
	return nil
}

// Send posts a user message. A pending bubble is shown while the request runs
// and is replaced by the server's message on success or removed on failure.
// Starting a send aborts any send still in flight; the aborted one returns a
// cancellation error and leaves no message behind.
func (s *Store) Send(ctx context.Context, content string, files []model.Attachment) (model.Message, error) {
	content = strings.TrimSpace(content)
	if err := s.checkSend(content, files); err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	opCtx, cancel, _, err := s.beginLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	s.abortSendLocked()

	bubble := model.Message{
		ID:        s.localID(),
		Role:      model.RoleUser,
		Content:   content,
		Type:      model.MessageTypeText,
		Timestamp: s.localTimestampLocked(),
		Status:    model.StatusPending,
		Local:     true,
	}
	s.appendLocked(bubble)
	op := &sendOp{cancel: cancel, bubbleID: bubble.ID}
	s.send = op
	s.loading.Sending = true
	s.unlockAndNotify()

	sent, err := s.api.SendMessage(opCtx, s.convID, model.SendRequest{Content: content, Files: files})
	cancel()

	s.mu.Lock()
	if s.send != op {
		s.mu.Unlock()
		metrics.SendsTotal.WithLabelValues("cancelled").Inc()
		return model.Message{}, cancelledErr()
	}
	s.send = nil
	s.loading.Sending = false
	if err != nil {
		s.removeLocked(bubble.ID)
		s.unlockAndNotify()
		return model.Message{}, s.sendFailed(err)
	}

	sent = s.settleSentLocked(bubble, sent)
	s.unlockAndNotify()

	metrics.SendsTotal.WithLabelValues("sent").Inc()
	s.publish(model.EventMessageSent, sent.ID, "")
	return sent, nil
}

// SendStreaming posts a user message and streams the assistant's reply into a
// placeholder. The user bubble and the placeholder are inserted together; if
// the exchange fails before any reply text arrives both are rolled back. An
// abort keeps whatever text already arrived and is not an error to show.
// It returns the final assistant message.
func (s *Store) SendStreaming(ctx context.Context, content string, files []model.Attachment) (model.Message, error) {
	content = strings.TrimSpace(content)
	if err := s.checkSend(content, files); err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	sendCtx, sendCancel, _, err := s.beginLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	streamCtx, streamCancel, _, _ := s.beginLocked(ctx)
	s.abortStreamLocked()
	s.abortSendLocked()

	ts := s.localTimestampLocked()
	bubble := model.Message{
		ID:        s.localID(),
		Role:      model.RoleUser,
		Content:   content,
		Type:      model.MessageTypeText,
		Timestamp: ts,
		Status:    model.StatusPending,
		Local:     true,
	}
	placeholder := model.Message{
		ID:        s.localID(),
		Role:      model.RoleAssistant,
		Type:      model.MessageTypeText,
		Timestamp: ts.Add(time.Nanosecond),
		Status:    model.StatusStreaming,
		Local:     true,
	}
	s.appendLocked(bubble)
	s.appendLocked(placeholder)
	sop := &sendOp{cancel: sendCancel, bubbleID: bubble.ID, placeholderID: placeholder.ID}
	top := &streamOp{cancel: streamCancel, placeholderID: placeholder.ID}
	s.send, s.stream = sop, top
	s.loading.Sending = true
	s.loading.Streaming = true
	s.unlockAndNotify()

	sent, err := s.api.SendMessage(sendCtx, s.convID, model.SendRequest{Content: content, Files: files})
	sendCancel()

	s.mu.Lock()
	if s.send != sop {
		s.mu.Unlock()
		streamCancel()
		metrics.SendsTotal.WithLabelValues("cancelled").Inc()
		return model.Message{}, cancelledErr()
	}
	s.send = nil
	s.loading.Sending = false
	if err != nil {
		s.removeLocked(bubble.ID)
		s.removeLocked(placeholder.ID)
		if s.stream == top {
			s.stream = nil
			s.loading.Streaming = false
		}
		s.unlockAndNotify()
		streamCancel()
		return model.Message{}, s.sendFailed(err)
	}

	sent = s.settleSentLocked(bubble, sent)
	if s.stream == top {
		top.userID = sent.ID
		if i := s.indexLocked(placeholder.ID); i >= 0 && !s.messages[i].Timestamp.After(sent.Timestamp) {
			s.messages[i].Timestamp = sent.Timestamp.Add(time.Nanosecond)
			s.messages = normalize(s.messages)
		}
	}
	s.unlockAndNotify()

	metrics.SendsTotal.WithLabelValues("sent").Inc()
	s.publish(model.EventMessageSent, sent.ID, "")

	return s.streamReply(streamCtx, streamCancel, top, sent.ID)
}

func (s *Store) streamReply(ctx context.Context, cancel context.CancelFunc, top *streamOp, userID string) (model.Message, error) {
	defer cancel()
	start := time.Now()

	var (
		res      stream.Result
		serverID string
	)
	reply, err := s.api.StreamReply(ctx, s.convID, userID)
	if err == nil {
		serverID = reply.MessageID
		s.mu.Lock()
		if s.stream == top {
			top.serverID = serverID
		}
		s.mu.Unlock()
		res, err = stream.Read(ctx, reply.Body, func(text string) error {
			s.mu.Lock()
			if s.stream != top {
				s.mu.Unlock()
				return context.Canceled
			}
			if i := s.indexLocked(top.placeholderID); i >= 0 {
				s.messages[i].Content += text
				s.emitLocked(Change{Kind: MessageUpdated, ID: top.placeholderID})
			}
			s.unlockAndNotify()
			metrics.StreamChunksTotal.Inc()
			return nil
		})
		reply.Body.Close()
		metrics.StreamBytesTotal.Add(float64(res.Bytes))
	}

	return s.finishStream(top, serverID, res, err, time.Since(start))
}

func (s *Store) finishStream(top *streamOp, serverID string, res stream.Result, err error, elapsed time.Duration) (model.Message, error) {
	s.mu.Lock()
	if s.stream != top {
		// Superseded, cancelled explicitly, or cleared: the placeholder was
		// already settled by whoever took the slot.
		s.mu.Unlock()
		metrics.RecordStream("cancelled", elapsed.Seconds())
		return model.Message{}, cancelledErr()
	}
	s.stream = nil
	s.loading.Streaming = false

	switch {
	case err == nil:
		msg := s.completePlaceholderLocked(top.placeholderID, serverID)
		s.unlockAndNotify()
		metrics.RecordStream("complete", elapsed.Seconds())
		s.publish(model.EventReplyCompleted, msg.ID, "")
		return msg, nil

	case transport.IsCancelled(err):
		msg, kept := s.settleAbortedLocked(top.placeholderID)
		s.unlockAndNotify()
		metrics.RecordStream("cancelled", elapsed.Seconds())
		s.publish(model.EventReplyCancelled, msg.ID, "")
		if kept {
			return msg, err
		}
		return model.Message{}, err

	case res.Chunks == 0:
		// The placeholder means nothing without its user turn.
		s.removeLocked(top.placeholderID)
		s.removeLocked(top.userID)
		s.unlockAndNotify()
		metrics.RecordStream("failed", elapsed.Seconds())
		s.logger.Warn("reply stream failed before any text", zap.Error(err))
		s.publish(model.EventReplyFailed, top.userID, transport.UserMessage(err))
		return model.Message{}, err

	default:
		var msg model.Message
		if i := s.indexLocked(top.placeholderID); i >= 0 {
			s.messages[i].Status = model.StatusFailed
			msg = s.messages[i]
			s.emitLocked(Change{Kind: MessageUpdated, ID: msg.ID})
		}
		s.unlockAndNotify()
		metrics.RecordStream("failed", elapsed.Seconds())
		s.logger.Warn("reply stream interrupted", zap.Int("chunks", res.Chunks), zap.Error(err))
		s.publish(model.EventReplyFailed, msg.ID, transport.UserMessage(err))
		return msg, err
	}
}

// CancelSend aborts the send in flight, if any.
func (s *Store) CancelSend() {
	s.mu.Lock()
	s.abortSendLocked()
	s.unlockAndNotify()
}

// CancelStream aborts the reply stream in flight, if any. Text received so
// far stays in the placeholder.
func (s *Store) CancelStream() {
	s.mu.Lock()
	s.abortStreamLocked()
	s.unlockAndNotify()
}

// abortSendLocked cancels the current send and removes its bubble. A streamed
// exchange still waiting on its send loses its placeholder too.
func (s *Store) abortSendLocked() {
	op := s.send
	if op == nil {
		return
	}
	op.cancel()
	s.send = nil
	s.loading.Sending = false
	s.removeLocked(op.bubbleID)
	if op.placeholderID != "" {
		s.removeLocked(op.placeholderID)
		if s.stream != nil && s.stream.placeholderID == op.placeholderID {
			s.stream.cancel()
			s.stream = nil
			s.loading.Streaming = false
		}
	}
}

// abortStreamLocked cancels the current stream and settles its placeholder
// immediately so that a new placeholder never coexists with a streaming one.
func (s *Store) abortStreamLocked() {
	op := s.stream
	if op == nil {
		return
	}
	if s.send != nil && s.send.placeholderID == op.placeholderID {
		s.abortSendLocked()
		return
	}
	op.cancel()
	s.stream = nil
	s.loading.Streaming = false
	s.settleAbortedLocked(op.placeholderID)
}

// settleAbortedLocked removes an empty placeholder or freezes a partial one.
func (s *Store) settleAbortedLocked(id string) (model.Message, bool) {
	i := s.indexLocked(id)
	if i < 0 {
		return model.Message{}, false
	}
	if s.messages[i].Content == "" {
		s.removeLocked(id)
		return model.Message{}, false
	}
	s.messages[i].Status = model.StatusComplete
	s.emitLocked(Change{Kind: MessageUpdated, ID: id})
	return s.messages[i], true
}

// completePlaceholderLocked settles a finished reply under the server's id
// when one was announced. If a reload already brought the server's copy in,
// that entry takes the streamed text and the placeholder goes away.
func (s *Store) completePlaceholderLocked(id, serverID string) model.Message {
	i := s.indexLocked(id)
	if i < 0 {
		return model.Message{}
	}
	m := s.messages[i]
	m.Status = model.StatusComplete
	if serverID == "" {
		s.replaceLocked(id, m)
		return m
	}
	if j := s.indexLocked(serverID); j >= 0 {
		merged := s.messages[j]
		merged.Content = m.Content
		merged.Status = model.StatusComplete
		merged.Local = false
		s.messages[j] = merged
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		s.emitLocked(Change{Kind: MessageUpdated, ID: serverID, PreviousID: id})
		return merged
	}
	m.ID = serverID
	m.Local = false
	s.replaceLocked(id, m)
	return m
}

// settleSentLocked replaces the pending bubble with the server's message.
func (s *Store) settleSentLocked(bubble, sent model.Message) model.Message {
	sent.Local = false
	if sent.Timestamp.IsZero() {
		sent.Timestamp = bubble.Timestamp
	}
	s.replaceLocked(bubble.ID, sent)
	return sent
}

func (s *Store) sendFailed(err error) error {
	if transport.IsCancelled(err) {
		metrics.SendsTotal.WithLabelValues("cancelled").Inc()
		return err
	}
	metrics.SendsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("send failed", zap.Error(err))
	s.publish(model.EventSendFailed, "", transport.UserMessage(err))
	return err
}
