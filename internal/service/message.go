package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/capitalize-ai/persona-chat/internal/llm"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/metrics"
)

// historyTurns bounds the prompt handed to the replier.
const historyTurns = 20

// ErrEmptyReply is returned when the replier produced no text.
var ErrEmptyReply = errors.New("replier returned no text")

// Upload describes a file received with a message.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
}

type storedMessage struct {
	seq         int64
	msg         model.Message
	attachments []model.AttachmentInfo
}

// MessageService handles message operations. Message ids are increasing
// integers, so id order is creation order and doubles as the pagination
// cursor.
type MessageService struct {
	llmClient llm.Client
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.RWMutex
	messages map[string][]storedMessage // by conversation id, ascending seq
	seq      int64
	last     time.Time
}

// NewMessageService creates a new message service.
func NewMessageService(llmClient llm.Client, log *logger.Logger) *MessageService {
	if llmClient == nil {
		llmClient = llm.NewEchoClient(0)
	}
	return &MessageService{
		llmClient: llmClient,
		logger:    logger.OrGlobal(log),
		now:       time.Now,
		messages:  make(map[string][]storedMessage),
	}
}

// Provider names the replier in use.
func (s *MessageService) Provider() string {
	return s.llmClient.Name()
}

// reserveLocked allocates the next id and a timestamp strictly after every
// earlier one.
func (s *MessageService) reserveLocked() (int64, time.Time) {
	s.seq++
	ts := s.now().UTC()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	s.last = ts
	return s.seq, ts
}

func (s *MessageService) insertLocked(convID string, m storedMessage) {
	list := s.messages[convID]
	i := sort.Search(len(list), func(i int) bool { return list[i].seq > m.seq })
	list = append(list, storedMessage{})
	copy(list[i+1:], list[i:])
	list[i] = m
	s.messages[convID] = list
}

func (s *MessageService) indexLocked(convID, id string) int {
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return -1
	}
	list := s.messages[convID]
	i := sort.Search(len(list), func(i int) bool { return list[i].seq >= seq })
	if i < len(list) && list[i].seq == seq {
		return i
	}
	return -1
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return min(limit, 100)
}

func pageOf(list []storedMessage) []model.Message {
	out := make([]model.Message, len(list))
	for i, m := range list {
		out[i] = m.msg
	}
	return out
}

// Recent returns the newest limit messages, oldest first.
func (s *MessageService) Recent(convID string, limit int) model.MessagePage {
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[convID]
	start := max(0, len(list)-limit)
	items := pageOf(list[start:])

	page := model.MessagePage{Items: items}
	page.Cursor.HasPrevious = start > 0
	if page.Cursor.HasPrevious {
		page.Cursor.PreviousCursor = items[0].ID
	}
	return page
}

// Older returns up to limit messages strictly older than before.
func (s *MessageService) Older(convID, before string, limit int) (model.MessagePage, error) {
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	end := s.indexLocked(convID, before)
	if end < 0 {
		return model.MessagePage{}, ErrNotFound
	}
	list := s.messages[convID]
	start := max(0, end-limit)
	items := pageOf(list[start:end])

	page := model.MessagePage{Items: items}
	page.Cursor.HasPrevious = start > 0
	if page.Cursor.HasPrevious {
		page.Cursor.PreviousCursor = items[0].ID
	}
	page.Cursor.HasNext = true
	page.Cursor.NextCursor = before
	return page, nil
}

// Create stores a message.
func (s *MessageService) Create(convID, content string, typ model.MessageType, fromUser bool, uploads []Upload) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ts := s.reserveLocked()
	msg := model.Message{
		ID:        strconv.FormatInt(seq, 10),
		Role:      model.RoleAssistant,
		Content:   content,
		Type:      typ,
		Timestamp: ts,
		Status:    model.StatusComplete,
	}
	if fromUser {
		msg.Role = model.RoleUser
		msg.Status = model.StatusSent
	}
	stored := storedMessage{seq: seq, msg: msg}
	for i, u := range uploads {
		stored.attachments = append(stored.attachments, model.AttachmentInfo{
			ID:          fmt.Sprintf("%d-%d", seq, i+1),
			Filename:    u.Filename,
			ContentType: u.ContentType,
			Size:        u.Size,
		})
	}
	s.insertLocked(convID, stored)
	return msg
}

// Delete removes a message.
func (s *MessageService) Delete(convID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(convID, id)
	if i < 0 {
		return ErrNotFound
	}
	list := s.messages[convID]
	s.messages[convID] = append(list[:i], list[i+1:]...)
	return nil
}

// Search matches query case-insensitively against message content, newest
// first.
func (s *MessageService) Search(convID, query string, page, limit int) model.SearchPage {
	page, limit = clampPage(page, limit)
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(query))

	s.mu.RLock()
	list := s.messages[convID]
	var hits []model.Message
	for i := len(list) - 1; i >= 0; i-- {
		if needle != "" && strings.Contains(fold.String(list[i].msg.Content), needle) {
			hits = append(hits, list[i].msg)
		}
	}
	s.mu.RUnlock()

	start := min((page-1)*limit, len(hits))
	end := min(start+limit, len(hits))
	return model.SearchPage{
		Items:   hits[start:end],
		Total:   len(hits),
		Page:    page,
		Limit:   limit,
		HasMore: end < len(hits),
	}
}

// Count returns the number of messages in a conversation.
func (s *MessageService) Count(convID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[convID])
}

// Attachments lists the files stored with a message.
func (s *MessageService) Attachments(convID, id string) ([]model.AttachmentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(convID, id)
	if i < 0 {
		return nil, ErrNotFound
	}
	out := make([]model.AttachmentInfo, len(s.messages[convID][i].attachments))
	copy(out, s.messages[convID][i].attachments)
	return out, nil
}

// ReplyRequest asks for the assistant's answer to a stored user message.
type ReplyRequest struct {
	ConversationID string
	Persona        model.Persona
	UserMessageID  string
	// Start is called once with the reserved assistant message id before any
	// text is produced. An error aborts the reply.
	Start func(assistantID string) error
	// OnToken receives each text increment.
	OnToken llm.StreamCallback
}

// Reply generates and stores the assistant's answer. The assistant id is
// reserved up front so it can be announced before streaming; the message is
// stored once generation ends, keeping any partial text when the caller goes
// away mid-stream.
func (s *MessageService) Reply(ctx context.Context, req ReplyRequest) (model.Message, error) {
	s.mu.Lock()
	i := s.indexLocked(req.ConversationID, req.UserMessageID)
	if i < 0 || s.messages[req.ConversationID][i].msg.Role != model.RoleUser {
		s.mu.Unlock()
		return model.Message{}, ErrNotFound
	}
	history := s.historyLocked(req.ConversationID, i, req.Persona)
	seq, ts := s.reserveLocked()
	s.mu.Unlock()

	id := strconv.FormatInt(seq, 10)
	if req.Start != nil {
		if err := req.Start(id); err != nil {
			return model.Message{}, err
		}
	}

	var content strings.Builder
	start := time.Now()
	resp, err := s.llmClient.CompleteStream(ctx, &llm.CompletionRequest{Messages: history}, func(token string, index int) error {
		content.WriteString(token)
		if req.OnToken != nil {
			return req.OnToken(token, index)
		}
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	modelName := s.llmClient.Name()
	var tokensIn, tokensOut int
	if resp != nil {
		modelName, tokensIn, tokensOut = resp.Model, resp.TokensIn, resp.TokensOut
	}
	metrics.RecordLLMStream(modelName, status, time.Since(start).Seconds(), tokensIn, tokensOut)

	if content.Len() == 0 {
		if err == nil {
			err = ErrEmptyReply
		}
		s.logger.Warn("reply produced no text", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return model.Message{}, err
	}

	msg := model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Content:   content.String(),
		Type:      model.MessageTypeText,
		Timestamp: ts,
		Status:    model.StatusComplete,
	}
	s.mu.Lock()
	s.insertLocked(req.ConversationID, storedMessage{seq: seq, msg: msg})
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("reply interrupted; kept partial text",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
	return msg, err
}

// historyLocked builds the prompt: the persona as a system turn followed by
// the conversation up to and including the message at index upto.
func (s *MessageService) historyLocked(convID string, upto int, persona model.Persona) []llm.ChatMessage {
	list := s.messages[convID][:upto+1]
	list = list[max(0, len(list)-historyTurns):]

	out := make([]llm.ChatMessage, 0, len(list)+1)
	if persona.Name != "" {
		out = append(out, llm.ChatMessage{
			Role:    llm.RoleSystem,
			Content: strings.TrimSpace("You are " + persona.Name + ". " + persona.Description),
		})
	}
	for _, m := range list {
		role := llm.RoleAssistant
		if m.msg.Role == model.RoleUser {
			role = llm.RoleUser
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.msg.Content})
	}
	return out
}
