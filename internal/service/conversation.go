package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

type conversationRecord struct {
	conv   model.Conversation
	userID string
}

// ConversationService handles conversation operations. Each user has at most
// one conversation per persona.
type ConversationService struct {
	directory *Directory
	logger    *logger.Logger
	now       func() time.Time

	mu            sync.RWMutex
	conversations map[string]*conversationRecord
	byPersona     map[string]string // user id + "/" + persona id -> conversation id
}

// NewConversationService creates a new conversation service.
func NewConversationService(directory *Directory, log *logger.Logger) *ConversationService {
	return &ConversationService{
		directory:     directory,
		logger:        logger.OrGlobal(log),
		now:           time.Now,
		conversations: make(map[string]*conversationRecord),
		byPersona:     make(map[string]string),
	}
}

func personaKey(userID, personaID string) string {
	return userID + "/" + personaID
}

// Create opens the user's conversation with a persona. An existing one is
// returned unchanged.
func (s *ConversationService) Create(userID, personaID, title string) (model.Conversation, error) {
	if _, err := s.directory.Persona(personaID); err != nil {
		return model.Conversation{}, err
	}
	if !s.directory.IsAssigned(userID, personaID) {
		return model.Conversation{}, ErrForbidden
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPersona[personaKey(userID, personaID)]; ok {
		return s.conversations[id].conv, nil
	}

	conv := model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		PersonaID: personaID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	s.conversations[conv.ID] = &conversationRecord{conv: conv, userID: userID}
	s.byPersona[personaKey(userID, personaID)] = conv.ID

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("persona_id", personaID),
		zap.String("user_id", userID),
	)
	return conv, nil
}

// ForPersona returns the user's conversation with a persona.
func (s *ConversationService) ForPersona(userID, personaID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPersona[personaKey(userID, personaID)]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	return s.conversations[id].conv, nil
}

// Get retrieves a conversation owned by userID.
func (s *ConversationService) Get(userID, conversationID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[conversationID]
	if !ok || rec.userID != userID {
		return model.Conversation{}, ErrNotFound
	}
	return rec.conv, nil
}
