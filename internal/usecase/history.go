package usecase

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"kb-chat/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxTitleLength  = 255

	// maxPage keeps the row offset well inside a 32-bit range.
	maxPage = 1_000_000
)

type HistoryPage struct {
	Conversations []domain.Conversation `json:"conversations"`
	Total         int                   `json:"total"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"pageSize"`
}

type ConversationDetail struct {
	domain.Conversation
	Messages []domain.Message `json:"messages"`
}

// HistoryService serves the caller's own conversations. Every operation
// checks ownership before touching data.
type HistoryService struct {
	store ConversationStore
}

func NewHistoryService(store ConversationStore) (*HistoryService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	return &HistoryService{store: store}, nil
}

// List returns one page of the caller's conversations, newest first. Zero
// page or pageSize select the defaults.
func (s *HistoryService) List(ctx context.Context, caller domain.Identity, page, pageSize int) (HistoryPage, error) {
	if strings.TrimSpace(caller.EmployeeID) == "" {
		return HistoryPage{}, newError(ErrorValidation, "missing_caller_identity", nil)
	}
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if page < 1 || page > maxPage {
		return HistoryPage{}, newError(ErrorValidation, "invalid_page", nil)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return HistoryPage{}, newError(ErrorValidation, "invalid_page_size", nil)
	}

	convs, total, err := s.store.ListConversations(ctx, caller.EmployeeID, (page-1)*pageSize, pageSize)
	if err != nil {
		return HistoryPage{}, newError(ErrorPersistence, "list_conversations", err)
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return HistoryPage{Conversations: convs, Total: total, Page: page, PageSize: pageSize}, nil
}

// Get returns a conversation with its messages in creation order.
func (s *HistoryService) Get(ctx context.Context, caller domain.Identity, id string) (ConversationDetail, error) {
	conv, err := loadOwned(ctx, s.store, id, caller.EmployeeID)
	if err != nil {
		return ConversationDetail{}, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return ConversationDetail{}, newError(ErrorPersistence, "list_messages", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return ConversationDetail{Conversation: conv, Messages: msgs}, nil
}

func (s *HistoryService) UpdateTitle(ctx context.Context, caller domain.Identity, id, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, newError(ErrorValidation, "empty_title", nil)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return domain.Conversation{}, newError(ErrorValidation, "title_too_long", nil)
	}
	conv, err := loadOwned(ctx, s.store, id, caller.EmployeeID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := s.store.UpdateTitle(ctx, conv.ID, title); err != nil {
		return domain.Conversation{}, storeError(err, "update_title")
	}
	conv.Title = title
	return conv, nil
}

// Delete removes a conversation and all of its messages.
func (s *HistoryService) Delete(ctx context.Context, caller domain.Identity, id string) error {
	conv, err := loadOwned(ctx, s.store, id, caller.EmployeeID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conv.ID); err != nil {
		return storeError(err, "delete_conversation")
	}
	return nil
}

// loadOwned fetches a conversation and verifies the caller owns it.
func loadOwned(ctx context.Context, store ConversationStore, id, employeeID string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return domain.Conversation{}, newError(ErrorValidation, "invalid_conversation_id", err)
	}
	if strings.TrimSpace(employeeID) == "" {
		return domain.Conversation{}, newError(ErrorValidation, "missing_caller_identity", nil)
	}
	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, storeError(err, "load_conversation")
	}
	if conv.EmployeeID != employeeID {
		return domain.Conversation{}, newError(ErrorOwnership, "not_conversation_owner", nil)
	}
	return conv, nil
}

// storeError maps store sentinels to usecase codes.
func storeError(err error, reason string) *Error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, domain.ErrConflict):
		return newError(ErrorConflict, reason, err)
	default:
		return newError(ErrorPersistence, reason, err)
	}
}
