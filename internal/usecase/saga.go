package usecase

import (
	"context"
	"errors"

	"kb-chat/internal/domain"
)

// TurnSaga records the two halves of one turn. RecordUser is the prepare step;
// Compensate is the logical undo of a recorded message. One turn owns one
// saga; it is not safe for concurrent use.
type TurnSaga struct {
	store          ConversationStore
	conversationID string

	created        bool
	discarded      bool
	userSaved      bool
	assistantSaved bool
	compensated    map[domain.Role]bool
}

func NewTurnSaga(store ConversationStore, conversationID string) *TurnSaga {
	return &TurnSaga{
		store:          store,
		conversationID: conversationID,
		compensated:    make(map[domain.Role]bool, 2),
	}
}

// MarkCreated records that this turn created the conversation. An unfinished
// turn then discards the whole conversation instead of only its message.
func (t *TurnSaga) MarkCreated() {
	t.created = true
}

func (t *TurnSaga) RecordUser(ctx context.Context, content string) error {
	if _, err := t.store.AppendMessage(ctx, domain.Message{
		ConversationID: t.conversationID,
		Role:           domain.RoleUser,
		Content:        content,
	}); err != nil {
		return newError(ErrorPersistence, "record_user_message", err)
	}
	t.userSaved = true
	return nil
}

// RecordAssistant stores the reply together with the conversation
// bookkeeping; the store guarantees both or neither.
func (t *TurnSaga) RecordAssistant(ctx context.Context, content string, meta *domain.MessageMetadata) error {
	if _, err := t.store.AppendMessage(ctx, domain.Message{
		ConversationID: t.conversationID,
		Role:           domain.RoleAssistant,
		Content:        content,
		Metadata:       meta,
	}); err != nil {
		return newError(ErrorPersistence, "record_assistant_message", err)
	}
	t.assistantSaved = true
	return nil
}

// Pending reports whether a user message is recorded without its reply and
// has not been compensated.
func (t *TurnSaga) Pending() bool {
	return t.userSaved && !t.assistantSaved && !t.compensated[domain.RoleUser]
}

// Compensate removes the newest message of role recorded by this saga. It
// returns false when there was nothing to undo or the undo already ran.
// A failed undo may be retried.
func (t *TurnSaga) Compensate(ctx context.Context, role domain.Role) (bool, error) {
	if !role.Valid() {
		return false, newError(ErrorInternal, "invalid_role", errors.New(string(role)))
	}
	if t.compensated[role] {
		return false, nil
	}
	saved := t.userSaved
	if role == domain.RoleAssistant {
		saved = t.assistantSaved
	}
	if !saved {
		return false, nil
	}
	removed, err := t.store.RemoveLastMessage(ctx, t.conversationID, role)
	if err != nil {
		return false, newError(ErrorPersistence, "compensate_"+string(role), err)
	}
	t.compensated[role] = true
	return removed, nil
}

// Discardable reports whether the conversation was created by this turn and
// still has no reply.
func (t *TurnSaga) Discardable() bool {
	return t.created && !t.assistantSaved && !t.discarded
}

// Discard deletes a conversation this turn created and never completed,
// messages included. A conversation that is already gone counts as
// discarded. It returns false when there was nothing to discard.
func (t *TurnSaga) Discard(ctx context.Context) (bool, error) {
	if !t.Discardable() {
		return false, nil
	}
	if err := t.store.DeleteConversation(ctx, t.conversationID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, newError(ErrorPersistence, "discard_conversation", err)
	}
	t.discarded = true
	t.compensated[domain.RoleUser] = true
	return true, nil
}
