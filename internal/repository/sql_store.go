package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"kb-chat/internal/domain"
)

// Supported relational drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Open connects to the relational store and migrates its schema.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: dsn must not be empty")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("repository: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Open %s: %w", driver, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the tables used by SQLStore.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&domainRow{}, &groupRow{}, &conversationRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("repository: Migrate: %w", err)
	}
	return nil
}

// SQLStore persists conversations, messages and the domain registry in a
// relational database through gorm.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.ErrConflict
	default:
		return err
	}
}

// CreateConversation inserts a new conversation row.
func (s *SQLStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	row := conversationToRow(conv)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", translate(err))
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var row conversationRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", translate(err))
	}
	return conversationFromRow(row), nil
}

// ListConversations returns one page of the owner's conversations, most
// recently updated first, along with the owner's total.
func (s *SQLStore) ListConversations(ctx context.Context, employeeID string, offset, limit int) ([]domain.Conversation, int, error) {
	db := s.db.WithContext(ctx).Model(&conversationRow{}).Where("employee_id = ?", employeeID)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations count: %w", err)
	}

	var rows []conversationRow
	if err := db.Order("updated_at DESC").Order("id").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations: %w", err)
	}
	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, conversationFromRow(r))
	}
	return out, int(total), nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := messageFromRow(r)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendMessage inserts msg and bumps the conversation's message count and
// updated-at in one transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return domain.Message{}, err
	}
	now := s.now()
	row := messageRow{
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Metadata:       meta,
		CreatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRow{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"message_count": gorm.Expr("message_count + ?", 1),
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", translate(err))
	}

	msg.ID = row.ID
	msg.CreatedAt = row.CreatedAt
	return msg, nil
}

// RemoveLastMessage deletes the newest message with the given role and
// decrements the message count, never below zero. It reports whether a
// message was removed.
func (s *SQLStore) RemoveLastMessage(ctx context.Context, conversationID string, role domain.Role) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := tx.Where("conversation_id = ? AND role = ?", conversationID, string(role)).
			Order("id DESC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&messageRow{}, row.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&conversationRow{}).
			Where("id = ? AND message_count > 0", conversationID).
			Updates(map[string]any{
				"message_count": gorm.Expr("message_count - ?", 1),
				"updated_at":    s.now(),
			}).Error; err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("repository: RemoveLastMessage: %w", err)
	}
	return removed, nil
}

func (s *SQLStore) UpdateTitle(ctx context.Context, id, title string) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(map[string]any{
		"title":      title,
		"updated_at": s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("repository: UpdateTitle: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: UpdateTitle: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&conversationRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

// ReconcileMessageCounts rewrites message_count for every conversation whose
// counter disagrees with its stored messages and returns how many were fixed.
// Counting and writing happen in one statement so an append racing the pass
// is never overwritten with a stale count.
func (s *SQLStore) ReconcileMessageCounts(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE conversations
		SET message_count = (
			SELECT COUNT(*) FROM messages m WHERE m.conversation_id = conversations.id)
		WHERE message_count <> (
			SELECT COUNT(*) FROM messages m WHERE m.conversation_id = conversations.id)`)
	if res.Error != nil {
		return 0, fmt.Errorf("repository: ReconcileMessageCounts: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
