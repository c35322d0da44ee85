package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"kb-chat/internal/domain"
)

type conversationRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	CorpID       string `gorm:"size:64"`
	EmployeeID   string `gorm:"size:64;not null;index:idx_conversations_owner_updated,priority:1"`
	UserName     string `gorm:"size:128"`
	Department   string `gorm:"size:128"`
	Title        string `gorm:"size:255"`
	MessageCount int    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index:idx_conversations_owner_updated,priority:2"`
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;index"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text;not null"`
	Metadata       datatypes.JSON
	CreatedAt      time.Time
}

func (messageRow) TableName() string { return "messages" }

type domainRow struct {
	Code          string `gorm:"primaryKey;size:64"`
	Name          string `gorm:"size:255;not null"`
	StoragePrefix string `gorm:"size:512;not null;uniqueIndex"`
	HasData       bool   `gorm:"not null;default:false"`
	Description   string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (domainRow) TableName() string { return "kb_domains" }

// groupRow keeps the allowed domain codes as a comma separated list.
type groupRow struct {
	Code        string `gorm:"primaryKey;size:64"`
	KBDomains   string `gorm:"type:text;not null"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (groupRow) TableName() string { return "group_codes" }

func conversationFromRow(r conversationRow) domain.Conversation {
	return domain.Conversation{
		ID:           r.ID,
		CorpID:       r.CorpID,
		EmployeeID:   r.EmployeeID,
		UserName:     r.UserName,
		Department:   r.Department,
		Title:        r.Title,
		MessageCount: r.MessageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func conversationToRow(c domain.Conversation) conversationRow {
	return conversationRow{
		ID:           c.ID,
		CorpID:       c.CorpID,
		EmployeeID:   c.EmployeeID,
		UserName:     c.UserName,
		Department:   c.Department,
		Title:        c.Title,
		MessageCount: c.MessageCount,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func messageFromRow(r messageRow) (domain.Message, error) {
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           domain.Role(r.Role),
		Content:        r.Content,
		Metadata:       meta,
		CreatedAt:      r.CreatedAt,
	}, nil
}

func encodeMetadata(meta *domain.MessageMetadata) (datatypes.JSON, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("repository: encode metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeMetadata(raw []byte) (*domain.MessageMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var meta domain.MessageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("repository: decode metadata: %w", err)
	}
	return &meta, nil
}

func domainFromRow(r domainRow) domain.ContentDomain {
	return domain.ContentDomain{
		Code:              r.Code,
		DisplayName:       r.Name,
		StoragePrefix:     r.StoragePrefix,
		HasIndexedContent: r.HasData,
		Description:       r.Description,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func groupFromRow(r groupRow) domain.AccessGroup {
	return domain.AccessGroup{
		Code:               r.Code,
		AllowedDomainCodes: splitCodes(r.KBDomains),
		Description:        r.Description,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func splitCodes(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func joinCodes(codes []string) string {
	return strings.Join(codes, ",")
}
