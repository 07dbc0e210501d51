package chatstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// PlaceholderTitle is the title every conversation starts with until one is generated.
const PlaceholderTitle = "Nouvelle conversation"

var ErrNotFound = errors.New("chatstore: record not found")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationRecord is the persisted conversation header.
type ConversationRecord struct {
	ConvID         string `json:"id"`
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
	Model          string `json:"model,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
}

// MessageRecord is one turn of a conversation. IDs increase with insertion order.
type MessageRecord struct {
	ID          int64  `json:"id"`
	ConvID      string `json:"conversation_id"`
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

type UserRecord struct {
	UserID        string `json:"id"`
	Name          string `json:"name"`
	LastUsedModel string `json:"last_used_model,omitempty"`
}

// InstructionRecord holds a user's custom instructions. Only one is active per user.
type InstructionRecord struct {
	UserID      string `json:"user_id"`
	AboutUser   string `json:"about_user"`
	Preference  string `json:"preference"`
	Active      bool   `json:"is_active"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// Recorder is the write surface the streaming pipeline depends on.
// Every method is a single-row atomic update.
type Recorder interface {
	AppendMessage(ctx context.Context, convID string, role Role, content string) (MessageRecord, error)
	UpdateMessageContent(ctx context.Context, msgID int64, content string) error
	UpdateTitle(ctx context.Context, convID string, title string) error
	TouchActivity(ctx context.Context, convID string) error
}

// Store is the complete persistence surface: Recorder plus the reads the pipeline and HTTP API need.
type Store interface {
	Recorder

	CreateConversation(ctx context.Context, record ConversationRecord) (ConversationRecord, error)
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationRecord, error)

	ListMessages(ctx context.Context, convID string) ([]MessageRecord, error)
	// RecentMessages returns the last n messages in chronological order.
	RecentMessages(ctx context.Context, convID string, n int) ([]MessageRecord, error)
	CountMessages(ctx context.Context, convID string) (int, error)

	UpsertUser(ctx context.Context, user UserRecord) error
	GetUser(ctx context.Context, userID string) (UserRecord, bool, error)
	UpsertInstruction(ctx context.Context, in InstructionRecord) error
	ActiveInstruction(ctx context.Context, userID string) (InstructionRecord, bool, error)

	Close() error
}

func normalizeConversationRecord(record ConversationRecord, nowMs int64) ConversationRecord {
	record.ConvID = strings.TrimSpace(record.ConvID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Model = strings.TrimSpace(record.Model)
	if strings.TrimSpace(record.Title) == "" {
		record.Title = PlaceholderTitle
	}
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = nowMs
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	return record
}

func validateRole(role Role) error {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return nil
	default:
		return errors.Errorf("chatstore: invalid role %q", role)
	}
}
