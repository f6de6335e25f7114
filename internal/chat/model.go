package chat

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidChatID indicates that a chat identifier is empty or exceeds storage bounds.
var ErrInvalidChatID = errors.New("chat: invalid chat id")

// ChatID represents a validated chat identifier.
type ChatID string

// NewChatID validates raw input and returns a ChatID.
func NewChatID(rawInput string) (ChatID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChatID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChatID, maxIdentifierLength)
	}
	return ChatID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ChatID) String() string {
	return string(id)
}

// Chat models one conversation the surrounding client renders in its list.
type Chat struct {
	ChatID          string `gorm:"column:chat_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;size:320;not null;default:''"`
	// No column default: GORM drops zero-value fields that carry a default
	// tag, which would silently store CanSend=false as true.
	CanSend         bool   `gorm:"column:can_send;not null"`
	LastMessageID   string `gorm:"column:last_message_id;size:190;not null;default:''"`
	LastActivityAtS int64  `gorm:"column:last_activity_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Chat) TableName() string {
	return "chats"
}

// Message models one entry of a conversation timeline. Notices synthesized
// from applet status updates carry IsNotice plus a back-reference to the
// applet they belong to; everything else is an ordinary message.
type Message struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null"`
	ChatID          string `gorm:"column:chat_id;size:190;not null;index:idx_messages_chat_sort,priority:1"`
	Author          string `gorm:"column:author;size:320;not null"`
	Text            string `gorm:"column:text;type:text;not null;default:''"`
	Href            string `gorm:"column:href;size:512;not null;default:''"`
	IsNotice        bool   `gorm:"column:is_notice;not null;default:false"`
	NoticeAppletID  string `gorm:"column:notice_applet_id;size:190;not null;default:''"`
	SortTimestampS  int64  `gorm:"column:sort_timestamp_s;not null;index:idx_messages_chat_sort,priority:2"`
	CreatedAtSecond int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}
