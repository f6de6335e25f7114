package chat

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingTransaction = errors.New("chat: transaction handle is required")

// Store provides timeline operations for collaborators that run inside their
// own storage transaction. Every method takes the caller's transaction handle
// so that timeline mutations commit or roll back with the caller's work.
type Store struct{}

// NewStore constructs a chat store.
func NewStore() *Store {
	return &Store{}
}

// Lookup returns the chat row or gorm.ErrRecordNotFound.
func (s *Store) Lookup(tx *gorm.DB, chatID string) (Chat, error) {
	if tx == nil {
		return Chat{}, errMissingTransaction
	}
	var chat Chat
	err := tx.Where("chat_id = ?", chatID).Take(&chat).Error
	return chat, err
}

// LastMessage returns the most recent visible entry of the chat, resolved via
// the chat's last-message pointer. A chat without messages returns nil.
func (s *Store) LastMessage(tx *gorm.DB, chatID string) (*Message, error) {
	if tx == nil {
		return nil, errMissingTransaction
	}
	chat, err := s.Lookup(tx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.LastMessageID == "" {
		return nil, nil
	}
	var message Message
	err = tx.Where("message_id = ?", chat.LastMessageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// Append inserts a message and advances the chat's last-message pointer and
// last-activity timestamp in the same transaction.
func (s *Store) Append(tx *gorm.DB, message Message) error {
	if tx == nil {
		return errMissingTransaction
	}
	if err := tx.Create(&message).Error; err != nil {
		return err
	}
	return tx.Model(&Chat{}).
		Where("chat_id = ?", message.ChatID).
		Updates(map[string]any{
			"last_message_id":    message.MessageID,
			"last_activity_at_s": message.SortTimestampS,
		}).Error
}

// EditText replaces a message's text, href and timestamp in place, keeping
// its identity and timeline position. Used when consecutive notices collapse
// into one edited entry.
func (s *Store) EditText(tx *gorm.DB, messageID, text, href string, timestampS int64) error {
	if tx == nil {
		return errMissingTransaction
	}
	updates := map[string]any{
		"text":             text,
		"sort_timestamp_s": timestampS,
	}
	if href != "" {
		updates["href"] = href
	}
	return tx.Model(&Message{}).
		Where("message_id = ?", messageID).
		Updates(updates).Error
}

// Touch refreshes the chat's last-activity timestamp so metadata changes
// surface in the conversation list together with the change itself.
func (s *Store) Touch(tx *gorm.DB, chatID string, timestampS int64) error {
	if tx == nil {
		return errMissingTransaction
	}
	return tx.Model(&Chat{}).
		Where("chat_id = ? AND last_activity_at_s < ?", chatID, timestampS).
		Update("last_activity_at_s", timestampS).Error
}

// Ensure creates the chat row when absent; existing rows are left untouched.
func (s *Store) Ensure(tx *gorm.DB, chat Chat) error {
	if tx == nil {
		return errMissingTransaction
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chat).Error
}
