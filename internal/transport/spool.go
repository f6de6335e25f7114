package transport

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingSpoolDatabase = errors.New("transport: database handle is required")

// SpoolEntry is one outgoing message persisted until the wire-level sender
// picks it up. Message ids are ULIDs, so entries of the same spool sort by
// creation time.
type SpoolEntry struct {
	MessageID string `gorm:"column:message_id;primaryKey;size:26;not null"`
	AppletID  string `gorm:"column:applet_id;size:190;not null;index"`
	ThreadID  string `gorm:"column:thread_id;size:190;not null"`
	Payload   []byte `gorm:"column:payload;type:blob;not null"`
	Attempts  int    `gorm:"column:attempts;not null;default:0"`
	CreatedAt int64  `gorm:"column:created_at_s;not null;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SpoolEntry) TableName() string {
	return "outbound_spool"
}

// Spool is the durable Sender used in production: batches land in the
// outbound relation and survive restarts until the wire sender drains them.
type Spool struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSpool constructs a spool over the given database handle.
func NewSpool(db *gorm.DB, logger *zap.Logger) (*Spool, error) {
	if db == nil {
		return nil, errMissingSpoolDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spool{db: db, logger: logger}, nil
}

// Send persists the item. The handoff is complete once the row is durable.
func (s *Spool) Send(ctx context.Context, item OutboundItem) error {
	entry := SpoolEntry{
		MessageID: ulid.Make().String(),
		AppletID:  item.AppletID,
		ThreadID:  item.ThreadID,
		Payload:   item.Payload,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Error("spool insert failed",
			zap.String("applet_id", item.AppletID),
			zap.Error(err))
		return err
	}
	s.logger.Debug("batch spooled",
		zap.String("message_id", entry.MessageID),
		zap.String("applet_id", item.AppletID),
		zap.Int("payload_bytes", len(item.Payload)))
	return nil
}

// Pending returns spooled entries in creation order, up to limit.
func (s *Spool) Pending(ctx context.Context, limit int) ([]SpoolEntry, error) {
	var entries []SpoolEntry
	query := s.db.WithContext(ctx).Order("message_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkDelivered removes an entry once the wire sender confirmed the handoff.
func (s *Spool) MarkDelivered(ctx context.Context, messageID string) error {
	return s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&SpoolEntry{}).Error
}
