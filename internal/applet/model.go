package applet

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// KindApplet marks attachments that accept status updates. Other attachment
// kinds are stored by the surrounding message model but never updated.
const KindApplet = "applet"

var (
	// ErrInvalidAppletID indicates that an applet identifier is empty or exceeds storage bounds.
	ErrInvalidAppletID = errors.New("applet: invalid applet id")
	// ErrInvalidSerial indicates that an ordering token is outside the valid range.
	ErrInvalidSerial = errors.New("applet: invalid serial")
)

// AppletID represents a validated applet identifier.
type AppletID string

// NewAppletID validates raw input and returns an AppletID.
func NewAppletID(rawInput string) (AppletID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAppletID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAppletID, maxIdentifierLength)
	}
	return AppletID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AppletID) String() string {
	return string(id)
}

// Serial is the ordering token assigned to an accepted update. Serials are
// drawn from one counter shared by every applet: monotonic and totally
// ordered, but not contiguous per applet. Zero is reserved to mean "no prior
// knowledge" when used as a query cursor.
type Serial int64

// SerialNone is the cursor value of a consumer with no prior knowledge.
const SerialNone Serial = 0

// NewSerial validates the value and returns a Serial.
func NewSerial(value int64) (Serial, error) {
	if value < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSerial, value)
	}
	return Serial(value), nil
}

// Int64 exposes the raw serial value.
func (s Serial) Int64() int64 {
	return int64(s)
}

// Applet owns the derived state of one mini-app instance: its current
// document name and summary, each guarded by its own last-write-wins
// timestamp, independent of the other field.
type Applet struct {
	AppletID         string `gorm:"column:applet_id;primaryKey;size:190;not null"`
	ChatID           string `gorm:"column:chat_id;size:190;not null;index"`
	ThreadID         string `gorm:"column:thread_id;size:190;not null;uniqueIndex"`
	Kind             string `gorm:"column:kind;size:32;not null;default:'applet'"`
	IsDraft          bool   `gorm:"column:is_draft;not null;default:false"`
	DocumentName     string `gorm:"column:document_name;size:320;not null;default:''"`
	DocumentSetAtS   int64  `gorm:"column:document_set_at_s;not null;default:0"`
	Summary          string `gorm:"column:summary;size:320;not null;default:''"`
	SummarySetAtS    int64  `gorm:"column:summary_set_at_s;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Applet) TableName() string {
	return "applets"
}

// StatusUpdate is one stored entry of the append-only per-applet log. The
// serial is the table's auto-increment key, so assignment happens inside the
// same insert that enforces the dedup constraint. Rows are never mutated and
// only removed when their applet is removed.
type StatusUpdate struct {
	Serial     int64   `gorm:"column:serial;primaryKey;autoIncrement"`
	AppletID   string  `gorm:"column:applet_id;size:190;not null;uniqueIndex:ux_status_updates_dedup,priority:1"`
	DedupUID   *string `gorm:"column:dedup_uid;size:190;uniqueIndex:ux_status_updates_dedup,priority:2"`
	ItemJSON   string  `gorm:"column:item_json;type:text;not null"`
	TimestampS int64   `gorm:"column:timestamp_s;not null"`
	AcceptedAt int64   `gorm:"column:accepted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StatusUpdate) TableName() string {
	return "applet_status_updates"
}

// SendRange is the coalesced record of serials not yet handed to the
// transport for one applet: an inclusive [first, last] window. Local
// acceptances widen last; the flush cycle narrows first or deletes the row.
type SendRange struct {
	AppletID    string `gorm:"column:applet_id;primaryKey;size:190;not null"`
	FirstSerial int64  `gorm:"column:first_serial;not null"`
	LastSerial  int64  `gorm:"column:last_serial;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SendRange) TableName() string {
	return "applet_send_ranges"
}
