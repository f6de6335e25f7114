package applet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/courierchat/courier/internal/account"
	"github.com/courierchat/courier/internal/chat"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingChatStore  = errors.New("chat store is required")
	noOpLogger           = zap.NewNop()

	// ErrUnknownApplet indicates that no applet exists for the identifier.
	ErrUnknownApplet = errors.New("applet: unknown applet")
	// ErrNotApplet indicates that the target attachment is not an applet.
	ErrNotApplet = errors.New("applet: attachment does not accept updates")
	// ErrSendForbidden indicates that the owning chat forbids sending.
	ErrSendForbidden = errors.New("applet: chat forbids sending")
)

// ServiceError wraps a failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code of the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "applet.service.new"
	opSubmitUpdate   = "applet.submit_update"
	opReceiveBatch   = "applet.receive_batch"
	opQueryUpdates   = "applet.query_updates"
	opRenderBatch    = "applet.render_batch"
	opTakeSendRange  = "applet.take_send_range"
	opAdvanceRange   = "applet.advance_send_range"
	opRegisterApplet = "applet.register"
	opMarkSent       = "applet.mark_sent"
	opDeleteApplet   = "applet.delete"

	fieldAppletID = "applet_id"
	fieldChatID   = "chat_id"
	fieldSerial   = "serial"

	reasonMissingDatabase  = "missing_database"
	reasonAppletLookup     = "applet_lookup_failed"
	reasonUnknownApplet    = "unknown_applet"
	reasonNotApplet        = "not_an_applet"
	reasonSendForbidden    = "send_forbidden"
	reasonMalformedItem    = "malformed_item"
	reasonItemTooLarge     = "item_too_large"
	reasonInsertFailed     = "update_insert_failed"
	reasonProjectFailed    = "projection_failed"
	reasonRangeFailed      = "send_range_failed"
	reasonQueryFailed      = "query_failed"
	reasonMaxSerialFailed  = "max_serial_failed"
	reasonChatLookupFailed = "chat_lookup_failed"

	queryByAppletID  = "applet_id = ?"
	querySerialRange = "applet_id = ? AND serial >= ? AND serial <= ?"
	querySerialAfter = "applet_id = ? AND serial > ?"
	orderSerialAsc   = "serial ASC"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for synthesized chat messages.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the engine's collaborators.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     *Dispatcher
	Chats      *chat.Store
	Owner      account.Account
	// MaxItemBytes rejects single local items that could never fit a
	// rendered batch. Zero disables the submission-time cap.
	MaxItemBytes int
	// SendSignal wakes the flush cycle after a local acceptance extended
	// the outgoing queue. Optional; the flush timer covers its absence.
	SendSignal func()
}

// Service is the status-update distribution engine for applet instances.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	ids          IDProvider
	logger       *zap.Logger
	events       *Dispatcher
	chats        *chat.Store
	owner        account.Account
	maxItemBytes int
	sendSignal   func()
}

// NewService validates the configuration and constructs the engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Chats == nil {
		return nil, newServiceError(opServiceNew, "missing_chat_store", errMissingChatStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	events := cfg.Events
	if events == nil {
		events = NewDispatcher()
	}
	return &Service{
		db:           cfg.Database,
		clock:        clock,
		ids:          cfg.IDProvider,
		logger:       logger,
		events:       events,
		chats:        cfg.Chats,
		owner:        cfg.Owner,
		maxItemBytes: cfg.MaxItemBytes,
		sendSignal:   cfg.SendSignal,
	}, nil
}

// Events exposes the engine's event dispatcher.
func (s *Service) Events() *Dispatcher {
	return s.events
}

// SetSendSignal wires the flush-cycle wake callback. Called once during
// startup, before the engine serves requests.
func (s *Service) SetSendSignal(signal func()) {
	s.sendSignal = signal
}

// acceptOutcome is the result of one store acceptance.
type acceptOutcome struct {
	serial    Serial
	duplicate bool
}

// accept persists one update record and assigns the next serial. The dedup
// check and the serial assignment are one insert: the (applet, uid) unique
// index rejects duplicates, and a rejected insert consumes no serial.
func (s *Service) accept(tx *gorm.DB, appletID string, item UpdateItem, timestampS int64) (acceptOutcome, error) {
	encoded, err := item.Encode()
	if err != nil {
		return acceptOutcome{}, err
	}
	var dedupUID *string
	if item.UID != "" {
		uid := item.UID
		dedupUID = &uid
	}
	record := StatusUpdate{
		AppletID:   appletID,
		DedupUID:   dedupUID,
		ItemJSON:   encoded,
		TimestampS: timestampS,
		AcceptedAt: s.clock().UTC().Unix(),
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return acceptOutcome{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Expected on self-copies and redelivery, not an error.
		s.logger.Debug("duplicate update ignored",
			zap.String(fieldAppletID, appletID),
			zap.String("uid", item.UID))
		return acceptOutcome{duplicate: true}, nil
	}
	serial, err := NewSerial(record.Serial)
	if err != nil {
		return acceptOutcome{}, err
	}
	return acceptOutcome{serial: serial}, nil
}

// SubmitLocalUpdate accepts one locally originated update, projects its side
// effects, extends the outgoing queue and wakes the flush cycle. A duplicate
// uid yields serial zero with no error.
func (s *Service) SubmitLocalUpdate(ctx context.Context, appletID AppletID, rawItem []byte) (Serial, error) {
	if s.db == nil {
		s.logError(opSubmitUpdate, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opSubmitUpdate, reasonMissingDatabase, errMissingDatabase)
	}
	item, err := ParseItem(rawItem)
	if err != nil {
		s.logError(opSubmitUpdate, reasonMalformedItem, err, zap.String(fieldAppletID, appletID.String()))
		return 0, newServiceError(opSubmitUpdate, reasonMalformedItem, err)
	}
	if s.maxItemBytes > 0 {
		encoded, encodeErr := item.Encode()
		if encodeErr != nil {
			return 0, newServiceError(opSubmitUpdate, reasonMalformedItem, encodeErr)
		}
		if len(encoded) > s.maxItemBytes {
			s.logError(opSubmitUpdate, reasonItemTooLarge, ErrItemTooLarge,
				zap.String(fieldAppletID, appletID.String()),
				zap.Int("item_bytes", len(encoded)),
				zap.Int("max_bytes", s.maxItemBytes))
			return 0, newServiceError(opSubmitUpdate, reasonItemTooLarge, ErrItemTooLarge)
		}
	}

	timestampS := s.clock().UTC().Unix()
	var outcome acceptOutcome
	var projection projectionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, lookupErr := s.lookupForUpdate(tx, opSubmitUpdate, appletID.String())
		if lookupErr != nil {
			return lookupErr
		}
		if instance.Kind != KindApplet {
			return newServiceError(opSubmitUpdate, reasonNotApplet, ErrNotApplet)
		}
		owningChat, chatErr := s.chats.Lookup(tx, instance.ChatID)
		if chatErr != nil {
			s.logError(opSubmitUpdate, reasonChatLookupFailed, chatErr, zap.String(fieldChatID, instance.ChatID))
			return newServiceError(opSubmitUpdate, reasonChatLookupFailed, chatErr)
		}
		if !owningChat.CanSend {
			return newServiceError(opSubmitUpdate, reasonSendForbidden, ErrSendForbidden)
		}

		var acceptErr error
		outcome, acceptErr = s.accept(tx, instance.AppletID, item, timestampS)
		if acceptErr != nil {
			s.logError(opSubmitUpdate, reasonInsertFailed, acceptErr, zap.String(fieldAppletID, instance.AppletID))
			return newServiceError(opSubmitUpdate, reasonInsertFailed, acceptErr)
		}
		if outcome.duplicate {
			return nil
		}

		var projectErr error
		projection, projectErr = s.project(tx, &instance, item, timestampS, projectionContext{
			selfOrigin: true,
			live:       !instance.IsDraft,
			author:     s.owner.Address,
		})
		if projectErr != nil {
			s.logError(opSubmitUpdate, reasonProjectFailed, projectErr, zap.String(fieldAppletID, instance.AppletID))
			return newServiceError(opSubmitUpdate, reasonProjectFailed, projectErr)
		}

		if rangeErr := s.extendSendRange(tx, instance.AppletID, outcome.serial.Int64()); rangeErr != nil {
			s.logError(opSubmitUpdate, reasonRangeFailed, rangeErr, zap.String(fieldAppletID, instance.AppletID))
			return newServiceError(opSubmitUpdate, reasonRangeFailed, rangeErr)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	if outcome.duplicate {
		return 0, nil
	}

	s.publishAcceptance(appletID.String(), outcome.serial, projection)
	if s.sendSignal != nil {
		s.sendSignal()
	}
	return outcome.serial, nil
}

// ReceiveRemoteBatch applies every item of an incoming transport batch
// through the same acceptance path as local submissions. The call is
// idempotent: redelivered and self-copied items deduplicate by uid.
// Malformed items are skipped and reported; well-formed items still apply.
func (s *Service) ReceiveRemoteBatch(ctx context.Context, appletID AppletID, author string, timestampS int64, rawItems [][]byte) (int, error) {
	if s.db == nil {
		s.logError(opReceiveBatch, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opReceiveBatch, reasonMissingDatabase, errMissingDatabase)
	}
	if len(rawItems) == 0 {
		return 0, nil
	}

	selfOrigin := author == s.owner.Address
	accepted := 0
	var malformed []error
	var acceptedSerials []Serial
	var projections []projectionResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, lookupErr := s.lookupForUpdate(tx, opReceiveBatch, appletID.String())
		if lookupErr != nil {
			return lookupErr
		}
		for _, raw := range rawItems {
			item, parseErr := ParseItem(raw)
			if parseErr != nil {
				s.logger.Warn("skipping malformed incoming update",
					zap.String(fieldAppletID, instance.AppletID),
					zap.Error(parseErr))
				malformed = append(malformed, parseErr)
				continue
			}
			outcome, acceptErr := s.accept(tx, instance.AppletID, item, timestampS)
			if acceptErr != nil {
				s.logError(opReceiveBatch, reasonInsertFailed, acceptErr, zap.String(fieldAppletID, instance.AppletID))
				return newServiceError(opReceiveBatch, reasonInsertFailed, acceptErr)
			}
			if outcome.duplicate {
				continue
			}
			projection, projectErr := s.project(tx, &instance, item, timestampS, projectionContext{
				selfOrigin: selfOrigin,
				live:       !instance.IsDraft,
				author:     author,
			})
			if projectErr != nil {
				s.logError(opReceiveBatch, reasonProjectFailed, projectErr, zap.String(fieldAppletID, instance.AppletID))
				return newServiceError(opReceiveBatch, reasonProjectFailed, projectErr)
			}
			accepted++
			acceptedSerials = append(acceptedSerials, outcome.serial)
			projections = append(projections, projection)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	for i, serial := range acceptedSerials {
		s.publishAcceptance(appletID.String(), serial, projections[i])
	}
	if len(malformed) > 0 {
		return accepted, newServiceError(opReceiveBatch, reasonMalformedItem, errors.Join(malformed...))
	}
	return accepted, nil
}

// UpdateView is one query result: the item with its uid stripped, its serial,
// and the applet's maximum serial at read time.
type UpdateView struct {
	ItemJSON  string
	Serial    Serial
	MaxSerial Serial
}

// QueryUpdatesSince returns every update of the applet strictly newer than
// the cursor, in acceptance order. Safe to call repeatedly with an advancing
// cursor; a cursor of SerialNone reads from the beginning.
func (s *Service) QueryUpdatesSince(ctx context.Context, appletID AppletID, since Serial) ([]UpdateView, error) {
	if s.db == nil {
		s.logError(opQueryUpdates, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opQueryUpdates, reasonMissingDatabase, errMissingDatabase)
	}

	var updates []StatusUpdate
	if err := s.db.WithContext(ctx).
		Where(querySerialAfter, appletID.String(), since.Int64()).
		Order(orderSerialAsc).
		Find(&updates).Error; err != nil {
		s.logError(opQueryUpdates, reasonQueryFailed, err, zap.String(fieldAppletID, appletID.String()))
		return nil, newServiceError(opQueryUpdates, reasonQueryFailed, err)
	}

	var maxSerial int64
	if err := s.db.WithContext(ctx).
		Model(&StatusUpdate{}).
		Where(queryByAppletID, appletID.String()).
		Select("COALESCE(MAX(serial), 0)").
		Scan(&maxSerial).Error; err != nil {
		s.logError(opQueryUpdates, reasonMaxSerialFailed, err, zap.String(fieldAppletID, appletID.String()))
		return nil, newServiceError(opQueryUpdates, reasonMaxSerialFailed, err)
	}

	views := make([]UpdateView, 0, len(updates))
	for _, update := range updates {
		item, parseErr := ParseItem([]byte(update.ItemJSON))
		if parseErr != nil {
			s.logError(opQueryUpdates, reasonMalformedItem, parseErr, zap.Int64(fieldSerial, update.Serial))
			return nil, newServiceError(opQueryUpdates, reasonMalformedItem, parseErr)
		}
		stripped, encodeErr := item.EncodeForConsumer()
		if encodeErr != nil {
			return nil, newServiceError(opQueryUpdates, reasonMalformedItem, encodeErr)
		}
		views = append(views, UpdateView{
			ItemJSON:  stripped,
			Serial:    Serial(update.Serial),
			MaxSerial: Serial(maxSerial),
		})
	}
	return views, nil
}

// RegisterApplet records a new applet instance. The chat row is created when
// absent so the instance always has an owning conversation.
func (s *Service) RegisterApplet(ctx context.Context, instance Applet) error {
	if s.db == nil {
		s.logError(opRegisterApplet, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opRegisterApplet, reasonMissingDatabase, errMissingDatabase)
	}
	if instance.Kind == "" {
		instance.Kind = KindApplet
	}
	if instance.CreatedAtSeconds == 0 {
		instance.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.chats.Ensure(tx, chat.Chat{ChatID: instance.ChatID, CanSend: true}); err != nil {
			return newServiceError(opRegisterApplet, reasonChatLookupFailed, err)
		}
		if err := tx.Create(&instance).Error; err != nil {
			s.logError(opRegisterApplet, reasonInsertFailed, err, zap.String(fieldAppletID, instance.AppletID))
			return newServiceError(opRegisterApplet, reasonInsertFailed, err)
		}
		return nil
	})
}

// MarkAppletSent clears the draft flag once the applet message itself has
// been durably handed to the transport. Updates accepted while drafting
// remain stored and queued; only their notice projection was suppressed.
func (s *Service) MarkAppletSent(ctx context.Context, appletID AppletID) error {
	if s.db == nil {
		return newServiceError(opMarkSent, reasonMissingDatabase, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).
		Model(&Applet{}).
		Where(queryByAppletID, appletID.String()).
		Update("is_draft", false)
	if result.Error != nil {
		s.logError(opMarkSent, reasonQueryFailed, result.Error, zap.String(fieldAppletID, appletID.String()))
		return newServiceError(opMarkSent, reasonQueryFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkSent, reasonUnknownApplet, ErrUnknownApplet)
	}
	return nil
}

// DeleteApplet removes the instance and cascades to its update log and send
// range. Notices already projected into the chat follow ordinary message
// lifecycle and are not touched.
func (s *Service) DeleteApplet(ctx context.Context, appletID AppletID) error {
	if s.db == nil {
		return newServiceError(opDeleteApplet, reasonMissingDatabase, errMissingDatabase)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryByAppletID, appletID.String()).Delete(&StatusUpdate{}).Error; err != nil {
			return newServiceError(opDeleteApplet, reasonQueryFailed, err)
		}
		if err := tx.Where(queryByAppletID, appletID.String()).Delete(&SendRange{}).Error; err != nil {
			return newServiceError(opDeleteApplet, reasonQueryFailed, err)
		}
		if err := tx.Where(queryByAppletID, appletID.String()).Delete(&Applet{}).Error; err != nil {
			return newServiceError(opDeleteApplet, reasonQueryFailed, err)
		}
		return nil
	})
}

func (s *Service) lookupForUpdate(tx *gorm.DB, operation, appletID string) (Applet, error) {
	var instance Applet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryByAppletID, appletID).
		Take(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Applet{}, newServiceError(operation, reasonUnknownApplet, ErrUnknownApplet)
	}
	if err != nil {
		s.logError(operation, reasonAppletLookup, err, zap.String(fieldAppletID, appletID))
		return Applet{}, newServiceError(operation, reasonAppletLookup, err)
	}
	return instance, nil
}

func (s *Service) publishAcceptance(appletID string, serial Serial, projection projectionResult) {
	now := s.clock().UTC()
	s.events.Publish(Event{
		Kind:      EventUpdatesAvailable,
		AppletID:  appletID,
		Serial:    serial,
		Timestamp: now,
	})
	if projection.MetadataChanged {
		s.events.Publish(Event{
			Kind:      EventMetadataChanged,
			AppletID:  appletID,
			Timestamp: now,
		})
	}
	if projection.NotifyMatched {
		messageID := projection.NoticeMessageID
		if messageID == "" {
			messageID = appletID
		}
		s.events.Publish(Event{
			Kind:      EventNotifyMatch,
			AppletID:  appletID,
			Text:      projection.NotifyText,
			MessageID: messageID,
			Timestamp: now,
		})
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("applet engine error", attrs...)
}
