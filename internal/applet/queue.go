package applet

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// extendSendRange widens the applet's unsent window to include the serial.
// Serials only grow, so an existing entry is always widened, never shrunk.
// Runs inside the acceptance transaction.
func (s *Service) extendSendRange(tx *gorm.DB, appletID string, serial int64) error {
	var entry SendRange
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryByAppletID, appletID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&SendRange{
			AppletID:    appletID,
			FirstSerial: serial,
			LastSerial:  serial,
		}).Error
	}
	if err != nil {
		return err
	}
	if serial <= entry.LastSerial {
		return nil
	}
	return tx.Model(&SendRange{}).
		Where(queryByAppletID, appletID).
		Update("last_serial", serial).Error
}

// TakeOneSendRange returns an arbitrary pending entry. Order across applets
// is unspecified; callers must not rely on it.
func (s *Service) TakeOneSendRange(ctx context.Context) (SendRange, bool, error) {
	if s.db == nil {
		return SendRange{}, false, newServiceError(opTakeSendRange, reasonMissingDatabase, errMissingDatabase)
	}
	var entry SendRange
	err := s.db.WithContext(ctx).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SendRange{}, false, nil
	}
	if err != nil {
		s.logError(opTakeSendRange, reasonQueryFailed, err)
		return SendRange{}, false, newServiceError(opTakeSendRange, reasonQueryFailed, err)
	}
	return entry, true, nil
}

// AdvanceSendRange narrows the entry to start at newFirst, deleting it when
// newFirst passes the entry's last serial. The write is conditional on the
// entry still starting at expectFirst: a concurrently advanced or deleted
// entry makes this call a no-op, so a stale flush iteration cannot
// double-advance the window.
func (s *Service) AdvanceSendRange(ctx context.Context, appletID string, expectFirst, newFirst int64) error {
	if s.db == nil {
		return newServiceError(opAdvanceRange, reasonMissingDatabase, errMissingDatabase)
	}
	if newFirst <= expectFirst {
		return nil
	}

	deleted := s.db.WithContext(ctx).
		Where("applet_id = ? AND first_serial = ? AND last_serial < ?", appletID, expectFirst, newFirst).
		Delete(&SendRange{})
	if deleted.Error != nil {
		s.logError(opAdvanceRange, reasonQueryFailed, deleted.Error, zap.String(fieldAppletID, appletID))
		return newServiceError(opAdvanceRange, reasonQueryFailed, deleted.Error)
	}
	if deleted.RowsAffected > 0 {
		return nil
	}

	narrowed := s.db.WithContext(ctx).
		Model(&SendRange{}).
		Where("applet_id = ? AND first_serial = ? AND last_serial >= ?", appletID, expectFirst, newFirst).
		Update("first_serial", newFirst)
	if narrowed.Error != nil {
		s.logError(opAdvanceRange, reasonQueryFailed, narrowed.Error, zap.String(fieldAppletID, appletID))
		return newServiceError(opAdvanceRange, reasonQueryFailed, narrowed.Error)
	}
	return nil
}
