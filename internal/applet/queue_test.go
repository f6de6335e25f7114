package applet

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"
)

func loadSendRange(t *testing.T, db *gorm.DB, appletID string) (SendRange, bool) {
	t.Helper()
	var entry SendRange
	err := db.Where("applet_id = ?", appletID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SendRange{}, false
	}
	if err != nil {
		t.Fatalf("failed to load send range: %v", err)
	}
	return entry, true
}

func TestSubmitCreatesAndWidensSendRange(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":1}`)
	entry, ok := loadSendRange(t, db, "applet-1")
	if !ok {
		t.Fatalf("expected a send range after the first submit")
	}
	if entry.FirstSerial != int64(first) || entry.LastSerial != int64(first) {
		t.Fatalf("expected [%d,%d], got [%d,%d]", first, first, entry.FirstSerial, entry.LastSerial)
	}

	last := submitUpdate(t, service, appletID, `{"payload":2}`)
	entry, _ = loadSendRange(t, db, "applet-1")
	if entry.FirstSerial != int64(first) || entry.LastSerial != int64(last) {
		t.Fatalf("expected widened range [%d,%d], got [%d,%d]", first, last, entry.FirstSerial, entry.LastSerial)
	}
}

func TestTakeOneSendRangeEmpty(t *testing.T) {
	service, _ := newTestEngine(t)

	if _, ok, err := service.TakeOneSendRange(context.Background()); err != nil || ok {
		t.Fatalf("empty queue must report (ok=false, err=nil), got ok=%v err=%v", ok, err)
	}
}

func TestAdvanceSendRangeNarrows(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":1}`)
	submitUpdate(t, service, appletID, `{"payload":2}`)
	last := submitUpdate(t, service, appletID, `{"payload":3}`)

	if err := service.AdvanceSendRange(context.Background(), "applet-1", int64(first), int64(first)+2); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}
	entry, ok := loadSendRange(t, db, "applet-1")
	if !ok || entry.FirstSerial != int64(first)+2 || entry.LastSerial != int64(last) {
		t.Fatalf("expected [%d,%d], got %#v (ok=%v)", int64(first)+2, last, entry, ok)
	}
}

func TestAdvanceSendRangePastLastDeletes(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":1}`)
	last := submitUpdate(t, service, appletID, `{"payload":2}`)

	if err := service.AdvanceSendRange(context.Background(), "applet-1", int64(first), int64(last)+1); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}
	if _, ok := loadSendRange(t, db, "applet-1"); ok {
		t.Fatalf("an exhausted range must be deleted")
	}
}

func TestAdvanceSendRangeStaleExpectationIsNoOp(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":1}`)
	last := submitUpdate(t, service, appletID, `{"payload":2}`)

	// A stale flush iteration carries an expectation that no longer matches
	// the stored window; it must leave the range untouched.
	if err := service.AdvanceSendRange(context.Background(), "applet-1", int64(first)+1, int64(last)+1); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}
	entry, ok := loadSendRange(t, db, "applet-1")
	if !ok || entry.FirstSerial != int64(first) || entry.LastSerial != int64(last) {
		t.Fatalf("stale advance must be a no-op, got %#v (ok=%v)", entry, ok)
	}
}

func TestAdvanceSendRangeBackwardsIsNoOp(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":1}`)

	if err := service.AdvanceSendRange(context.Background(), "applet-1", int64(first), int64(first)); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}
	if entry, ok := loadSendRange(t, db, "applet-1"); !ok || entry.FirstSerial != int64(first) {
		t.Fatalf("non-forward advance must be a no-op, got %#v (ok=%v)", entry, ok)
	}
}
