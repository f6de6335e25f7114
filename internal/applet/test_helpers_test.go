package applet

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/courierchat/courier/internal/account"
	"github.com/courierchat/courier/internal/chat"
)

const (
	testOwnerAddress = "alice@example.org"
	testOwnerKeySeed = "seed-alice"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:courier_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Chat{}, &chat.Message{}, &Applet{}, &StatusUpdate{}, &SendRange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: NewUUIDProvider(),
		Chats:      chat.NewStore(),
		Owner:      account.Account{Address: testOwnerAddress, KeySeed: testOwnerKeySeed},
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return service, db
}

func mustAppletID(t *testing.T, value string) AppletID {
	t.Helper()
	id, err := NewAppletID(value)
	if err != nil {
		t.Fatalf("unexpected applet id error: %v", err)
	}
	return id
}

func registerApplet(t *testing.T, service *Service, appletID, chatID, threadID string, draft bool) AppletID {
	t.Helper()
	err := service.RegisterApplet(context.Background(), Applet{
		AppletID: appletID,
		ChatID:   chatID,
		ThreadID: threadID,
		IsDraft:  draft,
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	return mustAppletID(t, appletID)
}

func submitUpdate(t *testing.T, service *Service, appletID AppletID, rawItem string) Serial {
	t.Helper()
	serial, err := service.SubmitLocalUpdate(context.Background(), appletID, []byte(rawItem))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return serial
}

func receiveBatch(t *testing.T, service *Service, appletID AppletID, author string, timestampS int64, items ...string) int {
	t.Helper()
	rawItems := make([][]byte, 0, len(items))
	for _, item := range items {
		rawItems = append(rawItems, []byte(item))
	}
	accepted, err := service.ReceiveRemoteBatch(context.Background(), appletID, author, timestampS, rawItems)
	if err != nil {
		t.Fatalf("unexpected receive error: %v", err)
	}
	return accepted
}

func queryUpdates(t *testing.T, service *Service, appletID AppletID, since Serial) []UpdateView {
	t.Helper()
	views, err := service.QueryUpdatesSince(context.Background(), appletID, since)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	return views
}

func payloadOf(t *testing.T, view UpdateView) string {
	t.Helper()
	item, err := ParseItem([]byte(view.ItemJSON))
	if err != nil {
		t.Fatalf("unexpected item parse error: %v", err)
	}
	return string(item.Payload)
}

func drainEvents(stream <-chan Event) []Event {
	var events []Event
	for {
		select {
		case event := <-stream:
			events = append(events, event)
		default:
			return events
		}
	}
}

func itemWithPayload(t *testing.T, payload any, mutate func(*UpdateItem)) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected payload marshal error: %v", err)
	}
	item := UpdateItem{Payload: raw}
	if mutate != nil {
		mutate(&item)
	}
	encoded, err := item.Encode()
	if err != nil {
		t.Fatalf("unexpected item encode error: %v", err)
	}
	return encoded
}
