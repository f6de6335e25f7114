package applet

import (
	"context"
	"errors"
	"testing"

	"github.com/courierchat/courier/internal/transport"
)

func newTestFlusher(t *testing.T, service *Service, maxBytes int) (*Flusher, *transport.MemorySender) {
	t.Helper()
	sender := transport.NewMemorySender()
	flusher, err := NewFlusher(FlusherConfig{
		Service:  service,
		Sender:   sender,
		MaxBytes: maxBytes,
	})
	if err != nil {
		t.Fatalf("failed to construct flusher: %v", err)
	}
	return flusher, sender
}

func decodeSentBatch(t *testing.T, item transport.OutboundItem) (string, [][]byte) {
	t.Helper()
	threadID, items, err := DecodeBatch(item.Payload)
	if err != nil {
		t.Fatalf("failed to decode batch: %v", err)
	}
	return threadID, items
}

func TestFlushOnceSendsAndAdvances(t *testing.T) {
	service, _ := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)
	flusher, sender := newTestFlusher(t, service, 64*1024)

	submitUpdate(t, service, appletID, `{"payload":{"move":"e4"}}`)
	submitUpdate(t, service, appletID, `{"payload":{"move":"e5"}}`)

	progressed, err := flusher.FlushOnce(context.Background())
	if err != nil || !progressed {
		t.Fatalf("expected one flushed batch, got progressed=%v err=%v", progressed, err)
	}

	sent := sender.Items()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one outbound item, got %d", len(sent))
	}
	threadID, items := decodeSentBatch(t, sent[0])
	if threadID != "thread-1" {
		t.Fatalf("batch must carry the applet thread id, got %q", threadID)
	}
	if len(items) != 2 {
		t.Fatalf("expected both updates in one batch, got %d", len(items))
	}
	item, err := ParseItem(items[0])
	if err != nil {
		t.Fatalf("sent item must round-trip: %v", err)
	}
	if string(item.Payload) != `{"move":"e4"}` {
		t.Fatalf("unexpected first payload %q", item.Payload)
	}

	// Queue drained: a second iteration has nothing to do.
	if progressed, err := flusher.FlushOnce(context.Background()); err != nil || progressed {
		t.Fatalf("drained queue must not progress, got progressed=%v err=%v", progressed, err)
	}
}

func TestFlushSplitsOversizedRange(t *testing.T) {
	service, _ := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	items := []string{
		`{"payload":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`,
		`{"payload":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}`,
		`{"payload":"cccccccccccccccccccccccccccccccc"}`,
	}
	for _, item := range items {
		submitUpdate(t, service, appletID, item)
	}

	// A cap that fits the envelope plus one item forces one item per batch.
	capBytes := len(`{"applet":"thread-1","updates":[]}`) + len(items[0]) + 1
	flusher, sender := newTestFlusher(t, service, capBytes)

	for i := 0; i < len(items); i++ {
		progressed, err := flusher.FlushOnce(context.Background())
		if err != nil || !progressed {
			t.Fatalf("iteration %d: progressed=%v err=%v", i, progressed, err)
		}
	}
	if progressed, _ := flusher.FlushOnce(context.Background()); progressed {
		t.Fatalf("queue must be empty after three iterations")
	}

	sent := sender.Items()
	if len(sent) != 3 {
		t.Fatalf("expected three single-item batches, got %d", len(sent))
	}
	var payloads []string
	for _, outbound := range sent {
		_, batchItems := decodeSentBatch(t, outbound)
		if len(batchItems) != 1 {
			t.Fatalf("expected one item per capped batch, got %d", len(batchItems))
		}
		parsed, err := ParseItem(batchItems[0])
		if err != nil {
			t.Fatalf("unexpected parse error: %v", err)
		}
		payloads = append(payloads, string(parsed.Payload))
	}
	for i, want := range []string{`"aaaa`, `"bbbb`, `"cccc`} {
		if payloads[i][:5] != want {
			t.Fatalf("batches must cover the range in order exactly once, got %v", payloads)
		}
	}
}

func TestFlushSendFailureKeepsRange(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)
	flusher, sender := newTestFlusher(t, service, 64*1024)

	first := submitUpdate(t, service, appletID, `{"payload":1}`)

	sender.FailWith(errors.New("transport down"))
	progressed, err := flusher.FlushOnce(context.Background())
	if err == nil || progressed {
		t.Fatalf("a failed send must surface and leave the entry queued, got progressed=%v err=%v", progressed, err)
	}
	if entry, ok := loadSendRange(t, db, "applet-1"); !ok || entry.FirstSerial != int64(first) {
		t.Fatalf("send failure must not advance the range, got %#v (ok=%v)", entry, ok)
	}

	sender.FailWith(nil)
	if progressed, err := flusher.FlushOnce(context.Background()); err != nil || !progressed {
		t.Fatalf("retry must drain the kept range, got progressed=%v err=%v", progressed, err)
	}
	if len(sender.Items()) != 1 {
		t.Fatalf("expected the retried batch exactly once, got %d", len(sender.Items()))
	}
}

func TestFlushDropsRangeWithNoStoredUpdates(t *testing.T) {
	service, db := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)
	flusher, sender := newTestFlusher(t, service, 64*1024)

	submitUpdate(t, service, appletID, `{"payload":1}`)
	if err := db.Where("applet_id = ?", "applet-1").Delete(&StatusUpdate{}).Error; err != nil {
		t.Fatalf("failed to clear updates: %v", err)
	}

	progressed, err := flusher.FlushOnce(context.Background())
	if err != nil || !progressed {
		t.Fatalf("an empty range must be dropped as progress, got progressed=%v err=%v", progressed, err)
	}
	if len(sender.Items()) != 0 {
		t.Fatalf("nothing must be sent for an empty range")
	}
	if _, ok := loadSendRange(t, db, "applet-1"); ok {
		t.Fatalf("the empty range entry must be deleted")
	}
}

func TestRenderBatchSuffixResumesAtFirstExcluded(t *testing.T) {
	service, _ := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":"aaaaaaaaaaaaaaaa"}`)
	submitUpdate(t, service, appletID, `{"payload":"bbbbbbbbbbbbbbbb"}`)
	last := submitUpdate(t, service, appletID, `{"payload":"cccccccccccccccc"}`)

	capBytes := len(`{"applet":"thread-1","updates":[]}`) + 2*len(`{"payload":"aaaaaaaaaaaaaaaa"}`) + 1

	head, err := service.RenderBatch(context.Background(), "applet-1", int64(first), int64(last), capBytes)
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	if head.Count != 2 || head.FirstExcluded != int64(last) {
		t.Fatalf("expected a two-item prefix cut at %d, got count=%d firstExcluded=%d", last, head.Count, head.FirstExcluded)
	}

	tail, err := service.RenderBatch(context.Background(), "applet-1", head.FirstExcluded, int64(last), capBytes)
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	if tail.Count != 1 || tail.FirstExcluded != int64(last)+1 {
		t.Fatalf("expected the exact remaining suffix, got count=%d firstExcluded=%d", tail.Count, tail.FirstExcluded)
	}
}

func TestRenderBatchSingleOversizedItem(t *testing.T) {
	service, _ := newTestEngine(t)
	appletID := registerApplet(t, service, "applet-1", "chat-1", "thread-1", false)

	first := submitUpdate(t, service, appletID, `{"payload":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)

	batch, err := service.RenderBatch(context.Background(), "applet-1", int64(first), int64(first), 16)
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	if batch.Count != 0 || batch.FirstExcluded != int64(first) {
		t.Fatalf("an unfittable head reports no coverage, got count=%d firstExcluded=%d", batch.Count, batch.FirstExcluded)
	}
}

func TestRenderBatchUnknownApplet(t *testing.T) {
	service, _ := newTestEngine(t)

	if _, err := service.RenderBatch(context.Background(), "missing", 1, 2, 1024); err == nil {
		t.Fatalf("expected an error for an unknown applet")
	}
}
