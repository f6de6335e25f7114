package applet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/transport"
)

const defaultFlushInterval = 60 * time.Second

var (
	errMissingService = errors.New("engine service is required")
	errMissingSender  = errors.New("transport sender is required")
	errInvalidCap     = errors.New("batch byte cap must be positive")
)

// batchEnvelope is the wire document carrying one rendered range. The applet
// thread identifier lets any recipient, own devices and group peers alike,
// re-associate the batch with its instance.
type batchEnvelope struct {
	Applet  string            `json:"applet"`
	Updates []json.RawMessage `json:"updates"`
}

// DecodeBatch parses an incoming batch envelope into its thread identifier
// and raw items, ready for ReceiveRemoteBatch.
func DecodeBatch(payload []byte) (string, [][]byte, error) {
	var envelope batchEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", nil, err
	}
	items := make([][]byte, 0, len(envelope.Updates))
	for _, update := range envelope.Updates {
		items = append(items, []byte(update))
	}
	return envelope.Applet, items, nil
}

// RenderedBatch is the outcome of rendering one serial range under a byte
// cap. FirstExcluded is the first serial not covered: last+1 when everything
// fit, the cut-off serial on a partial render, and the original first when
// nothing fit at all.
type RenderedBatch struct {
	ThreadID      string
	Payload       []byte
	Count         int
	FirstExcluded int64
}

// RenderBatch renders the updates in [first, last] for the applet into one
// size-bounded wire document, stopping before the first item that would push
// the accumulated size past maxBytes. By serial order, so a second call
// starting at FirstExcluded covers exactly the remaining suffix.
func (s *Service) RenderBatch(ctx context.Context, appletID string, first, last int64, maxBytes int) (RenderedBatch, error) {
	if s.db == nil {
		return RenderedBatch{}, newServiceError(opRenderBatch, reasonMissingDatabase, errMissingDatabase)
	}

	var instance Applet
	if err := s.db.WithContext(ctx).Where(queryByAppletID, appletID).Take(&instance).Error; err != nil {
		s.logError(opRenderBatch, reasonAppletLookup, err, zap.String(fieldAppletID, appletID))
		return RenderedBatch{}, newServiceError(opRenderBatch, reasonAppletLookup, err)
	}

	var updates []StatusUpdate
	if err := s.db.WithContext(ctx).
		Where(querySerialRange, appletID, first, last).
		Order(orderSerialAsc).
		Find(&updates).Error; err != nil {
		s.logError(opRenderBatch, reasonQueryFailed, err, zap.String(fieldAppletID, appletID))
		return RenderedBatch{}, newServiceError(opRenderBatch, reasonQueryFailed, err)
	}
	if len(updates) == 0 {
		// The whole range is gone (instance content deleted); nothing to send.
		return RenderedBatch{ThreadID: instance.ThreadID, FirstExcluded: last + 1}, nil
	}

	envelope := batchEnvelope{Applet: instance.ThreadID, Updates: []json.RawMessage{}}
	base, err := json.Marshal(envelope)
	if err != nil {
		return RenderedBatch{}, newServiceError(opRenderBatch, reasonQueryFailed, err)
	}

	size := len(base)
	firstExcluded := last + 1
	for i, update := range updates {
		itemSize := len(update.ItemJSON)
		if i > 0 {
			itemSize++ // separating comma
		}
		if maxBytes > 0 && size+itemSize > maxBytes && len(envelope.Updates) > 0 {
			firstExcluded = update.Serial
			break
		}
		if maxBytes > 0 && size+itemSize > maxBytes {
			// A single item larger than the cap can never be rendered;
			// submission-time capping keeps local queues free of these.
			return RenderedBatch{ThreadID: instance.ThreadID, FirstExcluded: first}, nil
		}
		envelope.Updates = append(envelope.Updates, json.RawMessage(update.ItemJSON))
		size += itemSize
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return RenderedBatch{}, newServiceError(opRenderBatch, reasonQueryFailed, err)
	}
	return RenderedBatch{
		ThreadID:      instance.ThreadID,
		Payload:       payload,
		Count:         len(envelope.Updates),
		FirstExcluded: firstExcluded,
	}, nil
}

// FlusherConfig wires the flush cycle.
type FlusherConfig struct {
	Service  *Service
	Sender   transport.Sender
	MaxBytes int
	Interval time.Duration
	Logger   *zap.Logger
}

// Flusher drains the outgoing queue: one long-lived cooperative loop that
// renders the oldest pending range per applet into size-bounded batches and
// hands them to the transport. Acceptance stays fast; sending coalesces.
type Flusher struct {
	service  *Service
	sender   transport.Sender
	maxBytes int
	interval time.Duration
	logger   *zap.Logger
	wake     chan struct{}
}

// NewFlusher validates the configuration and constructs a flusher.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	if cfg.MaxBytes <= 0 {
		return nil, errInvalidCap
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Flusher{
		service:  cfg.Service,
		sender:   cfg.Sender,
		maxBytes: cfg.MaxBytes,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Wake signals the loop that the outgoing queue was extended. Never blocks;
// a pending signal coalesces with new ones.
func (f *Flusher) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run drives the flush cycle until the context ends. Bursts drain in
// back-to-back iterations without waiting for the signal; an iteration that
// fails leaves its queue entry unadvanced and is retried on the next wake.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		progressed, err := f.FlushOnce(ctx)
		if err != nil {
			f.logger.Error("flush iteration failed", zap.Error(err))
		} else if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
		case <-ticker.C:
		}
	}
}

// FlushOnce drains at most one queue entry: render, send, advance. Returns
// whether the queue advanced, so callers can loop until nothing remains.
func (f *Flusher) FlushOnce(ctx context.Context) (bool, error) {
	entry, ok, err := f.service.TakeOneSendRange(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	batch, err := f.service.RenderBatch(ctx, entry.AppletID, entry.FirstSerial, entry.LastSerial, f.maxBytes)
	if err != nil {
		return false, err
	}
	if batch.Count == 0 {
		if batch.FirstExcluded > entry.LastSerial {
			// Nothing stored for the range anymore; drop the entry.
			if err := f.service.AdvanceSendRange(ctx, entry.AppletID, entry.FirstSerial, batch.FirstExcluded); err != nil {
				return false, err
			}
			return true, nil
		}
		f.logger.Warn("send range head does not fit batch cap",
			zap.String(fieldAppletID, entry.AppletID),
			zap.Int64("first_serial", entry.FirstSerial))
		return false, nil
	}

	if err := f.sender.Send(ctx, transport.OutboundItem{
		AppletID: entry.AppletID,
		ThreadID: batch.ThreadID,
		Payload:  batch.Payload,
	}); err != nil {
		// Entry not advanced; the same range is retried on the next wake.
		return false, err
	}

	if err := f.service.AdvanceSendRange(ctx, entry.AppletID, entry.FirstSerial, batch.FirstExcluded); err != nil {
		return false, err
	}
	f.logger.Debug("flushed send range",
		zap.String(fieldAppletID, entry.AppletID),
		zap.Int64("first_serial", entry.FirstSerial),
		zap.Int64("first_excluded", batch.FirstExcluded),
		zap.Int("update_count", batch.Count))
	return true, nil
}
