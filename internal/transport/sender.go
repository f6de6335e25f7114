package transport

import "context"

// OutboundItem is one outgoing transport message from the engine's point of
// view: a rendered batch plus the reply/thread metadata that lets recipients
// associate it with the owning applet instance. MIME assembly and encryption
// happen downstream of this package.
type OutboundItem struct {
	AppletID string
	ThreadID string
	Payload  []byte
}

// Sender accepts one outgoing item per flush batch. Implementations are
// expected to be asynchronous past the handoff; the engine never waits for
// delivery.
type Sender interface {
	Send(ctx context.Context, item OutboundItem) error
}
