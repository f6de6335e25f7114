package applet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NotifyWildcard addresses every recipient of an update's notify map that has
// no direct entry. A direct-address match always wins over the wildcard.
const NotifyWildcard = "*"

var (
	// ErrMalformedItem indicates that a caller-supplied item cannot be parsed.
	ErrMalformedItem = errors.New("applet: malformed update item")
	// ErrItemTooLarge indicates that a single item exceeds the configured
	// batch cap and could never be rendered for sending.
	ErrItemTooLarge = errors.New("applet: update item exceeds size cap")
)

// UpdateItem is one unit of application-defined state change. The payload is
// opaque to the engine; the remaining fields trigger engine-recognized side
// effects. The UID is an internal dedup key and is stripped before items are
// handed to local consumers.
type UpdateItem struct {
	Payload  json.RawMessage   `json:"payload"`
	Info     string            `json:"info,omitempty"`
	Href     string            `json:"href,omitempty"`
	Document string            `json:"document,omitempty"`
	Summary  string            `json:"summary,omitempty"`
	UID      string            `json:"uid,omitempty"`
	Notify   map[string]string `json:"notify,omitempty"`
}

// ParseItem validates a raw update item. Parse failures surface to the
// immediate caller and never reach the store.
func ParseItem(raw []byte) (UpdateItem, error) {
	var item UpdateItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return UpdateItem{}, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}
	if len(item.Payload) == 0 {
		return UpdateItem{}, fmt.Errorf("%w: missing payload", ErrMalformedItem)
	}
	if !json.Valid(item.Payload) {
		return UpdateItem{}, fmt.Errorf("%w: payload is not valid json", ErrMalformedItem)
	}
	return item, nil
}

// Encode serializes the item for storage and for the wire, UID included so
// that recipients can deduplicate self-copies and group echoes.
func (item UpdateItem) Encode() (string, error) {
	encoded, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}
	return string(encoded), nil
}

// EncodeForConsumer serializes the item for local consumption with the
// internal dedup key stripped.
func (item UpdateItem) EncodeForConsumer() (string, error) {
	stripped := item
	stripped.UID = ""
	return stripped.Encode()
}

// resolveNotify returns the text targeted at the given address, preferring a
// direct match over the wildcard entry.
func (item UpdateItem) resolveNotify(selfAddress string) (string, bool) {
	if len(item.Notify) == 0 {
		return "", false
	}
	if text, ok := item.Notify[selfAddress]; ok {
		return text, true
	}
	if text, ok := item.Notify[NotifyWildcard]; ok {
		return text, true
	}
	return "", false
}
