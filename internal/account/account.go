package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidAddress indicates that an account address is empty or malformed.
	ErrInvalidAddress = errors.New("account: invalid address")
	// ErrMissingKeySeed indicates that no key material is available for derivation.
	ErrMissingKeySeed = errors.New("account: key seed required")
)

// Account captures the owning account of this engine instance: its transport
// address and the key material used to derive pseudonymous status addresses.
type Account struct {
	Address    string    `gorm:"column:address;primaryKey;size:320;not null"`
	KeySeed    string    `gorm:"column:key_seed;size:512;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
}

// TableName exposes the table backing the owning account.
func (Account) TableName() string {
	return "accounts"
}

// NewAccount validates the raw inputs and returns an Account.
func NewAccount(address, keySeed string) (Account, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" || !strings.Contains(trimmed, "@") {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	seed := strings.TrimSpace(keySeed)
	if seed == "" {
		return Account{}, ErrMissingKeySeed
	}
	return Account{Address: trimmed, KeySeed: seed}, nil
}

// StatusAddress derives the pseudonymous per-applet address of this account.
// The derivation is deterministic over the account key material and the
// applet's transport thread identifier, so every device of the same account
// resolves to the same address while peers cannot link it to the account.
func (a Account) StatusAddress(threadID string) string {
	sum := sha256.Sum256([]byte(a.KeySeed + ":" + threadID))
	return hex.EncodeToString(sum[:16])
}
