package account

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var errMissingAccountDatabase = errors.New("account: database handle is required")

// Ensure returns the persisted account for the address, creating it on first
// run. The stored key seed wins over the configured one so that pseudonymous
// status addresses stay stable across configuration changes; an empty seed
// on first run is replaced by a generated one.
func Ensure(db *gorm.DB, address, keySeed string) (Account, error) {
	if db == nil {
		return Account{}, errMissingAccountDatabase
	}

	var existing Account
	err := db.Where("address = ?", address).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, err
	}

	if keySeed == "" {
		generated, genErr := uuid.NewV7()
		if genErr != nil {
			return Account{}, genErr
		}
		keySeed = generated.String()
	}
	created, err := NewAccount(address, keySeed)
	if err != nil {
		return Account{}, err
	}
	if err := db.Create(&created).Error; err != nil {
		return Account{}, err
	}
	return created, nil
}
