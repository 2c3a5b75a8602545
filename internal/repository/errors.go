package repository

import (
	"fmt"

	"github.com/kursadbilgin/approval-relay/internal/domain"
)

// storeError tags a database failure as ErrStoreUnavailable while keeping the cause inspectable.
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
