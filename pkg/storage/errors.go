package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// ErrNotFound if the requested record or batch does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation if the store rejected a bulk nullification.
	// The transaction is rolled back; no orphan batch is created.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrChunkTerminal if a chunk in a terminal state is started again.
	ErrChunkTerminal = errors.New("chunk already in a terminal state")
)

// BatchNotFoundError decorates ErrNotFound with the batch id for logs.
func BatchNotFoundError(batchID string) error {
	return fmt.Errorf("orphan batch %s: %w", batchID, ErrNotFound)
}
