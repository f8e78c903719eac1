package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSectorNotFound    = fmt.Errorf("sector %w", ErrNotFound)
	ErrTicketNotFound    = fmt.Errorf("ticket %w", ErrNotFound)
	ErrValidation        = errors.New("validation failed")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrInvalidState      = errors.New("invalid ticket state")
	ErrTransientConflict = errors.New("transient conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
)
