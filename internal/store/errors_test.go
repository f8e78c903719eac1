package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotFoundVariantsWrapNotFound(t *testing.T) {
	for _, err := range []error{ErrSectorNotFound, ErrTicketNotFound, fmt.Errorf("lookup 7: %w", ErrTicketNotFound)} {
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %v to wrap ErrNotFound", err)
		}
	}
	if errors.Is(ErrQueueEmpty, ErrNotFound) {
		t.Fatalf("queue empty must not be reported as not found")
	}
}
