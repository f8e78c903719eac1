package store

import (
	"context"
	"time"

	"qms/sector-queue/internal/models"
)

type CreateTicketInput struct {
	SectorID    int64
	PatientName string
	IsPriority  bool
	// Clock stamps created_at once the allocator holds the sector, so arrival
	// order always agrees with sequence order. Nil means time.Now.
	Clock func() time.Time
}

// Now reads the input clock in UTC.
func (in CreateTicketInput) Now() time.Time {
	if in.Clock == nil {
		return time.Now().UTC()
	}
	return in.Clock().UTC()
}

type ClaimNextInput struct {
	SectorID int64
	Day      string
	CalledAt time.Time
}

// Claim is the outcome of a successful call-next: the updated ticket and
// the sector it was called from.
type Claim struct {
	Ticket models.Ticket
	Sector models.Sector
}

type TicketStore interface {
	ListSectors(ctx context.Context) ([]models.Sector, error)
	GetSector(ctx context.Context, sectorID int64) (models.Sector, error)
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error)
	ListWaiting(ctx context.Context, sectorID int64, day string) ([]models.Ticket, error)
	ClaimNext(ctx context.Context, input ClaimNextInput) (Claim, error)
	Ping(ctx context.Context) error
}
