// Package memory is a process-local TicketStore for single-instance runs and
// tests. It has no row locks, so call-next marks a candidate as claimed under
// the mutex, releases the mutex, and finalizes the claim in a second short
// section; a claimer that is cancelled in between clears its marker.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/sector-queue/internal/models"
	"qms/sector-queue/internal/store"
)

type Store struct {
	mu       sync.Mutex
	location *time.Location
	sectors  map[int64]models.Sector
	order    []int64
	tickets  map[int64]*models.Ticket
	claimed  map[int64]bool
	nextID   int64
}

type Options struct {
	Location *time.Location
	Sectors  []models.Sector
}

func NewStore(options Options) *Store {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{
		location: loc,
		sectors:  make(map[int64]models.Sector),
		tickets:  make(map[int64]*models.Ticket),
		claimed:  make(map[int64]bool),
	}
	for _, sector := range options.Sectors {
		s.sectors[sector.SectorID] = sector
		s.order = append(s.order, sector.SectorID)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return s
}

// DefaultSectors mirrors the rows seeded by the postgres migrations.
func DefaultSectors() []models.Sector {
	return []models.Sector{
		{SectorID: 1, Name: "Ortopedia", Prefix: "ORT"},
		{SectorID: 2, Name: "Clínica Geral", Prefix: "CLI"},
		{SectorID: 3, Name: "Pediatria", Prefix: "PED"},
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) ListSectors(ctx context.Context) ([]models.Sector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sectors := make([]models.Sector, 0, len(s.order))
	for _, id := range s.order {
		sectors = append(sectors, s.sectors[id])
	}
	return sectors, nil
}

func (s *Store) GetSector(ctx context.Context, sectorID int64) (models.Sector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sector, ok := s.sectors[sectorID]
	if !ok {
		return models.Sector{}, store.ErrSectorNotFound
	}
	return sector, nil
}

// CreateTicket derives the sequence number and inserts the ticket in one
// critical section, which stands in for the allocator transaction.
func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sector, ok := s.sectors[input.SectorID]
	if !ok {
		return models.Ticket{}, store.ErrSectorNotFound
	}
	createdAt := input.Now()
	day := models.ServiceDay(createdAt, s.location)
	seq := s.maxSequenceLocked(input.SectorID, day) + 1
	s.nextID++

	ticket := &models.Ticket{
		TicketID:       s.nextID,
		SectorID:       input.SectorID,
		PatientName:    input.PatientName,
		SequenceNumber: seq,
		Code:           models.TicketCode(sector.Prefix, seq),
		IsPriority:     input.IsPriority,
		Status:         models.StatusWaiting,
		ServiceDay:     day,
		CreatedAt:      createdAt,
	}
	s.tickets[ticket.TicketID] = ticket
	return *ticket, nil
}

func (s *Store) maxSequenceLocked(sectorID int64, day string) int {
	maxSeq := 0
	for _, ticket := range s.tickets {
		if ticket.SectorID == sectorID && ticket.ServiceDay == day && ticket.SequenceNumber > maxSeq {
			maxSeq = ticket.SequenceNumber
		}
	}
	return maxSeq
}

func (s *Store) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return copyTicket(ticket), nil
}

func (s *Store) ListWaiting(ctx context.Context, sectorID int64, day string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingLocked(sectorID, day, false), nil
}

func (s *Store) ClaimNext(ctx context.Context, input store.ClaimNextInput) (store.Claim, error) {
	s.mu.Lock()
	sector, ok := s.sectors[input.SectorID]
	if !ok {
		s.mu.Unlock()
		return store.Claim{}, store.ErrSectorNotFound
	}
	candidates := s.waitingLocked(input.SectorID, input.Day, true)
	if len(candidates) == 0 {
		s.mu.Unlock()
		return store.Claim{}, store.ErrQueueEmpty
	}
	ticketID := candidates[0].TicketID
	s.claimed[ticketID] = true
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.mu.Lock()
		delete(s.claimed, ticketID)
		s.mu.Unlock()
		return store.Claim{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, ticketID)
	ticket := s.tickets[ticketID]
	if !store.ValidTransition("call_next", ticket.Status) {
		return store.Claim{}, store.ErrInvalidState
	}
	ticket.Status = models.StatusCalled
	ticket.CalledAt = &calledAt
	return store.Claim{Ticket: copyTicket(ticket), Sector: sector}, nil
}

func (s *Store) waitingLocked(sectorID int64, day string, skipClaimed bool) []models.Ticket {
	tickets := []models.Ticket{}
	for _, ticket := range s.tickets {
		if ticket.SectorID != sectorID || ticket.ServiceDay != day || ticket.Status != models.StatusWaiting {
			continue
		}
		if skipClaimed && s.claimed[ticket.TicketID] {
			continue
		}
		tickets = append(tickets, copyTicket(ticket))
	}
	sort.Slice(tickets, func(i, j int) bool { return models.Ranks(tickets[i], tickets[j]) })
	return tickets
}

func copyTicket(ticket *models.Ticket) models.Ticket {
	out := *ticket
	if ticket.CalledAt != nil {
		calledAt := *ticket.CalledAt
		out.CalledAt = &calledAt
	}
	return out
}
