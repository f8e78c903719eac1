package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/sector-queue/internal/models"
	"qms/sector-queue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const ticketColumns = `id, sector_id, patient_name, ticket_number, ticket_code, is_priority, status, service_day::text, created_at, called_at`

type Store struct {
	pool              *pgxpool.Pool
	logger            *zap.Logger
	location          *time.Location
	allocatorAttempts uint
	claimAttempts     uint
}

type Options struct {
	Location             *time.Location
	AllocatorMaxAttempts int
	ClaimMaxAttempts     int
	Logger               *zap.Logger
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:              pool,
		logger:            logger.Named("postgres"),
		location:          loc,
		allocatorAttempts: attemptsOrDefault(options.AllocatorMaxAttempts),
		claimAttempts:     attemptsOrDefault(options.ClaimMaxAttempts),
	}
}

func attemptsOrDefault(value int) uint {
	if value <= 0 {
		return 5
	}
	return uint(value)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) ListSectors(ctx context.Context) ([]models.Sector, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, prefix FROM sectors ORDER BY id ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var sectors []models.Sector
	for rows.Next() {
		var sector models.Sector
		if err := rows.Scan(&sector.SectorID, &sector.Name, &sector.Prefix); err != nil {
			return nil, classify(err)
		}
		sectors = append(sectors, sector)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return sectors, nil
}

func (s *Store) GetSector(ctx context.Context, sectorID int64) (models.Sector, error) {
	sector, err := getSector(ctx, s.pool, sectorID)
	if err != nil {
		return models.Sector{}, classify(err)
	}
	return sector, nil
}

// CreateTicket allocates the next sequence number for the sector's service
// day and inserts the ticket in the same transaction. Creators for a sector
// queue on its row lock before reading the current max, so they commit in
// turn; uq_tickets_sector_day_seq plus retry remains as a backstop.
func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	return retryTx(ctx, s.logger, "create_ticket", s.allocatorAttempts, func() (models.Ticket, error) {
		return s.createTicketOnce(ctx, input)
	})
}

func (s *Store) createTicketOnce(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer tx.Rollback(ctx)

	sector, err := lockSector(ctx, tx, input.SectorID)
	if err != nil {
		return models.Ticket{}, err
	}

	// Stamped after the lock so a creator that waited never carries an
	// earlier arrival time than the one that went before it.
	createdAt := input.Now()
	day := models.ServiceDay(createdAt, s.location)
	dayValue, err := parseDay(day)
	if err != nil {
		return models.Ticket{}, err
	}

	seq, err := nextSequenceNumber(ctx, tx, input.SectorID, dayValue)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket := models.Ticket{
		SectorID:       input.SectorID,
		PatientName:    input.PatientName,
		SequenceNumber: seq,
		Code:           models.TicketCode(sector.Prefix, seq),
		IsPriority:     input.IsPriority,
		Status:         models.StatusWaiting,
		ServiceDay:     day,
		CreatedAt:      createdAt,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_tickets (
			sector_id, patient_name, ticket_number, ticket_code, is_priority, status, service_day, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at
	`, ticket.SectorID, ticket.PatientName, ticket.SequenceNumber, ticket.Code, ticket.IsPriority, ticket.Status, dayValue, ticket.CreatedAt)
	if err = row.Scan(&ticket.TicketID, &ticket.CreatedAt); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM queue_tickets WHERE id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, classify(err)
	}
	return ticket, nil
}

func (s *Store) ListWaiting(ctx context.Context, sectorID int64, day string) ([]models.Ticket, error) {
	dayValue, err := parseDay(day)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM queue_tickets
		WHERE sector_id = $1 AND service_day = $2 AND status = 'WAITING'
		ORDER BY is_priority DESC, created_at ASC, id ASC
	`, sectorID, dayValue)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, classify(err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return tickets, nil
}

// ClaimNext moves the top-ranked waiting ticket to CALLED. Rows locked by a
// concurrent claimer are skipped, so parallel callers each take a distinct
// ticket instead of queueing behind one lock.
func (s *Store) ClaimNext(ctx context.Context, input store.ClaimNextInput) (store.Claim, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	return retryTx(ctx, s.logger, "claim_next", s.claimAttempts, func() (store.Claim, error) {
		return s.claimNextOnce(ctx, input, calledAt)
	})
}

func (s *Store) claimNextOnce(ctx context.Context, input store.ClaimNextInput, calledAt time.Time) (store.Claim, error) {
	dayValue, err := parseDay(input.Day)
	if err != nil {
		return store.Claim{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Claim{}, err
	}
	defer tx.Rollback(ctx)

	sector, err := getSector(ctx, tx, input.SectorID)
	if err != nil {
		return store.Claim{}, err
	}

	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT id
			FROM queue_tickets
			WHERE sector_id = $1 AND service_day = $2 AND status = 'WAITING'
			ORDER BY is_priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue_tickets
		SET status = 'CALLED',
			called_at = $3
		FROM next_ticket
		WHERE queue_tickets.id = next_ticket.id
		RETURNING queue_tickets.id, queue_tickets.sector_id, queue_tickets.patient_name, queue_tickets.ticket_number,
			queue_tickets.ticket_code, queue_tickets.is_priority, queue_tickets.status, queue_tickets.service_day::text,
			queue_tickets.created_at, queue_tickets.called_at
	`, input.SectorID, dayValue, calledAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Claim{}, store.ErrQueueEmpty
		}
		return store.Claim{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Claim{}, err
	}
	return store.Claim{Ticket: ticket, Sector: sector}, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSector(ctx context.Context, q querier, sectorID int64) (models.Sector, error) {
	var sector models.Sector
	row := q.QueryRow(ctx, `SELECT id, name, prefix FROM sectors WHERE id = $1`, sectorID)
	if err := row.Scan(&sector.SectorID, &sector.Name, &sector.Prefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Sector{}, store.ErrSectorNotFound
		}
		return models.Sector{}, err
	}
	return sector, nil
}

// lockSector takes the sector row for the rest of the transaction. NO KEY
// UPDATE serializes allocators without blocking the foreign-key share locks
// taken by ticket inserts.
func lockSector(ctx context.Context, tx pgx.Tx, sectorID int64) (models.Sector, error) {
	var sector models.Sector
	row := tx.QueryRow(ctx, `SELECT id, name, prefix FROM sectors WHERE id = $1 FOR NO KEY UPDATE`, sectorID)
	if err := row.Scan(&sector.SectorID, &sector.Name, &sector.Prefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Sector{}, store.ErrSectorNotFound
		}
		return models.Sector{}, err
	}
	return sector, nil
}

func nextSequenceNumber(ctx context.Context, tx pgx.Tx, sectorID int64, day time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(ticket_number), 0) + 1
		FROM queue_tickets
		WHERE sector_id = $1 AND service_day = $2
	`, sectorID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.SectorID, &ticket.PatientName, &ticket.SequenceNumber, &ticket.Code,
		&ticket.IsPriority, &ticket.Status, &ticket.ServiceDay, &ticket.CreatedAt, &calledAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.CalledAt = nullTimePtr(calledAtNull)
	return ticket, nil
}

func parseDay(day string) (time.Time, error) {
	value, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return time.Time{}, errors.Join(store.ErrValidation, err)
	}
	return value, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
