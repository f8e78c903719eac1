package postgres

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/sector-queue/internal/models"
	"qms/sector-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var testDay = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestCreateTicketSequenceConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "ORT")

	const creators = 20
	results := createConcurrently(ctx, st, sectorID, creators, newSteppingClock(testDay))
	assertContiguous(t, results, "ORT", creators)
}

func TestCreateTicketSerializesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	st.allocatorAttempts = 1
	sectorID := sectorIDByPrefix(t, ctx, pool, "CLI")

	const creators = 40
	results := createConcurrently(ctx, st, sectorID, creators, newSteppingClock(testDay))
	assertContiguous(t, results, "CLI", creators)
}

func TestCreateTicketArrivalMatchesSequence(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "PED")

	const creators = 25
	results := createConcurrently(ctx, st, sectorID, creators, newSteppingClock(testDay))
	for result := range results {
		if result.err != nil {
			t.Fatalf("create ticket error: %v", result.err)
		}
	}

	waiting, err := st.ListWaiting(ctx, sectorID, "2026-03-10")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	lastSeq := 0
	for _, ticket := range waiting {
		if ticket.IsPriority {
			continue
		}
		if ticket.SequenceNumber < lastSeq {
			t.Fatalf("ticket %s ranks ahead of an earlier sequence number", ticket.Code)
		}
		lastSeq = ticket.SequenceNumber
	}
}

func TestListWaitingStableUnderConcurrentReads(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "ORT")

	for i := 0; i < 6; i++ {
		createTicketAt(t, ctx, st, sectorID, i%2 == 1, testDay.Add(time.Duration(i)*time.Minute))
	}
	want, err := st.ListWaiting(ctx, sectorID, "2026-03-10")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}

	const readers = 12
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	lists := make(chan []models.Ticket, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.ListWaiting(ctx, sectorID, "2026-03-10")
			if err != nil {
				errs <- err
				return
			}
			lists <- got
		}()
	}
	wg.Wait()
	close(errs)
	close(lists)

	for err := range errs {
		t.Fatalf("list waiting: %v", err)
	}
	for got := range lists {
		if len(got) != len(want) {
			t.Fatalf("expected %d tickets, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].TicketID != want[i].TicketID {
				t.Fatalf("position %d: expected ticket %d, got %d", i+1, want[i].TicketID, got[i].TicketID)
			}
		}
	}
}

func createConcurrently(ctx context.Context, st *Store, sectorID int64, creators int, clock func() time.Time) chan createResult {
	var wg sync.WaitGroup
	results := make(chan createResult, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
				SectorID:    sectorID,
				PatientName: "Patient",
				IsPriority:  i%3 == 0,
				Clock:       clock,
			})
			results <- createResult{ticket: ticket, err: err}
		}(i)
	}
	wg.Wait()
	close(results)
	return results
}

func assertContiguous(t *testing.T, results chan createResult, prefix string, creators int) {
	t.Helper()
	var seqs []int
	for result := range results {
		if result.err != nil {
			t.Fatalf("create ticket error: %v", result.err)
		}
		if result.ticket.Code != models.TicketCode(prefix, result.ticket.SequenceNumber) {
			t.Fatalf("code %s does not match sequence %d", result.ticket.Code, result.ticket.SequenceNumber)
		}
		seqs = append(seqs, result.ticket.SequenceNumber)
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("expected sequence %d at index %d, got %v", i+1, i, seqs)
		}
	}
	if len(seqs) != creators {
		t.Fatalf("expected %d tickets, got %d", creators, len(seqs))
	}
}

// newSteppingClock returns a clock that advances one millisecond per read.
func newSteppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Millisecond)
		return now
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCreateTicketSequenceRestartsPerDay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "ORT")

	first := createTicketAt(t, ctx, st, sectorID, false, testDay)
	second := createTicketAt(t, ctx, st, sectorID, false, testDay.Add(time.Minute))
	nextDay := createTicketAt(t, ctx, st, sectorID, false, testDay.Add(24*time.Hour))

	if first.Code != "ORT-001" || second.Code != "ORT-002" {
		t.Fatalf("expected ORT-001, ORT-002, got %s, %s", first.Code, second.Code)
	}
	if nextDay.Code != "ORT-001" {
		t.Fatalf("expected numbering to restart the next day, got %s", nextDay.Code)
	}
}

func TestCreateTicketUnknownSector(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.CreateTicket(ctx, store.CreateTicketInput{SectorID: 999999, PatientName: "Ghost", Clock: fixedClock(testDay)})
	if !errors.Is(err, store.ErrSectorNotFound) {
		t.Fatalf("expected sector not found, got %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_tickets`).Scan(&count); err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no tickets, got %d", count)
	}
}

func TestListWaitingOrderAndClaim(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "ORT")

	createTicketAt(t, ctx, st, sectorID, false, testDay)
	createTicketAt(t, ctx, st, sectorID, true, testDay.Add(5*time.Minute))
	createTicketAt(t, ctx, st, sectorID, false, testDay.Add(10*time.Minute))

	waiting, err := st.ListWaiting(ctx, sectorID, "2026-03-10")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	assertCodes(t, waiting, "ORT-002", "ORT-001", "ORT-003")

	again, err := st.ListWaiting(ctx, sectorID, "2026-03-10")
	if err != nil {
		t.Fatalf("list waiting again: %v", err)
	}
	assertCodes(t, again, "ORT-002", "ORT-001", "ORT-003")

	claim, err := st.ClaimNext(ctx, store.ClaimNextInput{SectorID: sectorID, Day: "2026-03-10", CalledAt: testDay.Add(time.Hour)})
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claim.Ticket.Code != "ORT-002" || claim.Ticket.Status != models.StatusCalled {
		t.Fatalf("expected ORT-002 CALLED, got %s %s", claim.Ticket.Code, claim.Ticket.Status)
	}
	if claim.Ticket.CalledAt == nil {
		t.Fatalf("expected called_at to be set")
	}
	if claim.Sector.Name != "Ortopedia" {
		t.Fatalf("expected sector name Ortopedia, got %s", claim.Sector.Name)
	}

	waiting, err = st.ListWaiting(ctx, sectorID, "2026-03-10")
	if err != nil {
		t.Fatalf("list waiting after claim: %v", err)
	}
	assertCodes(t, waiting, "ORT-001", "ORT-003")
}

func TestClaimNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "ORT")

	const waitingTickets = 5
	const callers = 8
	for i := 0; i < waitingTickets; i++ {
		createTicketAt(t, ctx, st, sectorID, false, testDay.Add(time.Duration(i)*time.Minute))
	}

	var wg sync.WaitGroup
	results := make(chan callResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := st.ClaimNext(ctx, store.ClaimNextInput{SectorID: sectorID, Day: "2026-03-10"})
			results <- callResult{ticketID: claim.Ticket.TicketID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	empty := 0
	for result := range results {
		if errors.Is(result.err, store.ErrQueueEmpty) {
			empty++
			continue
		}
		if result.err != nil {
			t.Fatalf("claim next error: %v", result.err)
		}
		if seen[result.ticketID] {
			t.Fatalf("ticket %d claimed twice", result.ticketID)
		}
		seen[result.ticketID] = true
	}
	if len(seen) != waitingTickets {
		t.Fatalf("expected %d claims, got %d", waitingTickets, len(seen))
	}
	if empty != callers-waitingTickets {
		t.Fatalf("expected %d empty results, got %d", callers-waitingTickets, empty)
	}
}

func TestClaimNextSkipsLockedRow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "ORT")

	head := createTicketAt(t, ctx, st, sectorID, true, testDay)
	createTicketAt(t, ctx, st, sectorID, false, testDay.Add(time.Minute))

	holder, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		t.Fatalf("begin holder: %v", err)
	}
	defer holder.Rollback(ctx)
	if _, err := holder.Exec(ctx, `SELECT id FROM queue_tickets WHERE id = $1 FOR UPDATE`, head.TicketID); err != nil {
		t.Fatalf("lock head: %v", err)
	}

	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	claim, err := st.ClaimNext(claimCtx, store.ClaimNextInput{SectorID: sectorID, Day: "2026-03-10"})
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claim.Ticket.Code != "ORT-002" {
		t.Fatalf("expected locked head to be skipped, got %s", claim.Ticket.Code)
	}

	if err := holder.Rollback(ctx); err != nil {
		t.Fatalf("release holder: %v", err)
	}
	ticket, err := st.GetTicket(ctx, head.TicketID)
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if ticket.Status != models.StatusWaiting {
		t.Fatalf("expected head to remain waiting, got %s", ticket.Status)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "PED")

	_, err := st.ClaimNext(ctx, store.ClaimNextInput{SectorID: sectorID, Day: "2026-03-10"})
	if !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected queue empty, got %v", err)
	}
}

func TestCalledTicketCannotReturnToWaiting(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	sectorID := sectorIDByPrefix(t, ctx, pool, "CLI")

	createTicketAt(t, ctx, st, sectorID, false, testDay)
	claim, err := st.ClaimNext(ctx, store.ClaimNextInput{SectorID: sectorID, Day: "2026-03-10"})
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	_, err = pool.Exec(ctx, `UPDATE queue_tickets SET status = 'WAITING', called_at = NULL WHERE id = $1`, claim.Ticket.TicketID)
	if err == nil {
		t.Fatalf("expected guard trigger to reject status reversal")
	}
}

type createResult struct {
	ticket models.Ticket
	err    error
}

type callResult struct {
	ticketID int64
	err      error
}

func assertCodes(t *testing.T, tickets []models.Ticket, codes ...string) {
	t.Helper()
	if len(tickets) != len(codes) {
		t.Fatalf("expected %d tickets, got %d", len(codes), len(tickets))
	}
	for i, code := range codes {
		if tickets[i].Code != code {
			t.Fatalf("position %d: expected %s, got %s", i+1, code, tickets[i].Code)
		}
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MaxConns = 16
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := Migrate(ctx, pool, zap.NewNop()); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{AllocatorMaxAttempts: 5, ClaimMaxAttempts: 5})
	cleanup := func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return st, pool, cleanup
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}

func sectorIDByPrefix(t *testing.T, ctx context.Context, pool *pgxpool.Pool, prefix string) int64 {
	t.Helper()
	var id int64
	if err := pool.QueryRow(ctx, `SELECT id FROM sectors WHERE prefix = $1`, prefix).Scan(&id); err != nil {
		t.Fatalf("lookup sector %s: %v", prefix, err)
	}
	return id
}

func createTicketAt(t *testing.T, ctx context.Context, st *Store, sectorID int64, priority bool, at time.Time) models.Ticket {
	t.Helper()
	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
		SectorID:    sectorID,
		PatientName: "Patient",
		IsPriority:  priority,
		Clock:       fixedClock(at),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}
