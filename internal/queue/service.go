// Package queue implements the ticketing operations exposed to the request
// layer: issuing tickets, reading a sector's waiting list, and calling the
// next ticket. Change events are published only after the store commits.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"qms/sector-queue/internal/metrics"
	"qms/sector-queue/internal/models"
	"qms/sector-queue/internal/notify"
	"qms/sector-queue/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxPatientNameLength = 120
	publishTimeout       = 5 * time.Second
)

type Service struct {
	store     store.TicketStore
	publisher notify.Publisher
	rooms     RoomAssigner
	location  *time.Location
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

type Options struct {
	Location *time.Location
	Rooms    RoomAssigner
	Clock    func() time.Time
	Logger   *zap.Logger
}

type CreateTicketRequest struct {
	SectorID    int64
	PatientName string
	IsPriority  bool
}

// TicketView is a ticket with its 1-based rank in today's waiting list, or
// 0 when it is no longer waiting.
type TicketView struct {
	models.Ticket
	Position int `json:"position"`
}

type CalledTicket struct {
	Ticket     models.Ticket `json:"ticket"`
	SectorName string        `json:"sector_name"`
	Room       string        `json:"room"`
}

func NewService(st store.TicketStore, publisher notify.Publisher, options Options) *Service {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	rooms := options.Rooms
	if rooms == nil {
		rooms = NewRoundRobinRooms(nil)
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		publisher: publisher,
		rooms:     rooms,
		location:  loc,
		now:       clock,
		logger:    logger.Named("queue"),
		tracer:    otel.Tracer("qms/sector-queue/queue"),
	}
}

func (s *Service) Today() string {
	return models.ServiceDay(s.now(), s.location)
}

func (s *Service) ListSectors(ctx context.Context) ([]models.Sector, error) {
	ctx, span := s.tracer.Start(ctx, "queue.ListSectors")
	defer span.End()

	sectors, err := s.store.ListSectors(ctx)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return sectors, nil
}

func (s *Service) CreateTicket(ctx context.Context, req CreateTicketRequest) (models.Ticket, error) {
	name := strings.TrimSpace(req.PatientName)
	if req.SectorID <= 0 {
		return models.Ticket{}, fmt.Errorf("%w: sector_id is required", store.ErrValidation)
	}
	if name == "" {
		return models.Ticket{}, fmt.Errorf("%w: patient_name is required", store.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxPatientNameLength {
		return models.Ticket{}, fmt.Errorf("%w: patient_name exceeds %d characters", store.ErrValidation, maxPatientNameLength)
	}

	ctx, span := s.tracer.Start(ctx, "queue.CreateTicket", trace.WithAttributes(
		attribute.Int64("sector.id", req.SectorID),
		attribute.Bool("ticket.priority", req.IsPriority),
	))
	defer span.End()

	ticket, err := s.store.CreateTicket(ctx, store.CreateTicketInput{
		SectorID:    req.SectorID,
		PatientName: name,
		IsPriority:  req.IsPriority,
		Clock:       s.now,
	})
	if err != nil {
		recordError(span, err)
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.code", ticket.Code))
	metrics.TicketsCreated.WithLabelValues(sectorLabel(ticket.SectorID)).Inc()
	s.logger.Info("ticket created",
		zap.Int64("ticket_id", ticket.TicketID),
		zap.Int64("sector_id", ticket.SectorID),
		zap.String("code", ticket.Code),
		zap.Bool("priority", ticket.IsPriority))

	s.publish(ctx, func(at time.Time) (notify.Event, error) {
		return notify.QueueUpdated(ticket.SectorID, at)
	})
	return ticket, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketID int64) (TicketView, error) {
	if ticketID <= 0 {
		return TicketView{}, fmt.Errorf("%w: ticket id must be positive", store.ErrValidation)
	}
	ctx, span := s.tracer.Start(ctx, "queue.GetTicket", trace.WithAttributes(attribute.Int64("ticket.id", ticketID)))
	defer span.End()

	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		recordError(span, err)
		return TicketView{}, err
	}
	view := TicketView{Ticket: ticket}
	if ticket.Status != models.StatusWaiting || ticket.ServiceDay != s.Today() {
		return view, nil
	}

	waiting, err := s.store.ListWaiting(ctx, ticket.SectorID, ticket.ServiceDay)
	if err != nil {
		recordError(span, err)
		return TicketView{}, err
	}
	for i, candidate := range waiting {
		if candidate.TicketID == ticket.TicketID {
			view.Position = i + 1
			break
		}
	}
	return view, nil
}

// ListWaiting returns today's waiting list for the sector in call order.
func (s *Service) ListWaiting(ctx context.Context, sectorID int64) ([]models.Ticket, error) {
	if sectorID <= 0 {
		return nil, fmt.Errorf("%w: sector_id is required", store.ErrValidation)
	}
	ctx, span := s.tracer.Start(ctx, "queue.ListWaiting", trace.WithAttributes(attribute.Int64("sector.id", sectorID)))
	defer span.End()

	if _, err := s.store.GetSector(ctx, sectorID); err != nil {
		recordError(span, err)
		return nil, err
	}
	tickets, err := s.store.ListWaiting(ctx, sectorID, s.Today())
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return tickets, nil
}

// ClaimNext calls the next ticket of the sector. store.ErrQueueEmpty is
// returned unchanged when nothing is waiting; no event is published then.
func (s *Service) ClaimNext(ctx context.Context, sectorID int64) (CalledTicket, error) {
	if sectorID <= 0 {
		return CalledTicket{}, fmt.Errorf("%w: sector_id is required", store.ErrValidation)
	}
	ctx, span := s.tracer.Start(ctx, "queue.ClaimNext", trace.WithAttributes(attribute.Int64("sector.id", sectorID)))
	defer span.End()

	claim, err := s.store.ClaimNext(ctx, store.ClaimNextInput{
		SectorID: sectorID,
		Day:      s.Today(),
		CalledAt: s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrQueueEmpty) {
			metrics.EmptyClaims.WithLabelValues(sectorLabel(sectorID)).Inc()
			span.SetAttributes(attribute.Bool("queue.empty", true))
			return CalledTicket{}, err
		}
		recordError(span, err)
		return CalledTicket{}, err
	}

	called := CalledTicket{
		Ticket:     claim.Ticket,
		SectorName: claim.Sector.Name,
		Room:       s.rooms.Assign(sectorID),
	}
	span.SetAttributes(attribute.String("ticket.code", called.Ticket.Code))
	metrics.TicketsCalled.WithLabelValues(sectorLabel(sectorID)).Inc()
	s.logger.Info("ticket called",
		zap.Int64("ticket_id", called.Ticket.TicketID),
		zap.Int64("sector_id", sectorID),
		zap.String("code", called.Ticket.Code),
		zap.String("room", called.Room))

	s.publish(ctx,
		func(at time.Time) (notify.Event, error) {
			return notify.TicketCalled(called.Ticket, called.SectorName, called.Room, at)
		},
		func(at time.Time) (notify.Event, error) {
			return notify.QueueUpdated(sectorID, at)
		},
		func(at time.Time) (notify.Event, error) {
			return notify.TicketUpdated(called.Ticket, at)
		},
	)
	return called, nil
}

// publish sends the events in order once the originating transaction has
// committed. It detaches from the request context so a caller that goes
// away after the commit does not suppress notification, and it never fails
// the request.
func (s *Service) publish(ctx context.Context, builders ...func(time.Time) (notify.Event, error)) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	at := s.now()
	for _, build := range builders {
		event, err := build(at)
		if err != nil {
			s.logger.Error("build event", zap.Error(err))
			continue
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("publish event",
				zap.String("type", event.Type),
				zap.String("topic", event.Topic),
				zap.Error(err))
		}
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func sectorLabel(sectorID int64) string {
	return fmt.Sprintf("%d", sectorID)
}
