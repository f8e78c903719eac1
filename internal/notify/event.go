// Package notify carries post-commit change events from the queue service to
// observers. Events are invalidation signals: a queue.updated event names the
// sector whose waiting list changed, and observers re-query the list.
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"qms/sector-queue/internal/models"
)

const (
	TypeQueueUpdated  = "queue.updated"
	TypeTicketCalled  = "ticket.called"
	TypeTicketUpdated = "ticket.updated"
)

type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type QueueUpdatedPayload struct {
	SectorID int64 `json:"sector_id"`
}

type TicketCalledPayload struct {
	Ticket     models.Ticket `json:"ticket"`
	SectorName string        `json:"sector_name"`
	Room       string        `json:"room"`
}

func SectorTopic(sectorID int64) string {
	return "sector:" + strconv.FormatInt(sectorID, 10)
}

func TicketTopic(ticketID int64) string {
	return "ticket:" + strconv.FormatInt(ticketID, 10)
}

func QueueUpdated(sectorID int64, at time.Time) (Event, error) {
	return newEvent(TypeQueueUpdated, SectorTopic(sectorID), QueueUpdatedPayload{SectorID: sectorID}, at)
}

func TicketCalled(ticket models.Ticket, sectorName, room string, at time.Time) (Event, error) {
	return newEvent(TypeTicketCalled, SectorTopic(ticket.SectorID), TicketCalledPayload{
		Ticket:     ticket,
		SectorName: sectorName,
		Room:       room,
	}, at)
}

// TicketUpdated is addressed to observers of a single ticket only.
func TicketUpdated(ticket models.Ticket, at time.Time) (Event, error) {
	return newEvent(TypeTicketUpdated, TicketTopic(ticket.TicketID), ticket, at)
}

func newEvent(eventType, topic string, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Topic: topic, Payload: body, CreatedAt: at.UTC()}, nil
}
