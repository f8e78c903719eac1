package models

import (
	"fmt"
	"time"
)

const TicketCodePad = 3

type Ticket struct {
	TicketID       int64      `json:"id"`
	SectorID       int64      `json:"sector_id"`
	PatientName    string     `json:"patient_name"`
	SequenceNumber int        `json:"ticket_number"`
	Code           string     `json:"ticket_code"`
	IsPriority     bool       `json:"is_priority"`
	Status         string     `json:"status"`
	ServiceDay     string     `json:"service_day"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
}

const (
	StatusWaiting = "WAITING"
	StatusCalled  = "CALLED"
)

// TicketCode renders the display code for a ticket, e.g. ORT-007.
func TicketCode(prefix string, seq int) string {
	return fmt.Sprintf("%s-%0*d", prefix, TicketCodePad, seq)
}

// ServiceDay returns the calendar day a ticket created at t belongs to.
func ServiceDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// Ranks reports whether a is ahead of b in a sector's waiting list:
// priority first, then earlier arrival, then lower id.
func Ranks(a, b Ticket) bool {
	if a.IsPriority != b.IsPriority {
		return a.IsPriority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketID < b.TicketID
}
