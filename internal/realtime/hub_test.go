package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"qms/sector-queue/internal/models"
	"qms/sector-queue/internal/notify"
)

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name  string
		input string
		topic string
		ok    bool
	}{
		{"sector", `{"action":"subscribe","sector_id":1}`, "sector:1", true},
		{"ticket", `{"action":"subscribe","ticket_id":42}`, "ticket:42", true},
		{"explicit topic", `{"action":"subscribe","topic":"sector:3"}`, "sector:3", true},
		{"unsubscribe all", `{"action":"unsubscribe"}`, "", true},
		{"bad topic", `{"action":"subscribe","topic":"room:1"}`, "", false},
		{"bad action", `{"action":"join","sector_id":1}`, "", false},
		{"nothing to subscribe", `{"action":"subscribe"}`, "", false},
		{"not json", `hello`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.input))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && msg.Topic != tc.topic {
				t.Fatalf("expected topic %q, got %q", tc.topic, msg.Topic)
			}
		})
	}
}

func TestHubRoutesByTopic(t *testing.T) {
	h := NewHub(nil)
	desk := NewClient("desk", 4)
	patient := NewClient("patient", 4)
	h.Register(desk)
	h.Register(patient)
	defer h.Unregister(desk)
	defer h.Unregister(patient)
	h.Subscribe(desk, notify.SectorTopic(1))
	h.Subscribe(patient, notify.TicketTopic(7))

	ticket := models.Ticket{TicketID: 7, SectorID: 1, Code: "ORT-001", Status: models.StatusCalled}
	queue, _ := notify.QueueUpdated(1, time.Now())
	update, _ := notify.TicketUpdated(ticket, time.Now())
	other, _ := notify.QueueUpdated(2, time.Now())

	for _, event := range []notify.Event{queue, update, other} {
		if err := h.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if got := receiveTypes(desk); len(got) != 1 || got[0] != notify.TypeQueueUpdated {
		t.Fatalf("desk expected only queue.updated, got %v", got)
	}
	if got := receiveTypes(patient); len(got) != 1 || got[0] != notify.TypeTicketUpdated {
		t.Fatalf("patient expected only ticket.updated, got %v", got)
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(nil)
	slow := NewClient("slow", 1)
	h.Register(slow)
	defer h.Unregister(slow)
	h.Subscribe(slow, notify.SectorTopic(1))

	event, _ := notify.QueueUpdated(1, time.Now())
	for i := 0; i < 3; i++ {
		if err := h.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := len(slow.Send); got != 1 {
		t.Fatalf("expected 1 buffered message, got %d", got)
	}
}

func TestHubUnsubscribeAndUnregister(t *testing.T) {
	h := NewHub(nil)
	c := NewClient("c", 4)
	h.Register(c)
	h.Subscribe(c, notify.SectorTopic(1))
	h.Unsubscribe(c, "")

	event, _ := notify.QueueUpdated(1, time.Now())
	_ = h.Publish(context.Background(), event)
	if len(c.Send) != 0 {
		t.Fatalf("expected no delivery after unsubscribe")
	}

	h.Unregister(c)
	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Fatalf("expected hub to be empty")
	}
	if _, open := <-c.Send; open {
		t.Fatalf("expected send channel to be closed")
	}
}

func receiveTypes(c *Client) []string {
	var types []string
	for {
		select {
		case raw := <-c.Send:
			var event notify.Event
			if err := json.Unmarshal(raw, &event); err == nil {
				types = append(types, event.Type)
			}
		default:
			return types
		}
	}
}
