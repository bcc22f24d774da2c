// Package events publishes domain events about doses and reminders.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeDoseAdministered  = "dose.administered"
	TypeReminderDue       = "reminder.due"
	TypePatientRegistered = "patient.registered"
)

// Event is the envelope written to the broker.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// New wraps data in an envelope with a fresh ID.
func New(eventType string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// DoseAdministered is the payload of TypeDoseAdministered.
type DoseAdministered struct {
	VisitID     string `json:"visit_id"`
	PatientID   string `json:"patient_id"`
	VaccineID   int    `json:"vaccine_id"`
	VaccineName string `json:"vaccine_name"`
	DoseNumber  int    `json:"dose_number"`
	Date        string `json:"date"`
}

// ReminderDue is the payload of TypeReminderDue.
type ReminderDue struct {
	PatientID   string `json:"patient_id"`
	PatientName string `json:"patient_name"`
	VaccineID   int    `json:"vaccine_id"`
	VaccineName string `json:"vaccine_name"`
	DoseNumber  int    `json:"dose_number"`
	DueDate     string `json:"due_date"`
	Channel     string `json:"channel"`
}

// PatientRegistered is the payload of TypePatientRegistered.
type PatientRegistered struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
}

// Publisher delivers events to whatever is listening.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info().
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		RawJSON("data", evt.Data).
		Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
