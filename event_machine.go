package turnstile

import (
	"time"
)

type (
	// EventStatus is the lifecycle state of an event aggregate
	EventStatus string

	// EventState is the folded state of an event aggregate. It is derived
	// exclusively from the ledger and is never stored as source of truth
	EventState struct {
		ID           ID          `json:"id"`
		Title        string      `json:"title"`
		Status       EventStatus `json:"status"`
		StartAt      time.Time   `json:"start_at"`
		EndAt        time.Time   `json:"end_at"`
		CancelReason string      `json:"cancel_reason,omitempty"`
	}

	// EventMachine decides event lifecycle transitions:
	// draft -> published -> live -> ended, with cancellation from any
	// non-terminal state
	EventMachine struct {
		now func() time.Time
	}

	EventCreatedData struct {
		EventID ID        `json:"event_id"`
		Title   string    `json:"title"`
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	}

	// EventPublishedData repeats the schedule so that reactive consumers can
	// arm transitions without reloading the aggregate
	EventPublishedData struct {
		EventID ID        `json:"event_id"`
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	}

	EventStartedData struct {
		EventID ID        `json:"event_id"`
		EndAt   time.Time `json:"end_at"`
	}

	EventEndedData struct {
		EventID ID `json:"event_id"`
	}

	EventCancelledData struct {
		EventID ID     `json:"event_id"`
		Reason  string `json:"reason"`
	}

	EventRescheduledData struct {
		EventID ID        `json:"event_id"`
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	}
)

const (
	AggregateEvent AggregateType = "event"

	EventStatusDraft     EventStatus = "draft"
	EventStatusPublished EventStatus = "published"
	EventStatusLive      EventStatus = "live"
	EventStatusEnded     EventStatus = "ended"
	EventStatusCancelled EventStatus = "cancelled"

	EventCreated     EventType = "event.created"
	EventPublished   EventType = "event.published"
	EventStarted     EventType = "event.started"
	EventEnded       EventType = "event.ended"
	EventCancelled   EventType = "event.cancelled"
	EventRescheduled EventType = "event.rescheduled"
)

// NewEventMachine creates an EventMachine using the provided clock for
// time-gated transitions. A nil clock defaults to time.Now
func NewEventMachine(now func() time.Time) *EventMachine {
	if now == nil {
		now = time.Now
	}
	return &EventMachine{now: now}
}

func (*EventMachine) AggregateType() AggregateType {
	return AggregateEvent
}

func (*EventMachine) Init() *EventState {
	return &EventState{}
}

func (*EventMachine) Appliers() Appliers[*EventState] {
	return eventAppliers
}

// Exists reports whether any envelope has been recorded for the aggregate
func (s *EventState) Exists() bool {
	return s.Status != ""
}

// Terminal reports whether the event can accept no further transitions
func (s *EventState) Terminal() bool {
	return s.Status == EventStatusEnded || s.Status == EventStatusCancelled
}

// Decide translates a command against the current state into proposed
// events, or rejects it. Pure function of (state, command, clock)
func (m *EventMachine) Decide(s *EventState, c *Command) ([]Proposed, error) {
	switch c.Name {
	case CmdCreateEvent:
		return m.create(s, c)
	case CmdPublishEvent:
		return m.publish(s, c)
	case CmdStartEvent:
		return m.start(s, c)
	case CmdEndEvent:
		return m.end(s, c)
	case CmdCancelEvent:
		return m.cancel(s, c)
	case CmdRescheduleEvent:
		return m.reschedule(s, c)
	}
	return nil, ErrUnknownCommand
}

func (m *EventMachine) create(s *EventState, c *Command) ([]Proposed, error) {
	if s.Exists() {
		return nil, rejectInvalid(c, "event already exists")
	}
	var p CreateEventPayload
	if err := c.Unmarshal(&p); err != nil {
		return nil, err
	}
	if !p.EndAt.After(p.StartAt) {
		return nil, rejectInvalid(c, "end time must follow start time")
	}
	return []Proposed{{
		Type: EventCreated,
		Data: EventCreatedData{
			EventID: p.EventID,
			Title:   p.Title,
			StartAt: p.StartAt,
			EndAt:   p.EndAt,
		},
	}}, nil
}

func (m *EventMachine) publish(s *EventState, c *Command) ([]Proposed, error) {
	if s.Status != EventStatusDraft {
		return nil, rejectInvalid(c, statusDetail(s.Status))
	}
	return []Proposed{{
		Type: EventPublished,
		Data: EventPublishedData{
			EventID: s.ID,
			StartAt: s.StartAt,
			EndAt:   s.EndAt,
		},
	}}, nil
}

func (m *EventMachine) start(s *EventState, c *Command) ([]Proposed, error) {
	if !c.Actor.Automated() {
		return nil, rejectUnauthorized(c, "only system or cron actors may start events")
	}
	if s.Status != EventStatusPublished {
		return nil, rejectInvalid(c, statusDetail(s.Status))
	}
	if m.now().Before(s.StartAt) {
		return nil, rejectStale(c, "scheduled start time has not passed")
	}
	return []Proposed{{
		Type: EventStarted,
		Data: EventStartedData{EventID: s.ID, EndAt: s.EndAt},
	}}, nil
}

func (m *EventMachine) end(s *EventState, c *Command) ([]Proposed, error) {
	if !c.Actor.Automated() {
		return nil, rejectUnauthorized(c, "only system or cron actors may end events")
	}
	if s.Status != EventStatusLive {
		return nil, rejectInvalid(c, statusDetail(s.Status))
	}
	return []Proposed{{
		Type: EventEnded,
		Data: EventEndedData{EventID: s.ID},
	}}, nil
}

func (m *EventMachine) cancel(s *EventState, c *Command) ([]Proposed, error) {
	if !s.Exists() || s.Terminal() {
		return nil, rejectInvalid(c, statusDetail(s.Status))
	}
	var p CancelEventPayload
	if err := c.Unmarshal(&p); err != nil {
		return nil, err
	}
	return []Proposed{{
		Type: EventCancelled,
		Data: EventCancelledData{EventID: s.ID, Reason: p.Reason},
	}}, nil
}

func (m *EventMachine) reschedule(s *EventState, c *Command) ([]Proposed, error) {
	if s.Status != EventStatusDraft && s.Status != EventStatusPublished {
		return nil, rejectInvalid(c, statusDetail(s.Status))
	}
	var p RescheduleEventPayload
	if err := c.Unmarshal(&p); err != nil {
		return nil, err
	}
	if !p.EndAt.After(p.StartAt) {
		return nil, rejectInvalid(c, "end time must follow start time")
	}
	return []Proposed{{
		Type: EventRescheduled,
		Data: EventRescheduledData{
			EventID: s.ID,
			StartAt: p.StartAt,
			EndAt:   p.EndAt,
		},
	}}, nil
}

func statusDetail(s EventStatus) string {
	if s == "" {
		return "aggregate does not exist"
	}
	return "current status is " + string(s)
}

var eventAppliers = Appliers[*EventState]{
	EventCreated: MakeApplier(
		func(s *EventState, _ *Envelope, d EventCreatedData) *EventState {
			res := *s
			res.ID = d.EventID
			res.Title = d.Title
			res.StartAt = d.StartAt
			res.EndAt = d.EndAt
			res.Status = EventStatusDraft
			return &res
		}),
	EventPublished: MakeApplier(
		func(s *EventState, _ *Envelope, _ EventPublishedData) *EventState {
			res := *s
			res.Status = EventStatusPublished
			return &res
		}),
	EventStarted: MakeApplier(
		func(s *EventState, _ *Envelope, _ EventStartedData) *EventState {
			res := *s
			res.Status = EventStatusLive
			return &res
		}),
	EventEnded: MakeApplier(
		func(s *EventState, _ *Envelope, _ EventEndedData) *EventState {
			res := *s
			res.Status = EventStatusEnded
			return &res
		}),
	EventCancelled: MakeApplier(
		func(s *EventState, _ *Envelope, d EventCancelledData) *EventState {
			res := *s
			res.Status = EventStatusCancelled
			res.CancelReason = d.Reason
			return &res
		}),
	EventRescheduled: MakeApplier(
		func(s *EventState, _ *Envelope, d EventRescheduledData) *EventState {
			res := *s
			res.StartAt = d.StartAt
			res.EndAt = d.EndAt
			return &res
		}),
}
