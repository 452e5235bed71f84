package turnstile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command names form a closed enumeration. Each name has a fixed payload
// shape, decoded and checked at the orchestrator boundary
const (
	CmdCreateEvent     CommandName = "CREATE_EVENT"
	CmdPublishEvent    CommandName = "PUBLISH_EVENT"
	CmdStartEvent      CommandName = "START_EVENT"
	CmdEndEvent        CommandName = "END_EVENT"
	CmdCancelEvent     CommandName = "CANCEL_EVENT"
	CmdRescheduleEvent CommandName = "RESCHEDULE_EVENT"

	CmdCreateTicket  CommandName = "CREATE_TICKET"
	CmdApproveTicket CommandName = "APPROVE_TICKET"
	CmdRejectTicket  CommandName = "REJECT_TICKET"
	CmdCheckInTicket CommandName = "CHECK_IN_TICKET"
	CmdStakeTicket   CommandName = "STAKE_TICKET"
	CmdForfeitTicket CommandName = "FORFEIT_TICKET"
	CmdRefundTicket  CommandName = "REFUND_TICKET"
)

type (
	CreateEventPayload struct {
		EventID ID        `json:"event_id"`
		Title   string    `json:"title"`
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	}

	PublishEventPayload struct {
		EventID ID `json:"event_id"`
	}

	StartEventPayload struct {
		EventID ID `json:"event_id"`
	}

	EndEventPayload struct {
		EventID ID `json:"event_id"`
	}

	CancelEventPayload struct {
		EventID ID     `json:"event_id"`
		Reason  string `json:"reason"`
	}

	RescheduleEventPayload struct {
		EventID ID        `json:"event_id"`
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	}

	CreateTicketPayload struct {
		TicketID ID `json:"ticket_id"`
		EventID  ID `json:"event_id"`
		HolderID ID `json:"holder_id"`
	}

	ApproveTicketPayload struct {
		TicketID ID `json:"ticket_id"`
	}

	RejectTicketPayload struct {
		TicketID ID     `json:"ticket_id"`
		Reason   string `json:"reason"`
	}

	CheckInTicketPayload struct {
		TicketID ID `json:"ticket_id"`
	}

	StakeTicketPayload struct {
		TicketID ID     `json:"ticket_id"`
		Amount   string `json:"amount"`
		TxHash   string `json:"tx_hash"`
		Chain    string `json:"chain"`
	}

	ForfeitTicketPayload struct {
		TicketID ID `json:"ticket_id"`
	}

	RefundTicketPayload struct {
		TicketID ID `json:"ticket_id"`
	}

	// targetRef extracts the aggregate id embedded in a command payload
	targetRef struct {
		EventID  ID `json:"event_id"`
		TicketID ID `json:"ticket_id"`
	}
)

var (
	ErrUnknownCommand = errors.New("unknown command name")
	ErrMissingTarget  = errors.New("command payload names no aggregate id")

	// commandRoutes maps each command name to the aggregate family it
	// targets. A name absent from this table is not a valid command
	commandRoutes = map[CommandName]AggregateType{
		CmdCreateEvent:     AggregateEvent,
		CmdPublishEvent:    AggregateEvent,
		CmdStartEvent:      AggregateEvent,
		CmdEndEvent:        AggregateEvent,
		CmdCancelEvent:     AggregateEvent,
		CmdRescheduleEvent: AggregateEvent,

		CmdCreateTicket:  AggregateTicket,
		CmdApproveTicket: AggregateTicket,
		CmdRejectTicket:  AggregateTicket,
		CmdCheckInTicket: AggregateTicket,
		CmdStakeTicket:   AggregateTicket,
		CmdForfeitTicket: AggregateTicket,
		CmdRefundTicket:  AggregateTicket,
	}
)

// NewCommand builds a Command from a name, a payload struct, and an actor
func NewCommand(name CommandName, payload any, actor Actor) (*Command, error) {
	if _, ok := commandRoutes[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Command{
		Name:    name,
		Payload: data,
		Actor:   actor,
	}, nil
}

// Target resolves the aggregate family and instance a command addresses.
// Every command targets exactly one aggregate, named by an id embedded in
// its payload
func (c *Command) Target() (AggregateType, ID, error) {
	at, ok := commandRoutes[c.Name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownCommand, c.Name)
	}

	var ref targetRef
	if err := json.Unmarshal(c.Payload, &ref); err != nil {
		return "", "", err
	}

	var id ID
	switch at {
	case AggregateEvent:
		id = ref.EventID
	case AggregateTicket:
		id = ref.TicketID
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: %s", ErrMissingTarget, c.Name)
	}
	return at, id, nil
}

// Unmarshal decodes the command's payload into target
func (c *Command) Unmarshal(target any) error {
	return json.Unmarshal(c.Payload, target)
}
