package turnstile

type (
	// TicketStatus is the lifecycle state of a ticket aggregate
	TicketStatus string

	// Stake records an on-chain stake attached to a ticket. Recording a
	// stake does not change the ticket's lifecycle status
	Stake struct {
		Amount string `json:"amount"`
		TxHash string `json:"tx_hash"`
		Chain  string `json:"chain"`
	}

	// TicketState is the folded state of a ticket aggregate
	TicketState struct {
		ID           ID           `json:"id"`
		EventID      ID           `json:"event_id"`
		HolderID     ID           `json:"holder_id"`
		Status       TicketStatus `json:"status"`
		RejectReason string       `json:"reject_reason,omitempty"`
		Stake        *Stake       `json:"stake,omitempty"`
	}

	// TicketMachine decides ticket lifecycle transitions:
	// pending -> approved/rejected -> checked_in/forfeited/refunded
	TicketMachine struct{}

	TicketCreatedData struct {
		TicketID ID `json:"ticket_id"`
		EventID  ID `json:"event_id"`
		HolderID ID `json:"holder_id"`
	}

	TicketApprovedData struct {
		TicketID ID `json:"ticket_id"`
	}

	TicketRejectedData struct {
		TicketID ID     `json:"ticket_id"`
		Reason   string `json:"reason"`
	}

	TicketCheckedInData struct {
		TicketID ID `json:"ticket_id"`
	}

	TicketStakedData struct {
		TicketID ID     `json:"ticket_id"`
		Amount   string `json:"amount"`
		TxHash   string `json:"tx_hash"`
		Chain    string `json:"chain"`
	}

	TicketForfeitedData struct {
		TicketID ID `json:"ticket_id"`
	}

	TicketRefundedData struct {
		TicketID ID `json:"ticket_id"`
	}
)

const (
	AggregateTicket AggregateType = "ticket"

	TicketStatusPending   TicketStatus = "pending"
	TicketStatusApproved  TicketStatus = "approved"
	TicketStatusRejected  TicketStatus = "rejected"
	TicketStatusCheckedIn TicketStatus = "checked_in"
	TicketStatusForfeited TicketStatus = "forfeited"
	TicketStatusRefunded  TicketStatus = "refunded"

	TicketCreated   EventType = "ticket.created"
	TicketApproved  EventType = "ticket.approved"
	TicketRejected  EventType = "ticket.rejected"
	TicketCheckedIn EventType = "ticket.checked_in"
	TicketStaked    EventType = "ticket.staked"
	TicketForfeited EventType = "ticket.forfeited"
	TicketRefunded  EventType = "ticket.refunded"
)

// NewTicketMachine creates a TicketMachine
func NewTicketMachine() *TicketMachine {
	return &TicketMachine{}
}

func (*TicketMachine) AggregateType() AggregateType {
	return AggregateTicket
}

func (*TicketMachine) Init() *TicketState {
	return &TicketState{}
}

func (*TicketMachine) Appliers() Appliers[*TicketState] {
	return ticketAppliers
}

// Exists reports whether any envelope has been recorded for the aggregate
func (s *TicketState) Exists() bool {
	return s.Status != ""
}

// Terminal reports whether the ticket can accept no further transitions
func (s *TicketState) Terminal() bool {
	return s.Status == TicketStatusRefunded
}

// Decide translates a command against the current state into proposed
// events, or rejects it
func (m *TicketMachine) Decide(s *TicketState, c *Command) ([]Proposed, error) {
	switch c.Name {
	case CmdCreateTicket:
		return m.create(s, c)
	case CmdApproveTicket:
		return m.approve(s, c)
	case CmdRejectTicket:
		return m.reject(s, c)
	case CmdCheckInTicket:
		return m.checkIn(s, c)
	case CmdStakeTicket:
		return m.stake(s, c)
	case CmdForfeitTicket:
		return m.forfeit(s, c)
	case CmdRefundTicket:
		return m.refund(s, c)
	}
	return nil, ErrUnknownCommand
}

func (m *TicketMachine) create(s *TicketState, c *Command) ([]Proposed, error) {
	if s.Exists() {
		return nil, rejectInvalid(c, "ticket already exists")
	}
	var p CreateTicketPayload
	if err := c.Unmarshal(&p); err != nil {
		return nil, err
	}
	if p.EventID == "" {
		return nil, rejectInvalid(c, "ticket must reference an event")
	}
	return []Proposed{{
		Type: TicketCreated,
		Data: TicketCreatedData{
			TicketID: p.TicketID,
			EventID:  p.EventID,
			HolderID: p.HolderID,
		},
	}}, nil
}

func (m *TicketMachine) approve(s *TicketState, c *Command) ([]Proposed, error) {
	if s.Status != TicketStatusPending {
		return nil, rejectInvalid(c, ticketDetail(s.Status))
	}
	return []Proposed{{
		Type: TicketApproved,
		Data: TicketApprovedData{TicketID: s.ID},
	}}, nil
}

func (m *TicketMachine) reject(s *TicketState, c *Command) ([]Proposed, error) {
	if s.Status != TicketStatusPending {
		return nil, rejectInvalid(c, ticketDetail(s.Status))
	}
	var p RejectTicketPayload
	if err := c.Unmarshal(&p); err != nil {
		return nil, err
	}
	return []Proposed{{
		Type: TicketRejected,
		Data: TicketRejectedData{TicketID: s.ID, Reason: p.Reason},
	}}, nil
}

func (m *TicketMachine) checkIn(s *TicketState, c *Command) ([]Proposed, error) {
	if s.Status != TicketStatusApproved {
		return nil, rejectInvalid(c, ticketDetail(s.Status))
	}
	return []Proposed{{
		Type: TicketCheckedIn,
		Data: TicketCheckedInData{TicketID: s.ID},
	}}, nil
}

func (m *TicketMachine) stake(s *TicketState, c *Command) ([]Proposed, error) {
	switch s.Status {
	case TicketStatusPending, TicketStatusApproved:
	default:
		return nil, rejectInvalid(c, ticketDetail(s.Status))
	}
	if s.Stake != nil {
		return nil, rejectInvalid(c, "ticket already staked")
	}
	var p StakeTicketPayload
	if err := c.Unmarshal(&p); err != nil {
		return nil, err
	}
	if p.TxHash == "" {
		return nil, rejectInvalid(c, "stake requires a transaction hash")
	}
	return []Proposed{{
		Type: TicketStaked,
		Data: TicketStakedData{
			TicketID: s.ID,
			Amount:   p.Amount,
			TxHash:   p.TxHash,
			Chain:    p.Chain,
		},
	}}, nil
}

func (m *TicketMachine) forfeit(s *TicketState, c *Command) ([]Proposed, error) {
	switch s.Status {
	case TicketStatusApproved, TicketStatusCheckedIn:
	default:
		return nil, rejectInvalid(c, ticketDetail(s.Status))
	}
	return []Proposed{{
		Type: TicketForfeited,
		Data: TicketForfeitedData{TicketID: s.ID},
	}}, nil
}

func (m *TicketMachine) refund(s *TicketState, c *Command) ([]Proposed, error) {
	switch s.Status {
	case TicketStatusForfeited, TicketStatusRejected:
	default:
		return nil, rejectInvalid(c, ticketDetail(s.Status))
	}
	return []Proposed{{
		Type: TicketRefunded,
		Data: TicketRefundedData{TicketID: s.ID},
	}}, nil
}

func ticketDetail(s TicketStatus) string {
	if s == "" {
		return "aggregate does not exist"
	}
	return "current status is " + string(s)
}

var ticketAppliers = Appliers[*TicketState]{
	TicketCreated: MakeApplier(
		func(s *TicketState, _ *Envelope, d TicketCreatedData) *TicketState {
			res := *s
			res.ID = d.TicketID
			res.EventID = d.EventID
			res.HolderID = d.HolderID
			res.Status = TicketStatusPending
			return &res
		}),
	TicketApproved: MakeApplier(
		func(s *TicketState, _ *Envelope, _ TicketApprovedData) *TicketState {
			res := *s
			res.Status = TicketStatusApproved
			return &res
		}),
	TicketRejected: MakeApplier(
		func(s *TicketState, _ *Envelope, d TicketRejectedData) *TicketState {
			res := *s
			res.Status = TicketStatusRejected
			res.RejectReason = d.Reason
			return &res
		}),
	TicketCheckedIn: MakeApplier(
		func(s *TicketState, _ *Envelope, _ TicketCheckedInData) *TicketState {
			res := *s
			res.Status = TicketStatusCheckedIn
			return &res
		}),
	TicketStaked: MakeApplier(
		func(s *TicketState, _ *Envelope, d TicketStakedData) *TicketState {
			res := *s
			res.Stake = &Stake{
				Amount: d.Amount,
				TxHash: d.TxHash,
				Chain:  d.Chain,
			}
			return &res
		}),
	TicketForfeited: MakeApplier(
		func(s *TicketState, _ *Envelope, _ TicketForfeitedData) *TicketState {
			res := *s
			res.Status = TicketStatusForfeited
			return &res
		}),
	TicketRefunded: MakeApplier(
		func(s *TicketState, _ *Envelope, _ TicketRefundedData) *TicketState {
			res := *s
			res.Status = TicketStatusRefunded
			return &res
		}),
}
