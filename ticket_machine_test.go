package turnstile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/turnstile"
)

func pendingTicket(t *testing.T, m *turnstile.TicketMachine) *turnstile.TicketState {
	t.Helper()
	return advance(t, m, m.Init(), mkCommand(t, turnstile.CmdCreateTicket,
		turnstile.CreateTicketPayload{
			TicketID: "T1",
			EventID:  "E1",
			HolderID: "U1",
		}, userActor))
}

func TestTicketLifecycle(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	assert.Equal(t, turnstile.TicketStatusPending, state.Status)
	assert.Equal(t, turnstile.ID("T1"), state.ID)
	assert.Equal(t, turnstile.ID("E1"), state.EventID)

	state = advance(t, m, state, mkCommand(t, turnstile.CmdApproveTicket,
		turnstile.ApproveTicketPayload{TicketID: "T1"}, userActor))
	assert.Equal(t, turnstile.TicketStatusApproved, state.Status)

	state = advance(t, m, state, mkCommand(t, turnstile.CmdCheckInTicket,
		turnstile.CheckInTicketPayload{TicketID: "T1"}, userActor))
	assert.Equal(t, turnstile.TicketStatusCheckedIn, state.Status)
	assert.False(t, state.Terminal())
}

func TestTicketRequiresEvent(t *testing.T) {
	m := turnstile.NewTicketMachine()
	_, err := m.Decide(m.Init(), mkCommand(t, turnstile.CmdCreateTicket,
		turnstile.CreateTicketPayload{TicketID: "T1"}, userActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}

func TestTicketRejectRecordsReason(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdRejectTicket,
		turnstile.RejectTicketPayload{
			TicketID: "T1",
			Reason:   "capacity reached",
		}, userActor))

	assert.Equal(t, turnstile.TicketStatusRejected, state.Status)
	assert.Equal(t, "capacity reached", state.RejectReason)
}

func TestApproveTwice(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdApproveTicket,
		turnstile.ApproveTicketPayload{TicketID: "T1"}, userActor))

	_, err := m.Decide(state, mkCommand(t, turnstile.CmdApproveTicket,
		turnstile.ApproveTicketPayload{TicketID: "T1"}, userActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}

func TestCheckInPending(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	_, err := m.Decide(state, mkCommand(t, turnstile.CmdCheckInTicket,
		turnstile.CheckInTicketPayload{TicketID: "T1"}, userActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}

func TestStakePreservesStatus(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdStakeTicket,
		turnstile.StakeTicketPayload{
			TicketID: "T1",
			Amount:   "25.00",
			TxHash:   "0xabc",
			Chain:    "base",
		}, userActor))

	assert.Equal(t, turnstile.TicketStatusPending, state.Status)
	assert.NotNil(t, state.Stake)
	assert.Equal(t, "25.00", state.Stake.Amount)
	assert.Equal(t, "0xabc", state.Stake.TxHash)
}

func TestStakeTwice(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdStakeTicket,
		turnstile.StakeTicketPayload{
			TicketID: "T1",
			Amount:   "25.00",
			TxHash:   "0xabc",
		}, userActor))

	_, err := m.Decide(state, mkCommand(t, turnstile.CmdStakeTicket,
		turnstile.StakeTicketPayload{
			TicketID: "T1",
			Amount:   "25.00",
			TxHash:   "0xdef",
		}, userActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}

func TestStakeWithoutTxHash(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	_, err := m.Decide(state, mkCommand(t, turnstile.CmdStakeTicket,
		turnstile.StakeTicketPayload{
			TicketID: "T1",
			Amount:   "25.00",
		}, userActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}

func TestForfeitThenRefund(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdApproveTicket,
		turnstile.ApproveTicketPayload{TicketID: "T1"}, userActor))
	state = advance(t, m, state, mkCommand(t, turnstile.CmdForfeitTicket,
		turnstile.ForfeitTicketPayload{TicketID: "T1"}, userActor))
	assert.Equal(t, turnstile.TicketStatusForfeited, state.Status)

	state = advance(t, m, state, mkCommand(t, turnstile.CmdRefundTicket,
		turnstile.RefundTicketPayload{TicketID: "T1"}, cronActor))
	assert.Equal(t, turnstile.TicketStatusRefunded, state.Status)
	assert.True(t, state.Terminal())
}

func TestRefundRejected(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdRejectTicket,
		turnstile.RejectTicketPayload{TicketID: "T1"}, userActor))
	state = advance(t, m, state, mkCommand(t, turnstile.CmdRefundTicket,
		turnstile.RefundTicketPayload{TicketID: "T1"}, cronActor))
	assert.Equal(t, turnstile.TicketStatusRefunded, state.Status)
}

func TestRefundApproved(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	state = advance(t, m, state, mkCommand(t, turnstile.CmdApproveTicket,
		turnstile.ApproveTicketPayload{TicketID: "T1"}, userActor))

	_, err := m.Decide(state, mkCommand(t, turnstile.CmdRefundTicket,
		turnstile.RefundTicketPayload{TicketID: "T1"}, cronActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}

func TestForfeitPending(t *testing.T) {
	m := turnstile.NewTicketMachine()

	state := pendingTicket(t, m)
	_, err := m.Decide(state, mkCommand(t, turnstile.CmdForfeitTicket,
		turnstile.ForfeitTicketPayload{TicketID: "T1"}, userActor))
	assert.True(t, turnstile.IsRejected(
		err, turnstile.ReasonInvalidTransition,
	))
}
