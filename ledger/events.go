package ledger

import (
	"time"

	"github.com/billbatista/acasinha-funds/eventlogger"
	"github.com/billbatista/acasinha-funds/money"
	"github.com/google/uuid"
)

const (
	EventExpenseCreated  = "expense.created"
	EventApprovalDecided = "approval.decided"
	EventExpenseSettled  = "expense.settled"
	EventExpenseRejected = "expense.rejected"
	EventFundContributed = "fund.contributed"
	EventFundUpdated     = "fund.updated"
)

// EventRecorder receives ledger events after their transaction commits.
// eventlogger.Worker implements it.
type EventRecorder interface {
	Log(event eventlogger.Event)
}

type ExpenseCreatedEvent struct {
	ExpenseID uuid.UUID     `json:"expense_id"`
	PayerID   uuid.UUID     `json:"payer_id"`
	CoSpaceID uuid.NullUUID `json:"co_space_id"`
	Amount    money.Money   `json:"amount"`
	Source    FundingSource `json:"funding_source"`
	Status    ExpenseStatus `json:"status"`
	Approvers []uuid.UUID   `json:"approvers,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type ApprovalDecidedEvent struct {
	ExpenseID  uuid.UUID `json:"expense_id"`
	ApprovalID uuid.UUID `json:"approval_id"`
	ApproverID uuid.UUID `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	DecidedAt  time.Time `json:"decided_at"`
}

type ExpenseSettledEvent struct {
	ExpenseID  uuid.UUID   `json:"expense_id"`
	CoSpaceID  uuid.UUID   `json:"co_space_id"`
	Amount     money.Money `json:"amount"`
	Deductions []Deduction `json:"deductions"`
	SettledAt  time.Time   `json:"settled_at"`
}

type ExpenseRejectedEvent struct {
	ExpenseID  uuid.UUID `json:"expense_id"`
	RejectedBy uuid.UUID `json:"rejected_by"`
	RejectedAt time.Time `json:"rejected_at"`
}

type FundChangedEvent struct {
	Fund  FundRef     `json:"fund"`
	Delta money.Money `json:"delta"`
	By    uuid.UUID   `json:"by"`
}

type discardRecorder struct{}

func (discardRecorder) Log(eventlogger.Event) {}

func (e *Engine) emit(eventType string, aggregateID uuid.UUID, data any) {
	e.events.Log(eventlogger.NewEvent(
		eventlogger.WithType(eventType),
		eventlogger.WithAggregate(aggregateID),
		eventlogger.WithData(data),
	))
}
