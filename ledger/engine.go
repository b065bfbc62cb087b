package ledger

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/billbatista/acasinha-funds/money"
	"github.com/google/uuid"
)

const defaultTxTimeout = 10 * time.Second

// Engine owns every balance mutation. It holds no goroutines of its own and
// is safe to call concurrently; serialization comes from the store's row
// locks.
type Engine struct {
	store      Store
	identities IdentityProvider
	members    MembershipProvider
	events     EventRecorder
	logger     *slog.Logger
	now        func() time.Time
	txTimeout  time.Duration
}

type Option func(*Engine)

func WithEvents(r EventRecorder) Option {
	return func(e *Engine) {
		e.events = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTxTimeout bounds every mutating transaction. A transaction that runs
// out of time is rolled back and reported as a storage failure.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

func NewEngine(store Store, identities IdentityProvider, members MembershipProvider, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		identities: identities,
		members:    members,
		events:     discardRecorder{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		txTimeout:  defaultTxTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type CreateExpenseRequest struct {
	Amount        money.Money
	Source        FundingSource
	CoSpaceID     uuid.NullUUID
	Note          string
	Beneficiary   Beneficiary
	RelatedUserID uuid.NullUUID
}

// ApprovalOutcome is the result of a decision. Deductions is only set when
// the decision completed quorum and the expense settled.
type ApprovalOutcome struct {
	Approval   ApprovalRecord `json:"approval"`
	Expense    Expense        `json:"expense"`
	Settled    bool           `json:"settled"`
	Deductions []Deduction    `json:"deductions,omitempty"`
}

// CreateExpense records a spend by payerID. Personal expenses are deducted
// and approved immediately. Co-space expenses stay pending with one approval
// record per other accepted member; when the payer is the only member the
// expense settles right away.
func (e *Engine) CreateExpense(ctx context.Context, payerID uuid.UUID, req CreateExpenseRequest) (*Expense, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if req.Beneficiary == "" {
		req.Beneficiary = BeneficiarySelf
	}
	if req.Beneficiary != BeneficiarySelf && req.Beneficiary != BeneficiaryOther {
		return nil, ErrInvalidBeneficiary
	}
	if err := e.requireActive(ctx, payerID); err != nil {
		return nil, err
	}

	now := e.now()
	expense := &Expense{
		ID:            uuid.New(),
		PayerID:       payerID,
		Amount:        req.Amount,
		Note:          req.Note,
		Source:        req.Source,
		Beneficiary:   req.Beneficiary,
		RelatedUserID: req.RelatedUserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch req.Source {
	case FundingPersonal:
		expense.Status = ExpenseApproved
		err := e.inTx(ctx, "create_personal_expense", func(tx Tx) error {
			if _, err := ApplyDelta(ctx, tx, PersonalFundRef(payerID), req.Amount.Neg(), now); err != nil {
				return err
			}
			return tx.InsertExpense(ctx, expense)
		})
		if err != nil {
			return nil, err
		}
		e.emit(EventExpenseCreated, expense.ID, expenseCreated(expense, nil))
		return expense, nil

	case FundingCoSpace:
		return e.createPooledExpense(ctx, expense, req.CoSpaceID, now)

	default:
		return nil, ErrInvalidFundingSource
	}
}

func (e *Engine) createPooledExpense(ctx context.Context, expense *Expense, coSpaceID uuid.NullUUID, now time.Time) (*Expense, error) {
	if !coSpaceID.Valid || coSpaceID.UUID == uuid.Nil {
		return nil, ErrMissingCoSpace
	}
	expense.CoSpaceID = coSpaceID
	expense.Status = ExpensePending

	if err := e.requireMember(ctx, coSpaceID.UUID, expense.PayerID); err != nil {
		return nil, err
	}
	members, err := e.acceptedMembers(ctx, coSpaceID.UUID)
	if err != nil {
		return nil, err
	}

	approvers := make([]uuid.UUID, 0, len(members))
	approvals := make([]ApprovalRecord, 0, len(members))
	for _, memberID := range members {
		if memberID == expense.PayerID {
			continue
		}
		approvers = append(approvers, memberID)
		approvals = append(approvals, ApprovalRecord{
			ID:         uuid.New(),
			ExpenseID:  expense.ID,
			ApproverID: memberID,
			Decision:   DecisionPending,
			CreatedAt:  now,
		})
	}

	var deductions []Deduction
	err = e.inTx(ctx, "create_pooled_expense", func(tx Tx) error {
		if err := tx.InsertExpense(ctx, expense); err != nil {
			return err
		}
		if len(approvals) > 0 {
			return tx.InsertApprovals(ctx, approvals)
		}
		var err error
		deductions, err = e.settle(ctx, tx, expense, members, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(EventExpenseCreated, expense.ID, expenseCreated(expense, approvers))
	if deductions != nil {
		e.emitSettled(expense, deductions, now)
	}
	return expense, nil
}

// DecideApproval records approverID's decision on a pending expense. One
// rejection rejects the expense. The approval that leaves no record pending
// settles the expense in the same transaction; if the pool cannot cover it
// the whole decision is rolled back and the expense stays pending.
//
// The co-space member set is read before the transaction starts, so a
// settlement never holds its transaction while waiting on another
// connection.
func (e *Engine) DecideApproval(ctx context.Context, expenseID, approverID uuid.UUID, decision Decision) (*ApprovalOutcome, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, ErrInvalidDecision
	}
	if err := e.requireActive(ctx, approverID); err != nil {
		return nil, err
	}
	current, err := e.store.GetExpense(ctx, expenseID)
	if err != nil {
		return nil, e.classifyRead("get_expense", err)
	}
	var members []uuid.UUID
	if current.CoSpaceID.Valid {
		if members, err = e.acceptedMembers(ctx, current.CoSpaceID.UUID); err != nil {
			return nil, err
		}
	}

	now := e.now()
	var outcome ApprovalOutcome
	err = e.inTx(ctx, "decide_approval", func(tx Tx) error {
		outcome = ApprovalOutcome{}

		expense, err := tx.LockExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		if expense.Status != ExpensePending {
			return ErrExpenseNotPending
		}
		approval, err := tx.LockApproval(ctx, expenseID, approverID)
		if err != nil {
			return err
		}
		if approval.Decision != DecisionPending {
			return ErrAlreadyProcessed
		}

		approval.Decision = decision
		approval.DecidedAt = &now
		if err := tx.SaveApproval(ctx, approval); err != nil {
			return err
		}

		if decision == DecisionRejected {
			expense.Status = ExpenseRejected
			expense.UpdatedAt = now
			if err := tx.SaveExpense(ctx, expense); err != nil {
				return err
			}
		} else {
			pending, err := tx.CountPendingApprovals(ctx, expenseID)
			if err != nil {
				return err
			}
			if pending == 0 {
				if outcome.Deductions, err = e.settle(ctx, tx, expense, members, now); err != nil {
					return err
				}
				outcome.Settled = true
			}
		}

		outcome.Approval = *approval
		outcome.Expense = *expense
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(EventApprovalDecided, expenseID, ApprovalDecidedEvent{
		ExpenseID:  expenseID,
		ApprovalID: outcome.Approval.ID,
		ApproverID: approverID,
		Decision:   decision,
		DecidedAt:  now,
	})
	switch {
	case decision == DecisionRejected:
		e.logger.Info("expense rejected", "expense_id", expenseID, "rejected_by", approverID)
		e.emit(EventExpenseRejected, expenseID, ExpenseRejectedEvent{
			ExpenseID:  expenseID,
			RejectedBy: approverID,
			RejectedAt: now,
		})
	case outcome.Settled:
		e.emitSettled(&outcome.Expense, outcome.Deductions, now)
	}
	return &outcome, nil
}

// settle moves a pooled expense's amount out of its co-space, split across
// members (sorted, as returned by acceptedMembers). Only the pool total is
// checked; individual member balances may end up negative.
func (e *Engine) settle(ctx context.Context, tx Tx, expense *Expense, members []uuid.UUID, now time.Time) ([]Deduction, error) {
	coSpaceID := expense.CoSpaceID.UUID
	if len(members) == 0 {
		return nil, ErrNoAcceptedMembers
	}

	funds := make([]*Fund, 0, len(members))
	pool := money.Zero
	for _, memberID := range members {
		f, err := tx.LockOrCreateMemberFund(ctx, coSpaceID, memberID)
		if err != nil {
			return nil, err
		}
		if pool, err = pool.Add(f.Remaining); err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	if pool.LessThan(expense.Amount) {
		return nil, ErrInsufficientPool
	}

	deductions, err := SplitEvenly(expense.Amount, members)
	if err != nil {
		return nil, err
	}
	var overdrawn []uuid.UUID
	for i, d := range deductions {
		if err := spend(funds[i], d.Amount, now); err != nil {
			return nil, err
		}
		if err := tx.SaveFund(ctx, funds[i]); err != nil {
			return nil, err
		}
		if funds[i].Remaining.IsNegative() {
			overdrawn = append(overdrawn, d.MemberID)
		}
	}

	expense.Status = ExpenseApproved
	expense.UpdatedAt = now
	if err := tx.SaveExpense(ctx, expense); err != nil {
		return nil, err
	}
	if len(overdrawn) > 0 {
		e.logger.Warn("co-space settlement left members overdrawn",
			"expense_id", expense.ID, "co_space_id", coSpaceID, "members", overdrawn)
	}
	return deductions, nil
}

// GetPendingApprovals lists the approvals userID still has to decide on
// expenses that are themselves still pending.
func (e *Engine) GetPendingApprovals(ctx context.Context, userID uuid.UUID) ([]PendingApproval, error) {
	if err := e.requireActive(ctx, userID); err != nil {
		return nil, err
	}
	pending, err := e.store.PendingApprovals(ctx, userID)
	return pending, e.classifyRead("pending_approvals", err)
}

// ListApprovals returns the approval trail of an expense. Only the payer and
// the approvers may read it.
func (e *Engine) ListApprovals(ctx context.Context, actorID, expenseID uuid.UUID) ([]ApprovalRecord, error) {
	if err := e.requireActive(ctx, actorID); err != nil {
		return nil, err
	}
	expense, err := e.store.GetExpense(ctx, expenseID)
	if err != nil {
		return nil, e.classifyRead("get_expense", err)
	}
	approvals, err := e.store.ListApprovals(ctx, expenseID)
	if err != nil {
		return nil, e.classifyRead("list_approvals", err)
	}
	if expense.PayerID == actorID {
		return approvals, nil
	}
	for _, a := range approvals {
		if a.ApproverID == actorID {
			return approvals, nil
		}
	}
	return nil, ErrExpenseNotFound
}

// GetFund reads a fund. Personal funds are visible to their owner, co-space
// member funds to accepted members of that co-space.
func (e *Engine) GetFund(ctx context.Context, actorID uuid.UUID, ref FundRef) (*Fund, error) {
	if err := e.requireActive(ctx, actorID); err != nil {
		return nil, err
	}
	switch ref.Kind {
	case FundPersonal:
		if ref.OwnerID != actorID {
			return nil, ErrFundNotFound
		}
	case FundCoSpace:
		if err := e.requireMember(ctx, ref.CoSpaceID, actorID); err != nil {
			return nil, err
		}
	default:
		return nil, ErrFundNotFound
	}
	f, err := e.store.GetFund(ctx, ref)
	return f, e.classifyRead("get_fund", err)
}

// ContributeToCoSpaceFund adds amount to userID's share of the co-space pool,
// creating the member fund on first contribution.
func (e *Engine) ContributeToCoSpaceFund(ctx context.Context, coSpaceID, userID uuid.UUID, amount money.Money) (*Fund, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if err := e.requireActive(ctx, userID); err != nil {
		return nil, err
	}
	if err := e.requireMember(ctx, coSpaceID, userID); err != nil {
		return nil, err
	}

	now := e.now()
	var fund *Fund
	err := e.inTx(ctx, "contribute_co_space", func(tx Tx) error {
		f, err := tx.LockOrCreateMemberFund(ctx, coSpaceID, userID)
		if err != nil {
			return err
		}
		if err := contribute(f, amount, now); err != nil {
			return err
		}
		fund = f
		return tx.SaveFund(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	e.emit(EventFundContributed, coSpaceID, FundChangedEvent{Fund: fund.FundRef, Delta: amount, By: userID})
	return fund, nil
}

// OpenPersonalFund creates userID's zero-balance personal fund. Opening an
// existing fund returns it unchanged.
func (e *Engine) OpenPersonalFund(ctx context.Context, userID uuid.UUID) (*Fund, error) {
	var fund *Fund
	err := e.inTx(ctx, "open_personal_fund", func(tx Tx) error {
		var err error
		fund, err = e.lockOrOpenPersonalFund(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fund, nil
}

// PersonalFund returns userID's personal fund, opening it if registration
// did not get to.
func (e *Engine) PersonalFund(ctx context.Context, userID uuid.UUID) (*Fund, error) {
	if err := e.requireActive(ctx, userID); err != nil {
		return nil, err
	}
	f, err := e.store.GetFund(ctx, PersonalFundRef(userID))
	if errors.Is(err, ErrFundNotFound) {
		return e.OpenPersonalFund(ctx, userID)
	}
	return f, e.classifyRead("get_fund", err)
}

func (e *Engine) lockOrOpenPersonalFund(ctx context.Context, tx Tx, userID uuid.UUID) (*Fund, error) {
	ref := PersonalFundRef(userID)
	f, err := tx.LockFund(ctx, ref)
	if !errors.Is(err, ErrFundNotFound) {
		return f, err
	}
	if err := tx.CreateFund(ctx, newFund(ref, e.now())); err != nil {
		return nil, err
	}
	// A concurrent open may have won the insert; read back whichever row exists.
	return tx.LockFund(ctx, ref)
}

// InitializePersonalFund sets the starting balance of a personal fund that
// has never been funded.
func (e *Engine) InitializePersonalFund(ctx context.Context, userID uuid.UUID, total money.Money) (*Fund, error) {
	if !total.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	return e.updatePersonalFund(ctx, "initialize_personal_fund", userID, func(f *Fund) error {
		if f.Total.IsPositive() {
			return ErrFundAlreadyInitialized
		}
		f.Total, f.Remaining = total, total
		return nil
	})
}

// UpdatePersonalFundTotal changes the fund total, moving remaining by the
// same difference. The change is refused if remaining would go negative.
func (e *Engine) UpdatePersonalFundTotal(ctx context.Context, userID uuid.UUID, newTotal money.Money) (*Fund, error) {
	if newTotal.IsNegative() {
		return nil, ErrNonPositiveAmount
	}
	return e.updatePersonalFund(ctx, "update_personal_fund", userID, func(f *Fund) error {
		diff, err := newTotal.Sub(f.Total)
		if err != nil {
			return err
		}
		remaining, err := f.Remaining.Add(diff)
		if err != nil {
			return err
		}
		if remaining.IsNegative() {
			return ErrNegativeRemaining
		}
		f.Total, f.Remaining = newTotal, remaining
		return nil
	})
}

func (e *Engine) updatePersonalFund(ctx context.Context, op string, userID uuid.UUID, mutate func(*Fund) error) (*Fund, error) {
	if err := e.requireActive(ctx, userID); err != nil {
		return nil, err
	}
	var (
		fund  *Fund
		delta money.Money
	)
	err := e.inTx(ctx, op, func(tx Tx) error {
		f, err := e.lockOrOpenPersonalFund(ctx, tx, userID)
		if err != nil {
			return err
		}
		before := f.Total
		if err := mutate(f); err != nil {
			return err
		}
		if delta, err = f.Total.Sub(before); err != nil {
			return err
		}
		f.UpdatedAt = e.now()
		fund = f
		return tx.SaveFund(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	e.emit(EventFundUpdated, userID, FundChangedEvent{Fund: fund.FundRef, Delta: delta, By: userID})
	return fund, nil
}

func (e *Engine) requireActive(ctx context.Context, userID uuid.UUID) error {
	id, err := e.identities.Identity(ctx, userID)
	if err != nil {
		return e.classifyRead("identity", err)
	}
	if !id.Active {
		return ErrInactive
	}
	return nil
}

func (e *Engine) requireMember(ctx context.Context, coSpaceID, userID uuid.UUID) error {
	status, err := e.members.MembershipStatus(ctx, coSpaceID, userID)
	if err != nil {
		return e.classifyRead("membership", err)
	}
	if status != MembershipAccepted {
		return ErrNotCoSpaceMember
	}
	return nil
}

// acceptedMembers returns the co-space's accepted members in ascending id
// order, which fixes both the fund lock order and who absorbs the split
// remainder.
func (e *Engine) acceptedMembers(ctx context.Context, coSpaceID uuid.UUID) ([]uuid.UUID, error) {
	members, err := e.members.AcceptedMembers(ctx, coSpaceID)
	if err != nil {
		return nil, e.classifyRead("accepted_members", err)
	}
	members = slices.Clone(members)
	sortIDs(members)
	return slices.Compact(members), nil
}

func (e *Engine) inTx(ctx context.Context, op string, fn func(tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	err := e.store.WithinTx(ctx, fn)
	classified := classify(err)
	if errors.Is(classified, ErrStorageFailure) {
		e.logger.Error("ledger transaction failed", "op", op, "error", err)
	}
	return classified
}

func (e *Engine) classifyRead(op string, err error) error {
	classified := classify(err)
	if errors.Is(classified, ErrStorageFailure) {
		e.logger.Error("ledger read failed", "op", op, "error", err)
	}
	return classified
}

func (e *Engine) emitSettled(expense *Expense, deductions []Deduction, now time.Time) {
	e.logger.Info("co-space expense settled",
		"expense_id", expense.ID, "co_space_id", expense.CoSpaceID.UUID, "amount", expense.Amount.String(), "members", len(deductions))
	e.emit(EventExpenseSettled, expense.ID, ExpenseSettledEvent{
		ExpenseID:  expense.ID,
		CoSpaceID:  expense.CoSpaceID.UUID,
		Amount:     expense.Amount,
		Deductions: deductions,
		SettledAt:  now,
	})
}

func expenseCreated(e *Expense, approvers []uuid.UUID) ExpenseCreatedEvent {
	return ExpenseCreatedEvent{
		ExpenseID: e.ID,
		PayerID:   e.PayerID,
		CoSpaceID: e.CoSpaceID,
		Amount:    e.Amount,
		Source:    e.Source,
		Status:    e.Status,
		Approvers: approvers,
		CreatedAt: e.CreatedAt,
	}
}
