package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type repository struct {
	db *sql.DB
}

// NewRepository returns a Postgres-backed Store. Row locks are taken with
// SELECT ... FOR UPDATE and held until the transaction ends.
func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

func (r *repository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const (
	personalFundColumns = `user_id, total, remaining, monthly_total, yearly_total, updated_at`
	memberFundColumns   = `co_space_id, user_id, total, remaining, monthly_total, yearly_total, updated_at`
	expenseColumns      = `id, payer_id, co_space_id, amount, COALESCE(note, ''), funding_source, beneficiary, related_user_id, status, created_at, updated_at`
	approvalColumns     = `id, expense_id, approver_id, decision, decided_at, created_at`
)

func fundQuery(ref FundRef, forUpdate bool) (string, []any) {
	var query string
	var args []any
	if ref.Kind == FundCoSpace {
		query = `SELECT ` + memberFundColumns + ` FROM co_space_funds WHERE co_space_id = $1 AND user_id = $2`
		args = []any{ref.CoSpaceID, ref.OwnerID}
	} else {
		query = `SELECT ` + personalFundColumns + ` FROM user_funds WHERE user_id = $1`
		args = []any{ref.OwnerID}
	}
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return query, args
}

func scanFund(row scanner, kind FundKind) (*Fund, error) {
	f := Fund{FundRef: FundRef{Kind: kind}}
	dest := []any{&f.OwnerID, &f.Total, &f.Remaining, &f.MonthlyTotal, &f.YearlyTotal, &f.UpdatedAt}
	if kind == FundCoSpace {
		dest = append([]any{&f.CoSpaceID}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &f, nil
}

func getFund(ctx context.Context, q querier, ref FundRef, forUpdate bool) (*Fund, error) {
	query, args := fundQuery(ref, forUpdate)
	f, err := scanFund(q.QueryRowContext(ctx, query, args...), ref.Kind)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrFundNotFound
		}
		return nil, fmt.Errorf("querying fund %s: %w", ref, err)
	}
	return f, nil
}

func scanExpense(row scanner, e *Expense) error {
	return row.Scan(
		&e.ID,
		&e.PayerID,
		&e.CoSpaceID,
		&e.Amount,
		&e.Note,
		&e.Source,
		&e.Beneficiary,
		&e.RelatedUserID,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
}

func scanApproval(row scanner, a *ApprovalRecord) error {
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ExpenseID, &a.ApproverID, &a.Decision, &decidedAt, &a.CreatedAt); err != nil {
		return err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return nil
}

func (r *repository) GetFund(ctx context.Context, ref FundRef) (*Fund, error) {
	return getFund(ctx, r.db, ref, false)
}

func (r *repository) GetExpense(ctx context.Context, id uuid.UUID) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`

	var e Expense
	err := scanExpense(r.db.QueryRowContext(ctx, query, id), &e)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrExpenseNotFound
		}
		return nil, fmt.Errorf("querying expense: %w", err)
	}
	return &e, nil
}

func (r *repository) ListApprovals(ctx context.Context, expenseID uuid.UUID) ([]ApprovalRecord, error) {
	query := `SELECT ` + approvalColumns + ` FROM expense_approvals WHERE expense_id = $1 ORDER BY approver_id`

	rows, err := r.db.QueryContext(ctx, query, expenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []ApprovalRecord
	for rows.Next() {
		var a ApprovalRecord
		if err := scanApproval(rows, &a); err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (r *repository) PendingApprovals(ctx context.Context, userID uuid.UUID) ([]PendingApproval, error) {
	query := `SELECT a.id, a.expense_id, a.approver_id, a.decision, a.decided_at, a.created_at,
              e.id, e.payer_id, e.co_space_id, e.amount, COALESCE(e.note, ''), e.funding_source, e.beneficiary, e.related_user_id, e.status, e.created_at, e.updated_at
              FROM expense_approvals a
              INNER JOIN expenses e ON e.id = a.expense_id
              WHERE a.approver_id = $1 AND a.decision = 'pending' AND e.status = 'pending'
              ORDER BY e.created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingApproval
	for rows.Next() {
		var (
			p         PendingApproval
			decidedAt sql.NullTime
			e         = &p.Expense
		)
		err := rows.Scan(
			&p.Approval.ID, &p.Approval.ExpenseID, &p.Approval.ApproverID, &p.Approval.Decision, &decidedAt, &p.Approval.CreatedAt,
			&e.ID, &e.PayerID, &e.CoSpaceID, &e.Amount, &e.Note, &e.Source, &e.Beneficiary, &e.RelatedUserID, &e.Status, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			t := decidedAt.Time
			p.Approval.DecidedAt = &t
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (r *repository) RecentExpenses(ctx context.Context, payerID uuid.UUID, limit int) ([]Expense, error) {
	query := `SELECT ` + expenseColumns + `
              FROM expenses
              WHERE payer_id = $1
              ORDER BY created_at DESC
              LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, payerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []Expense
	for rows.Next() {
		var e Expense
		if err := scanExpense(rows, &e); err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (r *repository) CountPendingApprovals(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM expense_approvals a
        JOIN expenses e ON e.id = a.expense_id
        WHERE a.approver_id = $1 AND a.decision = 'pending' AND e.status = 'pending'
    `

	var count int
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	return count, err
}

func (r *repository) CoSpaceFunds(ctx context.Context, coSpaceID uuid.UUID) ([]Fund, error) {
	query := `SELECT ` + memberFundColumns + ` FROM co_space_funds WHERE co_space_id = $1 ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, query, coSpaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []Fund
	for rows.Next() {
		f, err := scanFund(rows, FundCoSpace)
		if err != nil {
			return nil, err
		}
		funds = append(funds, *f)
	}
	return funds, rows.Err()
}

func (r *repository) CountPendingCoSpaceExpenses(ctx context.Context, coSpaceID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM expenses WHERE co_space_id = $1 AND status = 'pending'`

	var count int
	err := r.db.QueryRowContext(ctx, query, coSpaceID).Scan(&count)
	return count, err
}

type pgTx struct {
	q querier
}

func (t *pgTx) LockFund(ctx context.Context, ref FundRef) (*Fund, error) {
	return getFund(ctx, t.q, ref, true)
}

func (t *pgTx) LockOrCreateMemberFund(ctx context.Context, coSpaceID, memberID uuid.UUID) (*Fund, error) {
	query := `INSERT INTO co_space_funds (co_space_id, user_id, updated_at) VALUES ($1, $2, $3)
              ON CONFLICT (co_space_id, user_id) DO NOTHING`
	if _, err := t.q.ExecContext(ctx, query, coSpaceID, memberID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("creating member fund: %w", err)
	}
	return getFund(ctx, t.q, MemberFundRef(coSpaceID, memberID), true)
}

func (t *pgTx) CreateFund(ctx context.Context, f *Fund) error {
	var err error
	if f.Kind == FundCoSpace {
		query := `INSERT INTO co_space_funds (co_space_id, user_id, total, remaining, monthly_total, yearly_total, updated_at)
                  VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (co_space_id, user_id) DO NOTHING`
		_, err = t.q.ExecContext(ctx, query, f.CoSpaceID, f.OwnerID, f.Total, f.Remaining, f.MonthlyTotal, f.YearlyTotal, f.UpdatedAt)
	} else {
		query := `INSERT INTO user_funds (user_id, total, remaining, monthly_total, yearly_total, updated_at)
                  VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_id) DO NOTHING`
		_, err = t.q.ExecContext(ctx, query, f.OwnerID, f.Total, f.Remaining, f.MonthlyTotal, f.YearlyTotal, f.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("inserting fund %s: %w", f.FundRef, err)
	}
	return nil
}

func (t *pgTx) SaveFund(ctx context.Context, f *Fund) error {
	var (
		res sql.Result
		err error
	)
	if f.Kind == FundCoSpace {
		query := `UPDATE co_space_funds SET total = $1, remaining = $2, monthly_total = $3, yearly_total = $4, updated_at = $5
                  WHERE co_space_id = $6 AND user_id = $7`
		res, err = t.q.ExecContext(ctx, query, f.Total, f.Remaining, f.MonthlyTotal, f.YearlyTotal, f.UpdatedAt, f.CoSpaceID, f.OwnerID)
	} else {
		query := `UPDATE user_funds SET total = $1, remaining = $2, monthly_total = $3, yearly_total = $4, updated_at = $5
                  WHERE user_id = $6`
		res, err = t.q.ExecContext(ctx, query, f.Total, f.Remaining, f.MonthlyTotal, f.YearlyTotal, f.UpdatedAt, f.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("updating fund %s: %w", f.FundRef, err)
	}
	return expectOneRow(res, ErrFundNotFound)
}

func (t *pgTx) InsertExpense(ctx context.Context, e *Expense) error {
	query := `INSERT INTO expenses (id, payer_id, co_space_id, amount, note, funding_source, beneficiary, related_user_id, status, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.q.ExecContext(
		ctx,
		query,
		e.ID,
		e.PayerID,
		e.CoSpaceID,
		e.Amount,
		e.Note,
		e.Source,
		e.Beneficiary,
		e.RelatedUserID,
		e.Status,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting expense: %w", err)
	}
	return nil
}

func (t *pgTx) InsertApprovals(ctx context.Context, approvals []ApprovalRecord) error {
	query := `INSERT INTO expense_approvals (id, expense_id, approver_id, decision, decided_at, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, a := range approvals {
		_, err := t.q.ExecContext(ctx, query, a.ID, a.ExpenseID, a.ApproverID, a.Decision, a.DecidedAt, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting approval: %w", err)
		}
	}
	return nil
}

func (t *pgTx) LockExpense(ctx context.Context, id uuid.UUID) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1 FOR UPDATE`

	var e Expense
	if err := scanExpense(t.q.QueryRowContext(ctx, query, id), &e); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrExpenseNotFound
		}
		return nil, fmt.Errorf("locking expense: %w", err)
	}
	return &e, nil
}

func (t *pgTx) LockApproval(ctx context.Context, expenseID, approverID uuid.UUID) (*ApprovalRecord, error) {
	query := `SELECT ` + approvalColumns + ` FROM expense_approvals WHERE expense_id = $1 AND approver_id = $2 FOR UPDATE`

	var a ApprovalRecord
	if err := scanApproval(t.q.QueryRowContext(ctx, query, expenseID, approverID), &a); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrApprovalNotFound
		}
		return nil, fmt.Errorf("locking approval: %w", err)
	}
	return &a, nil
}

func (t *pgTx) SaveExpense(ctx context.Context, e *Expense) error {
	query := `UPDATE expenses SET status = $1, updated_at = $2 WHERE id = $3`
	res, err := t.q.ExecContext(ctx, query, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("updating expense: %w", err)
	}
	return expectOneRow(res, ErrExpenseNotFound)
}

func (t *pgTx) SaveApproval(ctx context.Context, a *ApprovalRecord) error {
	query := `UPDATE expense_approvals SET decision = $1, decided_at = $2 WHERE id = $3`
	res, err := t.q.ExecContext(ctx, query, a.Decision, a.DecidedAt, a.ID)
	if err != nil {
		return fmt.Errorf("updating approval: %w", err)
	}
	return expectOneRow(res, ErrApprovalNotFound)
}

func (t *pgTx) CountPendingApprovals(ctx context.Context, expenseID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM expense_approvals WHERE expense_id = $1 AND decision = 'pending'`

	var count int
	err := t.q.QueryRowContext(ctx, query, expenseID).Scan(&count)
	return count, err
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	if n > 1 {
		return errors.New("ledger: update touched more than one row")
	}
	return nil
}

var _ Store = (*repository)(nil)
