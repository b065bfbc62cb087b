package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. Each row has its own lock,
// taken by Lock* calls and held until the transaction ends; writes are staged
// on the transaction and only become visible on commit.
type MemoryStore struct {
	mu        sync.RWMutex
	funds     map[FundRef]Fund
	expenses  map[uuid.UUID]Expense
	approvals map[uuid.UUID]ApprovalRecord

	rowsMu sync.Mutex
	rows   map[string]*rowLock
}

// rowLock is a one-slot semaphore. refs counts the transactions holding or
// waiting on it; the entry is dropped when it reaches zero.
type rowLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		funds:     make(map[FundRef]Fund),
		expenses:  make(map[uuid.UUID]Expense),
		approvals: make(map[uuid.UUID]ApprovalRecord),
		rows:      make(map[string]*rowLock),
	}
}

func (s *MemoryStore) acquireRow(key string) *rowLock {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()

	row, exists := s.rows[key]
	if !exists {
		row = &rowLock{ch: make(chan struct{}, 1)}
		s.rows[key] = row
	}
	row.refs++
	return row
}

func (s *MemoryStore) dropRow(key string, row *rowLock) {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()

	row.refs--
	if row.refs == 0 {
		delete(s.rows, key)
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{
		s:         s,
		held:      make(map[string]*rowLock),
		funds:     make(map[FundRef]Fund),
		expenses:  make(map[uuid.UUID]Expense),
		approvals: make(map[uuid.UUID]ApprovalRecord),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetFund(_ context.Context, ref FundRef) (*Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.funds[ref]
	if !ok {
		return nil, ErrFundNotFound
	}
	return &f, nil
}

func (s *MemoryStore) GetExpense(_ context.Context, id uuid.UUID) (*Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.expenses[id]
	if !ok {
		return nil, ErrExpenseNotFound
	}
	return &e, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, expenseID uuid.UUID) ([]ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ApprovalRecord
	for _, a := range s.approvals {
		if a.ExpenseID == expenseID {
			result = append(result, a)
		}
	}
	slices.SortFunc(result, func(a, b ApprovalRecord) int {
		return compareIDs(a.ApproverID, b.ApproverID)
	})
	return result, nil
}

func (s *MemoryStore) PendingApprovals(_ context.Context, userID uuid.UUID) ([]PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []PendingApproval
	for _, a := range s.approvals {
		if a.ApproverID != userID || a.Decision != DecisionPending {
			continue
		}
		e, ok := s.expenses[a.ExpenseID]
		if !ok || e.Status != ExpensePending {
			continue
		}
		result = append(result, PendingApproval{Approval: a, Expense: e})
	}
	slices.SortFunc(result, func(a, b PendingApproval) int {
		return a.Expense.CreatedAt.Compare(b.Expense.CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) RecentExpenses(_ context.Context, payerID uuid.UUID, limit int) ([]Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Expense
	for _, e := range s.expenses {
		if e.PayerID == payerID {
			result = append(result, e)
		}
	}
	slices.SortFunc(result, func(a, b Expense) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) CountPendingApprovals(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.approvals {
		if a.ApproverID != userID || a.Decision != DecisionPending {
			continue
		}
		if e, ok := s.expenses[a.ExpenseID]; ok && e.Status == ExpensePending {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CoSpaceFunds(_ context.Context, coSpaceID uuid.UUID) ([]Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Fund
	for ref, f := range s.funds {
		if ref.Kind == FundCoSpace && ref.CoSpaceID == coSpaceID {
			result = append(result, f)
		}
	}
	slices.SortFunc(result, func(a, b Fund) int {
		return compareIDs(a.OwnerID, b.OwnerID)
	})
	return result, nil
}

func (s *MemoryStore) CountPendingCoSpaceExpenses(_ context.Context, coSpaceID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.expenses {
		if e.CoSpaceID.Valid && e.CoSpaceID.UUID == coSpaceID && e.Status == ExpensePending {
			count++
		}
	}
	return count, nil
}

type memoryTx struct {
	s    *MemoryStore
	held map[string]*rowLock

	funds     map[FundRef]Fund
	expenses  map[uuid.UUID]Expense
	approvals map[uuid.UUID]ApprovalRecord
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	row := t.s.acquireRow(key)
	select {
	case row.ch <- struct{}{}:
		t.held[key] = row
		return nil
	case <-ctx.Done():
		t.s.dropRow(key, row)
		return ctx.Err()
	}
}

func (t *memoryTx) release() {
	for key, row := range t.held {
		<-row.ch
		t.s.dropRow(key, row)
		delete(t.held, key)
	}
}

func (t *memoryTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for ref, f := range t.funds {
		t.s.funds[ref] = f
	}
	for id, e := range t.expenses {
		t.s.expenses[id] = e
	}
	for id, a := range t.approvals {
		t.s.approvals[id] = a
	}
}

func fundKey(ref FundRef) string      { return "fund:" + ref.String() }
func expenseKey(id uuid.UUID) string  { return "expense:" + id.String() }
func approvalKey(id uuid.UUID) string { return "approval:" + id.String() }

func (t *memoryTx) fund(ref FundRef) (Fund, bool) {
	if f, ok := t.funds[ref]; ok {
		return f, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	f, ok := t.s.funds[ref]
	return f, ok
}

func (t *memoryTx) LockFund(ctx context.Context, ref FundRef) (*Fund, error) {
	if err := t.lock(ctx, fundKey(ref)); err != nil {
		return nil, err
	}
	f, ok := t.fund(ref)
	if !ok {
		return nil, ErrFundNotFound
	}
	return &f, nil
}

func (t *memoryTx) LockOrCreateMemberFund(ctx context.Context, coSpaceID, memberID uuid.UUID) (*Fund, error) {
	ref := MemberFundRef(coSpaceID, memberID)
	if err := t.lock(ctx, fundKey(ref)); err != nil {
		return nil, err
	}
	if f, ok := t.fund(ref); ok {
		return &f, nil
	}
	f := newFund(ref, time.Now().UTC())
	t.funds[ref] = *f
	return f, nil
}

func (t *memoryTx) CreateFund(ctx context.Context, f *Fund) error {
	if err := t.lock(ctx, fundKey(f.FundRef)); err != nil {
		return err
	}
	if _, ok := t.fund(f.FundRef); ok {
		return nil
	}
	t.funds[f.FundRef] = *f
	return nil
}

func (t *memoryTx) SaveFund(ctx context.Context, f *Fund) error {
	if err := t.lock(ctx, fundKey(f.FundRef)); err != nil {
		return err
	}
	t.funds[f.FundRef] = *f
	return nil
}

func (t *memoryTx) InsertExpense(ctx context.Context, e *Expense) error {
	if err := t.lock(ctx, expenseKey(e.ID)); err != nil {
		return err
	}
	t.expenses[e.ID] = *e
	return nil
}

func (t *memoryTx) InsertApprovals(ctx context.Context, approvals []ApprovalRecord) error {
	for _, a := range approvals {
		if err := t.lock(ctx, approvalKey(a.ID)); err != nil {
			return err
		}
		t.approvals[a.ID] = a
	}
	return nil
}

func (t *memoryTx) LockExpense(ctx context.Context, id uuid.UUID) (*Expense, error) {
	if err := t.lock(ctx, expenseKey(id)); err != nil {
		return nil, err
	}
	if e, ok := t.expenses[id]; ok {
		return &e, nil
	}
	t.s.mu.RLock()
	e, ok := t.s.expenses[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrExpenseNotFound
	}
	return &e, nil
}

func (t *memoryTx) LockApproval(ctx context.Context, expenseID, approverID uuid.UUID) (*ApprovalRecord, error) {
	var (
		found ApprovalRecord
		ok    bool
	)
	for _, a := range t.approvalsOf(expenseID) {
		if a.ApproverID == approverID {
			found, ok = a, true
			break
		}
	}
	if !ok {
		return nil, ErrApprovalNotFound
	}
	if err := t.lock(ctx, approvalKey(found.ID)); err != nil {
		return nil, err
	}
	// Re-read under the row lock.
	for _, a := range t.approvalsOf(expenseID) {
		if a.ID == found.ID {
			return &a, nil
		}
	}
	return nil, ErrApprovalNotFound
}

func (t *memoryTx) SaveExpense(ctx context.Context, e *Expense) error {
	if err := t.lock(ctx, expenseKey(e.ID)); err != nil {
		return err
	}
	t.expenses[e.ID] = *e
	return nil
}

func (t *memoryTx) SaveApproval(ctx context.Context, a *ApprovalRecord) error {
	if err := t.lock(ctx, approvalKey(a.ID)); err != nil {
		return err
	}
	t.approvals[a.ID] = *a
	return nil
}

func (t *memoryTx) CountPendingApprovals(_ context.Context, expenseID uuid.UUID) (int, error) {
	count := 0
	for _, a := range t.approvalsOf(expenseID) {
		if a.Decision == DecisionPending {
			count++
		}
	}
	return count, nil
}

// approvalsOf merges committed approvals of an expense with this
// transaction's staged writes.
func (t *memoryTx) approvalsOf(expenseID uuid.UUID) []ApprovalRecord {
	merged := make(map[uuid.UUID]ApprovalRecord)
	t.s.mu.RLock()
	for id, a := range t.s.approvals {
		if a.ExpenseID == expenseID {
			merged[id] = a
		}
	}
	t.s.mu.RUnlock()
	for id, a := range t.approvals {
		if a.ExpenseID == expenseID {
			merged[id] = a
		}
	}

	result := make([]ApprovalRecord, 0, len(merged))
	for _, a := range merged {
		result = append(result, a)
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
