// internal/service/lending/infrastructure/memory/loan_ledger.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"circulation/internal/service/lending/domain"
)

// LoanLedger 是 domain.LoanLedger 的内存实现。
// active 索引充当 (user, title, ACTIVE) 唯一约束。
type LoanLedger struct {
	mu     sync.RWMutex
	loans  map[string]*domain.Loan
	active map[string]string // userID|titleID -> loanID
}

func NewLoanLedger() *LoanLedger {
	return &LoanLedger{
		loans:  make(map[string]*domain.Loan),
		active: make(map[string]string),
	}
}

func activeKey(userID, titleID string) string {
	return userID + "|" + titleID
}

func (r *LoanLedger) FindActiveLoan(ctx context.Context, userID, titleID string) (*domain.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[activeKey(userID, titleID)]
	if !ok {
		return nil, nil
	}
	return r.loans[id].Clone(), nil
}

func (r *LoanLedger) Create(ctx context.Context, loan *domain.Loan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.loans[loan.ID]; exists {
		return fmt.Errorf("loan %s: %w", loan.ID, domain.ErrAlreadyExists)
	}
	key := activeKey(loan.UserID, loan.TitleID)
	if loan.IsActive() {
		if _, dup := r.active[key]; dup {
			return domain.ErrDuplicateActiveLoan
		}
		r.active[key] = loan.ID
	}
	r.loans[loan.ID] = loan.Clone()
	return nil
}

func (r *LoanLedger) Get(ctx context.Context, loanID string) (*domain.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.loans[loanID]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", loanID, domain.ErrNotFound)
	}
	return l.Clone(), nil
}

// Update 只允许修改仍为 ACTIVE 的记录
func (r *LoanLedger) Update(ctx context.Context, loan *domain.Loan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.loans[loan.ID]
	if !ok {
		return fmt.Errorf("loan %s: %w", loan.ID, domain.ErrNotFound)
	}
	if !stored.IsActive() {
		return fmt.Errorf("%w: loan %s is already %s", domain.ErrInvalidState, loan.ID, stored.Status)
	}
	if !loan.IsActive() {
		delete(r.active, activeKey(stored.UserID, stored.TitleID))
	}
	r.loans[loan.ID] = loan.Clone()
	return nil
}

func (r *LoanLedger) ListByUser(ctx context.Context, userID string) ([]*domain.Loan, error) {
	return r.ListAll(ctx, domain.LoanFilter{UserID: userID})
}

func (r *LoanLedger) ListAll(ctx context.Context, filter domain.LoanFilter) ([]*domain.Loan, error) {
	r.mu.RLock()
	out := make([]*domain.Loan, 0)
	for _, l := range r.loans {
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.TitleID != "" && l.TitleID != filter.TitleID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		out = append(out, l.Clone())
	}
	r.mu.RUnlock()

	// 最新的在前，时间相同时按 ID 保证稳定
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BorrowedAt.Equal(out[j].BorrowedAt) {
			return out[i].BorrowedAt.After(out[j].BorrowedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*domain.Loan{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *LoanLedger) CountActiveByTitle(ctx context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, id := range r.active {
		counts[r.loans[id].TitleID]++
	}
	return counts, nil
}
