package memory

import (
	"context"
	"testing"
	"time"

	"circulation/internal/service/lending/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func mustLoan(t *testing.T, id, user, title string, at time.Time) *domain.Loan {
	t.Helper()
	l, err := domain.NewLoan(id, user, title, at)
	require.NoError(t, err)
	return l
}

func TestLoanLedger_CreateRejectsSecondActiveLoan(t *testing.T) {
	ctx := context.Background()
	r := NewLoanLedger()

	require.NoError(t, r.Create(ctx, mustLoan(t, "l1", "u1", "t1", t0)))
	err := r.Create(ctx, mustLoan(t, "l2", "u1", "t1", t0))
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveLoan)

	// 其他书目不受影响
	require.NoError(t, r.Create(ctx, mustLoan(t, "l3", "u1", "t2", t0)))
}

func TestLoanLedger_UpdateIsCompareAndSetOnActive(t *testing.T) {
	ctx := context.Background()
	r := NewLoanLedger()
	require.NoError(t, r.Create(ctx, mustLoan(t, "l1", "u1", "t1", t0)))

	first, _ := r.Get(ctx, "l1")
	second, _ := r.Get(ctx, "l1")

	require.NoError(t, first.MarkReturned(t0.Add(time.Hour)))
	require.NoError(t, r.Update(ctx, first))

	require.NoError(t, second.MarkReturned(t0.Add(2*time.Hour)))
	assert.ErrorIs(t, r.Update(ctx, second), domain.ErrInvalidState)

	active, err := r.FindActiveLoan(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Nil(t, active)

	// 归还后可以再次借阅同一本书
	require.NoError(t, r.Create(ctx, mustLoan(t, "l2", "u1", "t1", t0.Add(3*time.Hour))))
}

func TestLoanLedger_ListAllFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	r := NewLoanLedger()
	require.NoError(t, r.Create(ctx, mustLoan(t, "l1", "u1", "t1", t0)))
	require.NoError(t, r.Create(ctx, mustLoan(t, "l2", "u1", "t2", t0.Add(time.Hour))))
	require.NoError(t, r.Create(ctx, mustLoan(t, "l3", "u2", "t1", t0.Add(2*time.Hour))))

	byUser, err := r.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "l2", byUser[0].ID)

	page, err := r.ListAll(ctx, domain.LoanFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "l2", page[0].ID)

	byTitle, _ := r.ListAll(ctx, domain.LoanFilter{TitleID: "t1", Status: domain.LoanStatusActive})
	assert.Len(t, byTitle, 2)

	empty, _ := r.ListAll(ctx, domain.LoanFilter{Offset: 10})
	assert.Empty(t, empty)
}

func TestLoanLedger_CountActiveByTitle(t *testing.T) {
	ctx := context.Background()
	r := NewLoanLedger()
	require.NoError(t, r.Create(ctx, mustLoan(t, "l1", "u1", "t1", t0)))
	require.NoError(t, r.Create(ctx, mustLoan(t, "l2", "u2", "t1", t0)))
	require.NoError(t, r.Create(ctx, mustLoan(t, "l3", "u1", "t2", t0)))

	returned, _ := r.Get(ctx, "l3")
	require.NoError(t, returned.MarkReturned(t0))
	require.NoError(t, r.Update(ctx, returned))

	counts, err := r.CountActiveByTitle(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"t1": 2}, counts)
}
