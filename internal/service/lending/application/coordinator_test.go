package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"circulation/internal/pkg/metrics"
	"circulation/internal/service/lending/domain"
	"circulation/internal/service/lending/infrastructure/memory"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	stock    *memory.StockLedger
	loans    *memory.LoanLedger
	accounts *memory.AccountDirectory
	cache    *memory.Cache
	clock    *fixedClock
}

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stock:    memory.NewStockLedger(),
		loans:    memory.NewLoanLedger(),
		accounts: memory.NewAccountDirectory(),
		cache:    memory.NewCache(),
		clock:    &fixedClock{now: start},
	}
	for _, id := range []string{"A", "B", "C"} {
		f.accounts.Put(domain.Account{ID: id, Role: domain.RoleStudent, Active: true})
	}
	return f
}

func (f *fixture) coordinator(opts ...Option) *LendingCoordinator {
	base := []Option{WithClock(f.clock), WithKeyLocker(memory.NewKeyLocker())}
	return NewLendingCoordinator(f.stock, f.loans, f.accounts, f.cache, append(base, opts...)...)
}

func (f *fixture) addTitle(t *testing.T, id string, total int) {
	t.Helper()
	require.NoError(t, f.stock.Create(context.Background(), &domain.Title{
		ID: id, Name: "Title " + id, TotalCopies: total, AvailableCopies: total, Status: domain.TitleStatusActive,
	}))
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	title, err := f.stock.Read(context.Background(), id)
	require.NoError(t, err)
	return title.AvailableCopies
}

func TestCoordinator_LendingScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	c := f.coordinator()

	loanA, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusActive, loanA.Status)
	assert.Equal(t, 1, f.available(t, "1"))

	_, err = c.Borrow(ctx, "A", "1")
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveLoan)

	_, err = c.Borrow(ctx, "B", "1")
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, "1"))

	_, err = c.Borrow(ctx, "C", "1")
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	f.clock.Set(start.Add(10 * 24 * time.Hour))
	returned, err := c.ReturnLoan(ctx, loanA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusReturned, returned.Status)
	assert.True(t, returned.FineAmount.IsZero())
	assert.Equal(t, 1, f.available(t, "1"))

	// 缓存中的书目已经失效，读到的是最新库存
	title, err := c.GetTitle(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, title.AvailableCopies)
}

func TestCoordinator_ConcurrentBorrowsGrantExactlyAvailableCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const copies, borrowers = 3, 20
	f.addTitle(t, "hot", copies)
	for i := 0; i < borrowers; i++ {
		f.accounts.Put(domain.Account{ID: fmt.Sprintf("u%d", i), Role: domain.RoleStudent, Active: true})
	}
	c := f.coordinator()

	var wg sync.WaitGroup
	var granted, rejected int32
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := c.Borrow(ctx, user, "hot")
			switch {
			case err == nil:
				atomic.AddInt32(&granted, 1)
			case errors.Is(err, domain.ErrInsufficientStock):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	assert.EqualValues(t, copies, granted)
	assert.EqualValues(t, borrowers-copies, rejected)
	assert.Equal(t, 0, f.available(t, "hot"))
}

func TestCoordinator_ConcurrentDuplicateBorrowsWithoutLocker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 10)
	c := NewLendingCoordinator(f.stock, f.loans, f.accounts, f.cache, WithClock(f.clock))

	var wg sync.WaitGroup
	var granted int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Borrow(ctx, "A", "1"); err == nil {
				atomic.AddInt32(&granted, 1)
			} else {
				assert.ErrorIs(t, err, domain.ErrDuplicateActiveLoan)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, granted)
	// 失败的请求扣减的库存已经补偿回去
	assert.Equal(t, 9, f.available(t, "1"))
}

func TestCoordinator_OverdueFine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	c := f.coordinator()

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)

	f.clock.Set(loan.DueAt.Add(3 * 24 * time.Hour))
	returned, err := c.ReturnLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusOverdue, returned.Status)
	assert.True(t, decimal.NewFromFloat(1.5).Equal(returned.FineAmount))
	require.NotNil(t, returned.ReturnedAt)
}

func TestCoordinator_ReturnAtDueDateIsOnTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	c := f.coordinator()

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)

	f.clock.Set(loan.DueAt)
	returned, err := c.ReturnLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusReturned, returned.Status)
	assert.True(t, returned.FineAmount.IsZero())
}

func TestCoordinator_SecondReturnDoesNotDoubleCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 3)
	c := f.coordinator()

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	_, err = c.ReturnLoan(ctx, loan.ID)
	require.NoError(t, err)

	_, err = c.ReturnLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 3, f.available(t, "1"))
}

func TestCoordinator_ConcurrentReturnsCreditOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 10)
	// 不加锁，让并发归还真正竞争到账本
	c := NewLendingCoordinator(f.stock, f.loans, f.accounts, f.cache, WithClock(f.clock))

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		user := fmt.Sprintf("u%d", i)
		f.accounts.Put(domain.Account{ID: user, Role: domain.RoleStudent, Active: true})
		_, err := c.Borrow(ctx, user, "1")
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.available(t, "1"))

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ReturnLoan(ctx, loan.ID); err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidState)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded)
	assert.Equal(t, 2, f.available(t, "1"))
}

func TestCoordinator_ReturnUnknownLoan(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator().ReturnLoan(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinator_ReturnWithMissingTitleIsIntegrityFault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	loan, err := domain.NewLoan("orphan", "A", "ghost", start)
	require.NoError(t, err)
	require.NoError(t, f.loans.Create(ctx, loan))

	_, err = f.coordinator().ReturnLoan(ctx, "orphan")
	assert.ErrorIs(t, err, domain.ErrIntegrityFault)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "integrity_fault", domain.ErrorKind(err))
}

func TestCoordinator_BorrowRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	require.NoError(t, f.stock.Create(ctx, &domain.Title{ID: "fixing", TotalCopies: 1, AvailableCopies: 1, Status: domain.TitleStatusUnderMaintenance}))
	f.accounts.Put(domain.Account{ID: "frozen", Role: domain.RoleStudent, Active: false})
	c := f.coordinator()

	_, err := c.Borrow(ctx, "nobody", "1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Borrow(ctx, "frozen", "1")
	assert.ErrorIs(t, err, domain.ErrIneligible)

	_, err = c.Borrow(ctx, "A", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Borrow(ctx, "A", "fixing")
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	assert.Equal(t, 1, f.available(t, "1"))
	assert.Equal(t, 1, f.available(t, "fixing"))
}

type policyFunc func(*domain.Account) (bool, error)

func (p policyFunc) Eligible(_ context.Context, a *domain.Account) (bool, error) { return p(a) }

func TestCoordinator_EligibilityPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	f.accounts.Put(domain.Account{ID: "prof", Role: domain.RoleTeacher, Active: true})
	c := f.coordinator(WithEligibilityPolicy(policyFunc(func(a *domain.Account) (bool, error) {
		return a.Role == domain.RoleTeacher, nil
	})))

	_, err := c.Borrow(ctx, "A", "1")
	assert.ErrorIs(t, err, domain.ErrIneligible)

	_, err = c.Borrow(ctx, "prof", "1")
	assert.NoError(t, err)
}

// failingLoanLedger 在指定操作上返回错误，用于验证补偿
type failingLoanLedger struct {
	*memory.LoanLedger
	createErr error
	// committedErr 让 Create 先落库再报错，模拟提交后连接断开
	committedErr error
	getErr       error
	updateErr    error

	// 非空时 Update 进入后先通知 updating，再等待 release 关闭
	updating chan struct{}
	release  chan struct{}
}

func (l *failingLoanLedger) Create(ctx context.Context, loan *domain.Loan) error {
	if l.createErr != nil {
		return l.createErr
	}
	if err := l.LoanLedger.Create(ctx, loan); err != nil {
		return err
	}
	return l.committedErr
}

func (l *failingLoanLedger) Get(ctx context.Context, loanID string) (*domain.Loan, error) {
	if l.getErr != nil {
		return nil, l.getErr
	}
	return l.LoanLedger.Get(ctx, loanID)
}

func (l *failingLoanLedger) Update(ctx context.Context, loan *domain.Loan) error {
	if l.updating != nil {
		l.updating <- struct{}{}
		<-l.release
	}
	if l.updateErr != nil {
		return l.updateErr
	}
	return l.LoanLedger.Update(ctx, loan)
}

// failingStockLedger 让 Increment 失败
type failingStockLedger struct {
	*memory.StockLedger
	incrementErr error
}

func (s *failingStockLedger) Increment(ctx context.Context, titleID string, count int) (bool, error) {
	if s.incrementErr != nil {
		return false, s.incrementErr
	}
	return s.StockLedger.Increment(ctx, titleID, count)
}

func (f *fixture) activeLoans(t *testing.T, titleID string) int {
	t.Helper()
	counts, err := f.loans.CountActiveByTitle(context.Background())
	require.NoError(t, err)
	return counts[titleID]
}

func TestCoordinator_BorrowCompensatesStockWhenLoanWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	ledger := &failingLoanLedger{LoanLedger: f.loans, createErr: errors.New("connection reset")}
	c := NewLendingCoordinator(f.stock, ledger, f.accounts, f.cache, WithClock(f.clock))

	before := testutil.ToFloat64(metrics.Compensations.WithLabelValues(opBorrow, "ok"))
	_, err := c.Borrow(ctx, "A", "1")
	require.Error(t, err)
	assert.Equal(t, "internal", domain.ErrorKind(err))
	assert.Equal(t, 2, f.available(t, "1"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Compensations.WithLabelValues(opBorrow, "ok")))
}

func TestCoordinator_BorrowKeepsLoanCommittedDespiteWriteError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	ledger := &failingLoanLedger{LoanLedger: f.loans, committedErr: context.DeadlineExceeded}
	c := NewLendingCoordinator(f.stock, ledger, f.accounts, f.cache, WithClock(f.clock))

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusActive, loan.Status)

	_, err = c.Borrow(ctx, "B", "1")
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, 0, f.available(t, "1"))
	assert.Equal(t, 1, f.activeLoans(t, "1"))
}

func TestCoordinator_BorrowLeavesStockLowWhenWriteOutcomeUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	ledger := &failingLoanLedger{
		LoanLedger: f.loans,
		createErr:  context.DeadlineExceeded,
		getErr:     errors.New("connection refused"),
	}
	c := NewLendingCoordinator(f.stock, ledger, f.accounts, f.cache, WithClock(f.clock))

	before := testutil.ToFloat64(metrics.Compensations.WithLabelValues(opBorrow, "skipped"))
	_, err := c.Borrow(ctx, "A", "1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// 库存偏低一本，由对账发现
	assert.Equal(t, 1, f.available(t, "1"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Compensations.WithLabelValues(opBorrow, "skipped")))
}

func TestCoordinator_ReturnLeavesStockWhenLoanWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	ledger := &failingLoanLedger{LoanLedger: f.loans}
	c := NewLendingCoordinator(f.stock, ledger, f.accounts, f.cache, WithClock(f.clock))

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	require.Equal(t, 1, f.available(t, "1"))

	ledger.updateErr = errors.New("deadlock")
	_, err = c.ReturnLoan(ctx, loan.ID)
	require.Error(t, err)
	assert.Equal(t, 1, f.available(t, "1"))

	// 重试成功后库存只增加一次
	ledger.updateErr = nil
	_, err = c.ReturnLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.available(t, "1"))
}

func TestCoordinator_ConcurrentReturnsDoNotReleaseExtraCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	f.accounts.Put(domain.Account{ID: "D", Role: domain.RoleStudent, Active: true})
	ledger := &failingLoanLedger{LoanLedger: f.loans}
	// 不加锁，两个归还都能走到 Update
	c := NewLendingCoordinator(f.stock, ledger, f.accounts, f.cache, WithClock(f.clock))

	loanA, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	_, err = c.Borrow(ctx, "B", "1")
	require.NoError(t, err)

	ledger.updating = make(chan struct{}, 2)
	ledger.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.ReturnLoan(ctx, loanA.ID)
		}(i)
	}
	<-ledger.updating
	<-ledger.updating

	// 两个归还都卡在 Update 时，库存还没有被归还
	_, err = c.Borrow(ctx, "C", "1")
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	_, err = c.Borrow(ctx, "D", "1")
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	close(ledger.release)
	wg.Wait()

	var succeeded int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidState)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.available(t, "1"))
	assert.Equal(t, 1, f.activeLoans(t, "1"))
}

func TestCoordinator_ReturnCreditFailureIsIntegrityFault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	stock := &failingStockLedger{StockLedger: f.stock}
	c := NewLendingCoordinator(stock, f.loans, f.accounts, f.cache, WithClock(f.clock))

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)

	stock.incrementErr = errors.New("i/o timeout")
	_, err = c.ReturnLoan(ctx, loan.ID)
	require.ErrorIs(t, err, domain.ErrIntegrityFault)

	// 借阅已经关闭，库存不重试归还
	stored, err := f.loans.Get(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusReturned, stored.Status)
	assert.Equal(t, 1, f.available(t, "1"))

	_, err = c.ReturnLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCoordinator_TracesOperationsAndCompensation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t)
	f.addTitle(t, "1", 1)
	ledger := &failingLoanLedger{LoanLedger: f.loans, createErr: domain.ErrDuplicateActiveLoan}
	c := NewLendingCoordinator(f.stock, ledger, f.accounts, f.cache, WithClock(f.clock), WithTracer(tp.Tracer("test")))

	_, err := c.Borrow(context.Background(), "A", "1")
	require.ErrorIs(t, err, domain.ErrDuplicateActiveLoan)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}
	require.Contains(t, spans, "app.Borrow")
	require.Contains(t, spans, "saga.compensation.borrow")
	assert.Equal(t, codes.Error, spans["app.Borrow"].Status().Code)
	assert.Equal(t, "duplicate_active_loan", spans["app.Borrow"].Status().Description)
	// 补偿 span 与请求在同一条链路上
	assert.Equal(t, spans["app.Borrow"].SpanContext().TraceID(), spans["saga.compensation.borrow"].SpanContext().TraceID())
}

func TestCoordinator_OperationsMetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	c := f.coordinator()

	okBefore := testutil.ToFloat64(metrics.Operations.WithLabelValues(opBorrow, "ok"))
	stockBefore := testutil.ToFloat64(metrics.Operations.WithLabelValues(opBorrow, "insufficient_stock"))

	_, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	_, err = c.Borrow(ctx, "B", "1")
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.Operations.WithLabelValues(opBorrow, "ok")))
	assert.Equal(t, stockBefore+1, testutil.ToFloat64(metrics.Operations.WithLabelValues(opBorrow, "insufficient_stock")))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LoanEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.LoanEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func TestCoordinator_PublishesLoanEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	pub := &recordingPublisher{}
	c := f.coordinator(WithEventPublisher(pub), WithIDGenerator(func() string { return "loan-1" }))

	loan, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	assert.Equal(t, "loan-1", loan.ID)
	_, err = c.ReturnLoan(ctx, loan.ID)
	require.NoError(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, domain.EventLoanBorrowed, pub.events[0].Type)
	assert.Equal(t, domain.EventLoanReturned, pub.events[1].Type)
	assert.Equal(t, domain.LoanStatusReturned, pub.events[1].Status)
	assert.NotEmpty(t, pub.events[0].EventID)
}

func TestCoordinator_PublishFailureDoesNotFailBorrow(t *testing.T) {
	f := newFixture(t)
	f.addTitle(t, "1", 1)
	c := f.coordinator(WithEventPublisher(&recordingPublisher{err: errors.New("broker down")}))

	_, err := c.Borrow(context.Background(), "A", "1")
	assert.NoError(t, err)
}

func TestCoordinator_ListLoans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addTitle(t, "1", 2)
	f.addTitle(t, "2", 2)
	c := f.coordinator()

	_, err := c.Borrow(ctx, "A", "1")
	require.NoError(t, err)
	f.clock.Set(start.Add(time.Minute))
	_, err = c.Borrow(ctx, "A", "2")
	require.NoError(t, err)
	_, err = c.Borrow(ctx, "B", "1")
	require.NoError(t, err)

	mine, err := c.ListUserLoans(ctx, "A")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "2", mine[0].TitleID)

	onTitle, err := c.ListLoans(ctx, domain.LoanFilter{TitleID: "1"})
	require.NoError(t, err)
	assert.Len(t, onTitle, 2)
}
