// internal/service/lending/application/coordinator.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/metrics"
	"circulation/internal/service/lending/domain"
	"circulation/internal/service/lending/domain/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	opBorrow = "borrow"
	opReturn = "return"

	DefaultCacheTTL     = time.Hour
	compensationTimeout = 5 * time.Second
)

// LendingCoordinator 编排借阅和归还流程。
// 库存的正确性只依赖 StockLedger 的条件更新和 LoanLedger 的唯一约束，
// 缓存、锁和事件都是可选的辅助设施。
type LendingCoordinator struct {
	stock    domain.StockLedger
	loans    domain.LoanLedger
	accounts domain.AccountDirectory
	cache    port.Cache

	policy port.EligibilityPolicy
	locker port.KeyLocker
	events port.EventPublisher
	clock  port.Clock
	tracer trace.Tracer

	titleTTL   time.Duration
	accountTTL time.Duration
	newID      func() string

	reads singleflight.Group
}

// Option 用于定制 LendingCoordinator 的可选依赖
type Option func(*LendingCoordinator)

func WithEligibilityPolicy(p port.EligibilityPolicy) Option {
	return func(c *LendingCoordinator) { c.policy = p }
}

func WithKeyLocker(l port.KeyLocker) Option {
	return func(c *LendingCoordinator) { c.locker = l }
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(c *LendingCoordinator) { c.events = p }
}

func WithClock(clock port.Clock) Option {
	return func(c *LendingCoordinator) { c.clock = clock }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *LendingCoordinator) { c.tracer = t }
}

func WithCacheTTL(title, account time.Duration) Option {
	return func(c *LendingCoordinator) {
		c.titleTTL = title
		c.accountTTL = account
	}
}

// WithIDGenerator 替换借阅记录 ID 的生成方式，默认使用 UUID
func WithIDGenerator(gen func() string) Option {
	return func(c *LendingCoordinator) { c.newID = gen }
}

// NewLendingCoordinator 创建借还编排服务，所有依赖都显式传入
func NewLendingCoordinator(stock domain.StockLedger, loans domain.LoanLedger, accounts domain.AccountDirectory, cache port.Cache, opts ...Option) *LendingCoordinator {
	c := &LendingCoordinator{
		stock:      stock,
		loans:      loans,
		accounts:   accounts,
		cache:      cache,
		clock:      port.SystemClock{},
		tracer:     otel.Tracer("lending-coordinator"),
		titleTTL:   DefaultCacheTTL,
		accountTTL: DefaultCacheTTL,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Borrow 为 userID 借出一本 titleID
func (c *LendingCoordinator) Borrow(ctx context.Context, userID, titleID string) (loan *domain.Loan, err error) {
	ctx, span := c.tracer.Start(ctx, "app.Borrow")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("title.id", titleID),
	)
	defer func() { c.finish(ctx, span, opBorrow, err) }()

	release, err := c.acquire(ctx, "borrow:"+userID+":"+titleID)
	if err != nil {
		return nil, err
	}
	defer release()

	// 1. 账户资格
	account, err := c.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.checkEligible(ctx, account); err != nil {
		return nil, err
	}

	// 2. 书目状态（可能来自缓存，真正的闸门是第 4 步）
	title, err := c.GetTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	if !title.IsLendable() {
		return nil, fmt.Errorf("%w: title %s is %s", domain.ErrUnavailable, titleID, title.Status)
	}

	// 3. 重复借阅预检查，最终由 LoanLedger.Create 的唯一约束兜底
	existing, err := c.loans.FindActiveLoan(ctx, userID, titleID)
	if err != nil {
		return nil, fmt.Errorf("find active loan: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: loan %s", domain.ErrDuplicateActiveLoan, existing.ID)
	}

	// 4. 原子扣减库存
	ok, err := c.stock.TryDecrement(ctx, titleID, 1)
	if err != nil {
		return nil, fmt.Errorf("decrement stock: %w", err)
	}
	if !ok {
		// 缓存中的可借数量已经过时
		c.invalidate(ctx, domain.TitleCacheKey(titleID))
		return nil, fmt.Errorf("%w: title %s", domain.ErrInsufficientStock, titleID)
	}
	span.AddEvent("Stock decremented")

	// 5. 写入借阅记录，确认没有写入时才归还库存
	loan, err = domain.NewLoan(c.newID(), userID, titleID, c.clock.Now())
	if err != nil {
		c.compensate(ctx, opBorrow, titleID, c.releaseCopy(titleID))
		return nil, err
	}
	if err := c.loans.Create(ctx, loan); err != nil {
		if err := c.settleFailedCreate(ctx, loan, err); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("loan.id", loan.ID))

	// 6. 让书目缓存失效
	c.invalidate(ctx, domain.TitleCacheKey(titleID))

	// 7. 发布事件
	c.publish(ctx, domain.EventLoanBorrowed, loan)

	logger.Ctx(ctx).Info().
		Str("loan_id", loan.ID).
		Str("user_id", userID).
		Str("title_id", titleID).
		Time("due_at", loan.DueAt).
		Msg("Loan created")
	return loan, nil
}

// ReturnLoan 归还 loanID 对应的借阅，逾期时计算罚金
func (c *LendingCoordinator) ReturnLoan(ctx context.Context, loanID string) (loan *domain.Loan, err error) {
	ctx, span := c.tracer.Start(ctx, "app.ReturnLoan")
	defer span.End()
	span.SetAttributes(attribute.String("loan.id", loanID))
	defer func() { c.finish(ctx, span, opReturn, err) }()

	release, err := c.acquire(ctx, "loan:"+loanID)
	if err != nil {
		return nil, err
	}
	defer release()

	// 1. 读取借阅记录
	loan, err = c.loans.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsActive() {
		return nil, fmt.Errorf("%w: loan %s is %s", domain.ErrInvalidState, loanID, loan.Status)
	}
	titleID := loan.TitleID
	span.SetAttributes(attribute.String("title.id", titleID), attribute.String("user.id", loan.UserID))

	// 2. 书目必须存在于权威库存中
	if _, err := c.stock.Read(ctx, titleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: loan %s references a missing title: %w", domain.ErrIntegrityFault, loanID, err)
		}
		return nil, fmt.Errorf("read title: %w", err)
	}

	// 3. 状态流转和罚金，now 只取一次
	if err := loan.MarkReturned(c.clock.Now()); err != nil {
		return nil, err
	}

	// 4. 先用 CAS 认领这笔借阅，只有一个并发归还能成功，失败者不会碰库存
	if err := c.loans.Update(ctx, loan); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("persist loan: %w", err)
	}
	span.AddEvent("Loan claimed")

	// 5. 归还库存。失败时不重试：结果可能已经提交，重复入库会导致超借，库存偏低留给对账
	ok, err := c.stock.Increment(ctx, titleID, 1)
	if err == nil && !ok {
		err = fmt.Errorf("%w: increment of title %s was rejected", domain.ErrIntegrityFault, titleID)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrIntegrityFault) {
			err = fmt.Errorf("%w: loan %s is closed but its copy was not credited: %w", domain.ErrIntegrityFault, loanID, err)
		}
		return nil, err
	}
	span.AddEvent("Stock incremented")

	// 6. 让书目缓存失效
	c.invalidate(ctx, domain.TitleCacheKey(titleID))

	// 7. 发布事件
	c.publish(ctx, domain.EventLoanReturned, loan)

	logger.Ctx(ctx).Info().
		Str("loan_id", loan.ID).
		Str("status", string(loan.Status)).
		Str("fine", loan.FineAmount.String()).
		Msg("Loan returned")
	return loan, nil
}

// RegisterTitle 录入一个新书目
func (c *LendingCoordinator) RegisterTitle(ctx context.Context, title *domain.Title) error {
	ctx, span := c.tracer.Start(ctx, "app.RegisterTitle")
	defer span.End()

	if err := c.stock.Create(ctx, title); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "register title failed")
		return err
	}
	c.invalidate(ctx, domain.TitleCacheKey(title.ID))
	return nil
}

// GetTitle 先查缓存，未命中再读库存账本
func (c *LendingCoordinator) GetTitle(ctx context.Context, titleID string) (*domain.Title, error) {
	ctx, span := c.tracer.Start(ctx, "app.GetTitle")
	defer span.End()

	title, err := readThrough(ctx, c, "title", domain.TitleCacheKey(titleID), c.titleTTL, func(ctx context.Context) (*domain.Title, error) {
		return c.stock.Read(ctx, titleID)
	})
	if err != nil {
		span.RecordError(err)
	}
	return title, err
}

// GetAccount 先查缓存，未命中再查账户目录
func (c *LendingCoordinator) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	ctx, span := c.tracer.Start(ctx, "app.GetAccount")
	defer span.End()

	account, err := readThrough(ctx, c, "account", domain.AccountCacheKey(accountID), c.accountTTL, func(ctx context.Context) (*domain.Account, error) {
		return c.accounts.GetAccount(ctx, accountID)
	})
	if err != nil {
		span.RecordError(err)
	}
	return account, err
}

// ListLoans 查询借阅记录，仅用于展示
func (c *LendingCoordinator) ListLoans(ctx context.Context, filter domain.LoanFilter) ([]*domain.Loan, error) {
	ctx, span := c.tracer.Start(ctx, "app.ListLoans")
	defer span.End()

	return c.loans.ListAll(ctx, filter)
}

// ListUserLoans 返回某个用户的全部借阅记录，最新的在前
func (c *LendingCoordinator) ListUserLoans(ctx context.Context, userID string) ([]*domain.Loan, error) {
	ctx, span := c.tracer.Start(ctx, "app.ListUserLoans")
	defer span.End()

	return c.loans.ListByUser(ctx, userID)
}

func (c *LendingCoordinator) checkEligible(ctx context.Context, account *domain.Account) error {
	if !account.Active {
		return fmt.Errorf("%w: account %s is inactive", domain.ErrIneligible, account.ID)
	}
	if c.policy == nil {
		return nil
	}
	ok, err := c.policy.Eligible(ctx, account)
	if err != nil {
		return fmt.Errorf("evaluate eligibility: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: account %s is rejected by policy", domain.ErrIneligible, account.ID)
	}
	return nil
}

func (c *LendingCoordinator) acquire(ctx context.Context, key string) (func(), error) {
	if c.locker == nil {
		return func() {}, nil
	}
	release, err := c.locker.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return release, nil
}

// invalidate 失败只记录日志，缓存条目最多在 TTL 后过期
func (c *LendingCoordinator) invalidate(ctx context.Context, keys ...string) {
	if err := c.cache.Invalidate(ctx, keys...); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Strs("keys", keys).Msg("Cache invalidation failed")
	}
}

func (c *LendingCoordinator) publish(ctx context.Context, typ domain.EventType, loan *domain.Loan) {
	if c.events == nil {
		return
	}
	event := domain.LoanEvent{
		EventID:    uuid.NewString(),
		Type:       typ,
		LoanID:     loan.ID,
		UserID:     loan.UserID,
		TitleID:    loan.TitleID,
		Status:     loan.Status,
		FineAmount: loan.FineAmount,
		OccurredAt: c.clock.Now(),
	}
	if err := c.events.Publish(ctx, event); err != nil {
		trace.SpanFromContext(ctx).AddEvent("Event publish failed", trace.WithAttributes(attribute.String("event.type", string(typ))))
		logger.Ctx(ctx).Warn().Err(err).Str("loan_id", loan.ID).Str("event_type", string(typ)).Msg("Failed to publish loan event")
	}
}

func (c *LendingCoordinator) releaseCopy(titleID string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.stock.Increment(ctx, titleID, 1)
		return err
	}
}

// settleFailedCreate 决定借阅记录写入失败后如何处理已经扣减的库存。
// 返回 nil 表示记录实际上已经落库，借阅照常完成。
func (c *LendingCoordinator) settleFailedCreate(ctx context.Context, loan *domain.Loan, createErr error) error {
	titleID := loan.TitleID

	// 1. 明确的拒绝：记录一定没有写入
	if errors.Is(createErr, domain.ErrDuplicateActiveLoan) || errors.Is(createErr, domain.ErrAlreadyExists) {
		c.compensate(ctx, opBorrow, titleID, c.releaseCopy(titleID))
		if errors.Is(createErr, domain.ErrDuplicateActiveLoan) {
			return createErr
		}
		return fmt.Errorf("persist loan: %w", createErr)
	}

	// 2. 结果未知（超时、连接断开），回读确认
	readCtx, cancel := detach(ctx)
	defer cancel()
	_, getErr := c.loans.Get(readCtx, loan.ID)
	switch {
	case getErr == nil:
		logger.Ctx(ctx).Warn().Err(createErr).Str("loan_id", loan.ID).Msg("Loan write reported failure but the loan is persisted")
		return nil
	case errors.Is(getErr, domain.ErrNotFound):
		c.compensate(ctx, opBorrow, titleID, c.releaseCopy(titleID))
		return fmt.Errorf("persist loan: %w", createErr)
	}

	// 3. 无法确认时不归还库存，宁可偏低也不超借
	metrics.Compensations.WithLabelValues(opBorrow, "skipped").Inc()
	logger.Ctx(ctx).Error().Err(createErr).
		Bool("critical", true).
		AnErr("verify_error", getErr).
		Str("loan_id", loan.ID).
		Str("title_id", titleID).
		Msg("Loan write outcome unknown, stock left decremented for reconciliation")
	return fmt.Errorf("persist loan: %w", createErr)
}

// detach 返回一个脱离请求超时的上下文，只保留链路关联
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx)), compensationTimeout)
}

// compensate 在脱离请求超时的上下文中执行补偿
func (c *LendingCoordinator) compensate(ctx context.Context, op, titleID string, fn func(context.Context) error) {
	compCtx, cancel := detach(ctx)
	defer cancel()

	compCtx, span := c.tracer.Start(compCtx, "saga.compensation."+op)
	defer span.End()
	span.SetAttributes(attribute.String("title.id", titleID))

	if err := fn(compCtx); err != nil {
		metrics.Compensations.WithLabelValues(op, "failed").Inc()
		span.RecordError(err, trace.WithAttributes(attribute.Bool("critical.error", true)))
		span.SetStatus(codes.Error, "compensation failed")
		logger.Ctx(compCtx).Error().Err(err).
			Bool("critical", true).
			Str("op", op).
			Str("title_id", titleID).
			Msg("Stock compensation failed, ledger needs reconciliation")
		return
	}
	metrics.Compensations.WithLabelValues(op, "ok").Inc()
	span.AddEvent("Stock compensated")
}

// finish 统一记录结果：指标、span 状态和日志
func (c *LendingCoordinator) finish(ctx context.Context, span trace.Span, op string, err error) {
	kind := domain.ErrorKind(err)
	metrics.Operations.WithLabelValues(op, kind).Inc()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)

	switch kind {
	case "integrity_fault", "internal":
		logger.Ctx(ctx).Error().Err(err).Bool("critical", kind == "integrity_fault").Str("op", op).Msg("Lending operation failed")
	default:
		logger.Ctx(ctx).Info().Err(err).Str("op", op).Str("outcome", kind).Msg("Lending operation rejected")
	}
}
