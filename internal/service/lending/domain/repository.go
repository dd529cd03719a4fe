// internal/service/lending/domain/repository.go
package domain

import "context"

// StockLedger 是书目库存的权威存储。
// 所有修改都必须是单步条件更新，不允许先读后写。
type StockLedger interface {
	// TryDecrement 仅当 available >= count 时扣减，返回是否成功
	TryDecrement(ctx context.Context, titleID string, count int) (bool, error)
	// Increment 归还库存；如果结果会超过 total 则不修改并返回 ErrIntegrityFault
	Increment(ctx context.Context, titleID string, count int) (bool, error)
	// Read 读取书目，不存在时返回 ErrNotFound
	Read(ctx context.Context, titleID string) (*Title, error)

	// Create 录入一个书目（编目管理使用）
	Create(ctx context.Context, title *Title) error
	// List 返回全部书目（盘点使用）
	List(ctx context.Context) ([]*Title, error)
}

// LoanFilter 是借阅记录列表的查询条件，零值字段不参与过滤
type LoanFilter struct {
	UserID  string
	TitleID string
	Status  LoanStatus
	Limit   int
	Offset  int
}

// LoanLedger 是借阅记录的持久化接口
type LoanLedger interface {
	// FindActiveLoan 没有进行中的借阅时返回 nil, nil
	FindActiveLoan(ctx context.Context, userID, titleID string) (*Loan, error)
	// Create 写入新借阅；违反 (user, title, ACTIVE) 唯一约束时返回 ErrDuplicateActiveLoan
	Create(ctx context.Context, loan *Loan) error
	Get(ctx context.Context, loanID string) (*Loan, error)
	// Update 以 status = ACTIVE 为前提写入状态流转，否则返回 ErrInvalidState
	Update(ctx context.Context, loan *Loan) error

	ListByUser(ctx context.Context, userID string) ([]*Loan, error)
	ListAll(ctx context.Context, filter LoanFilter) ([]*Loan, error)
	// CountActiveByTitle 按书目统计进行中的借阅数量
	CountActiveByTitle(ctx context.Context) (map[string]int, error)
}

// AccountDirectory 是账户查询接口（外部协作方）
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}
