// internal/service/lending/domain/loan.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus 定义了借阅记录的生命周期状态
type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "ACTIVE"   // 借出中（初始状态）
	LoanStatusReturned LoanStatus = "RETURNED" // 按时归还（终态）
	LoanStatusOverdue  LoanStatus = "OVERDUE"  // 逾期归还（终态）
	LoanStatusLost     LoanStatus = "LOST"     // 管理员关闭：遗失（终态）
	LoanStatusDamaged  LoanStatus = "DAMAGED"  // 管理员关闭：损坏（终态）
)

const (
	// LoanPeriod 是固定借期
	LoanPeriod = 30 * 24 * time.Hour
	day        = 24 * time.Hour
)

// FinePerDay 是逾期每天的罚金（货币单位）
var FinePerDay = decimal.NewFromFloat(0.5)

// Loan 是一次从借出到归还的借阅记录，永不物理删除
type Loan struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	TitleID    string          `json:"titleId"`
	BorrowedAt time.Time       `json:"borrowedAt"`
	DueAt      time.Time       `json:"dueAt"`
	ReturnedAt *time.Time      `json:"returnedAt,omitempty"`
	Status     LoanStatus      `json:"status"`
	FineAmount decimal.Decimal `json:"fineAmount"`
}

// NewLoan 是借阅记录的工厂函数
func NewLoan(id, userID, titleID string, now time.Time) (*Loan, error) {
	if id == "" || userID == "" || titleID == "" {
		return nil, fmt.Errorf("cannot create loan with empty required fields")
	}
	return &Loan{
		ID:         id,
		UserID:     userID,
		TitleID:    titleID,
		BorrowedAt: now,
		DueAt:      now.Add(LoanPeriod),
		Status:     LoanStatusActive,
		FineAmount: decimal.Zero,
	}, nil
}

// IsActive 是否仍处于借出中
func (l *Loan) IsActive() bool {
	return l.Status == LoanStatusActive
}

// MarkReturned 在 now 时刻归还。
// 这个方法只负责状态流转和罚金计算，不负责库存。
func (l *Loan) MarkReturned(now time.Time) error {
	if !l.IsActive() {
		return fmt.Errorf("%w: loan %s is %s", ErrInvalidState, l.ID, l.Status)
	}
	returnedAt := now
	l.ReturnedAt = &returnedAt
	if now.After(l.DueAt) {
		l.Status = LoanStatusOverdue
		l.FineAmount = ComputeFine(l.DueAt, now)
		return nil
	}
	l.Status = LoanStatusReturned
	l.FineAmount = decimal.Zero
	return nil
}

// ComputeFine 按整天数计算罚金：不足一天的部分舍去
func ComputeFine(dueAt, returnedAt time.Time) decimal.Decimal {
	if !returnedAt.After(dueAt) {
		return decimal.Zero
	}
	daysLate := int64(returnedAt.Sub(dueAt) / day)
	return FinePerDay.Mul(decimal.NewFromInt(daysLate))
}

// Clone 返回一份深拷贝，内存账本用它隔离调用方的修改
func (l *Loan) Clone() *Loan {
	c := *l
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		c.ReturnedAt = &t
	}
	return &c
}
