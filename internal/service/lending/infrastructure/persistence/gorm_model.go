package persistence

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// TitleModel 对应数据库中的 title 表
type TitleModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"size:255;not null"`
	Author          string `gorm:"size:255"`
	ISBN            string `gorm:"column:isbn;size:32"`
	TotalCopies     int    `gorm:"not null"`
	AvailableCopies int    `gorm:"not null"`
	Status          string `gorm:"size:32;not null;default:ACTIVE"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName 指定 GORM 应该使用的表名
func (TitleModel) TableName() string {
	return "title"
}

// LoanModel 对应数据库中的 loan 表。
// ActiveMarker 在 ACTIVE 时为 1，其余状态为 NULL；
// NULL 不参与唯一索引比较，所以 uk_active_loan 只约束进行中的借阅。
type LoanModel struct {
	ID           string          `gorm:"primaryKey;size:64"`
	UserID       string          `gorm:"size:64;not null;uniqueIndex:uk_active_loan,priority:1;index:idx_loan_user"`
	TitleID      string          `gorm:"size:64;not null;uniqueIndex:uk_active_loan,priority:2;index:idx_loan_title"`
	ActiveMarker *int            `gorm:"uniqueIndex:uk_active_loan,priority:3"`
	BorrowedAt   time.Time       `gorm:"not null;index"`
	DueAt        time.Time       `gorm:"not null"`
	ReturnedAt   sql.NullTime
	Status       string          `gorm:"size:16;not null;index"`
	FineAmount   decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName 指定 GORM 应该使用的表名
func (LoanModel) TableName() string {
	return "loan"
}

// AccountModel 对应数据库中的 account 表
type AccountModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Role      string `gorm:"size:16;not null"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (AccountModel) TableName() string {
	return "account"
}
