// internal/service/lending/domain/event.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 是借阅领域事件的类型
type EventType string

const (
	EventLoanBorrowed EventType = "LOAN_BORROWED"
	EventLoanReturned EventType = "LOAN_RETURNED"
)

// LoanEvent 在借阅状态成功落库之后发布，下游只能把它当作通知，不能当作权威数据
type LoanEvent struct {
	EventID    string          `json:"eventId"`
	Type       EventType       `json:"type"`
	LoanID     string          `json:"loanId"`
	UserID     string          `json:"userId"`
	TitleID    string          `json:"titleId"`
	Status     LoanStatus      `json:"status"`
	FineAmount decimal.Decimal `json:"fineAmount"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// StockDrift 是盘点时发现的库存偏差
type StockDrift struct {
	TitleID           string `json:"titleId"`
	TotalCopies       int    `json:"totalCopies"`
	AvailableCopies   int    `json:"availableCopies"`
	ActiveLoans       int    `json:"activeLoans"`
	ExpectedAvailable int    `json:"expectedAvailable"`
}

// Delta 为正表示库存偏高（可能超借），为负表示库存偏低（保守方向）
func (d StockDrift) Delta() int {
	return d.AvailableCopies - d.ExpectedAvailable
}
