package persistence

import (
	"database/sql"

	"circulation/internal/service/lending/domain"
)

// ToDomainTitle 将数据库模型转换为领域模型
func ToDomainTitle(model *TitleModel) *domain.Title {
	if model == nil {
		return nil
	}
	return &domain.Title{
		ID:              model.ID,
		Name:            model.Name,
		Author:          model.Author,
		ISBN:            model.ISBN,
		TotalCopies:     model.TotalCopies,
		AvailableCopies: model.AvailableCopies,
		Status:          domain.TitleStatus(model.Status),
	}
}

// FromDomainTitle 将领域模型转换为数据库模型（用于插入）
func FromDomainTitle(t *domain.Title) *TitleModel {
	return &TitleModel{
		ID:              t.ID,
		Name:            t.Name,
		Author:          t.Author,
		ISBN:            t.ISBN,
		TotalCopies:     t.TotalCopies,
		AvailableCopies: t.AvailableCopies,
		Status:          string(t.Status),
	}
}

// ToDomainLoan 将数据库模型转换为领域模型
func ToDomainLoan(model *LoanModel) *domain.Loan {
	if model == nil {
		return nil
	}
	loan := &domain.Loan{
		ID:         model.ID,
		UserID:     model.UserID,
		TitleID:    model.TitleID,
		BorrowedAt: model.BorrowedAt,
		DueAt:      model.DueAt,
		Status:     domain.LoanStatus(model.Status),
		FineAmount: model.FineAmount,
	}
	if model.ReturnedAt.Valid {
		t := model.ReturnedAt.Time
		loan.ReturnedAt = &t
	}
	return loan
}

// FromDomainLoan 将领域模型转换为数据库模型
func FromDomainLoan(l *domain.Loan) *LoanModel {
	model := &LoanModel{
		ID:           l.ID,
		UserID:       l.UserID,
		TitleID:      l.TitleID,
		ActiveMarker: activeMarker(l.Status),
		BorrowedAt:   l.BorrowedAt,
		DueAt:        l.DueAt,
		Status:       string(l.Status),
		FineAmount:   l.FineAmount,
	}
	if l.ReturnedAt != nil {
		model.ReturnedAt = sql.NullTime{Time: *l.ReturnedAt, Valid: true}
	}
	return model
}

// ToDomainAccount 将数据库模型转换为领域模型
func ToDomainAccount(model *AccountModel) *domain.Account {
	if model == nil {
		return nil
	}
	return &domain.Account{
		ID:     model.ID,
		Role:   domain.Role(model.Role),
		Active: model.Active,
	}
}

func activeMarker(status domain.LoanStatus) *int {
	if status != domain.LoanStatusActive {
		return nil
	}
	one := 1
	return &one
}
