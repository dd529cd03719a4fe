package persistence

import (
	"context"

	"circulation/internal/service/lending/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// GormLoanLedger 是 LoanLedger 的 GORM 实现
type GormLoanLedger struct {
	db *gorm.DB
}

func NewGormLoanLedger(db *gorm.DB) *GormLoanLedger {
	return &GormLoanLedger{db: db}
}

func (r *GormLoanLedger) FindActiveLoan(ctx context.Context, userID, titleID string) (*domain.Loan, error) {
	var models []LoanModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND title_id = ? AND status = ?", userID, titleID, string(domain.LoanStatusActive)).
		Limit(1).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "find active loan")
	}
	if len(models) == 0 {
		return nil, nil
	}
	return ToDomainLoan(&models[0]), nil
}

// Create 写入借阅，唯一索引 uk_active_loan 冲突时返回 ErrDuplicateActiveLoan
func (r *GormLoanLedger) Create(ctx context.Context, loan *domain.Loan) error {
	err := r.db.WithContext(ctx).Create(FromDomainLoan(loan)).Error
	if err != nil {
		if isDuplicateKey(err) {
			return errors.Wrapf(domain.ErrDuplicateActiveLoan, "user %s title %s", loan.UserID, loan.TitleID)
		}
		return errors.Wrapf(err, "create loan %s", loan.ID)
	}
	return nil
}

func (r *GormLoanLedger) Get(ctx context.Context, loanID string) (*domain.Loan, error) {
	var model LoanModel
	err := r.db.WithContext(ctx).Where("id = ?", loanID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "loan %s", loanID)
		}
		return nil, errors.Wrapf(err, "get loan %s", loanID)
	}
	return ToDomainLoan(&model), nil
}

// Update 以 status = ACTIVE 为条件写入，保证同一笔借阅只会被归还一次
func (r *GormLoanLedger) Update(ctx context.Context, loan *domain.Loan) error {
	model := FromDomainLoan(loan)
	updateData := map[string]interface{}{
		"status":        model.Status,
		"returned_at":   model.ReturnedAt,
		"fine_amount":   model.FineAmount,
		"active_marker": model.ActiveMarker,
	}
	res := r.db.WithContext(ctx).Model(&LoanModel{}).
		Where("id = ? AND status = ?", loan.ID, string(domain.LoanStatusActive)).
		Updates(updateData)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return errors.Wrapf(domain.ErrDuplicateActiveLoan, "loan %s", loan.ID)
		}
		return errors.Wrapf(res.Error, "update loan %s", loan.ID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.Get(ctx, loan.ID)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrInvalidState, "loan %s is already %s", loan.ID, current.Status)
}

func (r *GormLoanLedger) ListByUser(ctx context.Context, userID string) ([]*domain.Loan, error) {
	return r.ListAll(ctx, domain.LoanFilter{UserID: userID})
}

func (r *GormLoanLedger) ListAll(ctx context.Context, filter domain.LoanFilter) ([]*domain.Loan, error) {
	q := r.db.WithContext(ctx).Model(&LoanModel{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.TitleID != "" {
		q = q.Where("title_id = ?", filter.TitleID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var models []LoanModel
	if err := q.Order("borrowed_at DESC").Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list loans")
	}
	out := make([]*domain.Loan, 0, len(models))
	for i := range models {
		out = append(out, ToDomainLoan(&models[i]))
	}
	return out, nil
}

func (r *GormLoanLedger) CountActiveByTitle(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		TitleID string
		N       int
	}
	err := r.db.WithContext(ctx).Model(&LoanModel{}).
		Select("title_id, COUNT(*) AS n").
		Where("status = ?", string(domain.LoanStatusActive)).
		Group("title_id").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count active loans")
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.TitleID] = row.N
	}
	return counts, nil
}
