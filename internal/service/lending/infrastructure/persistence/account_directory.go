package persistence

import (
	"context"

	"circulation/internal/service/lending/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAccountDirectory 从 account 表读取账户（由账户系统同步写入）
type GormAccountDirectory struct {
	db *gorm.DB
}

func NewGormAccountDirectory(db *gorm.DB) *GormAccountDirectory {
	return &GormAccountDirectory{db: db}
}

func (r *GormAccountDirectory) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var model AccountModel
	err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "account %s", accountID)
		}
		return nil, errors.Wrapf(err, "get account %s", accountID)
	}
	return ToDomainAccount(&model), nil
}

// Upsert 写入或覆盖一个账户，用于同步和初始化数据
func (r *GormAccountDirectory) Upsert(ctx context.Context, account domain.Account) error {
	model := AccountModel{ID: account.ID, Role: string(account.Role), Active: account.Active}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "active", "updated_at"}),
	}).Create(&model).Error
	return errors.Wrapf(err, "upsert account %s", account.ID)
}
