package persistence

import (
	"context"

	"circulation/internal/service/lending/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// GormStockLedger 是 StockLedger 的 GORM 实现。
// 扣减和归还都是带条件的单条 UPDATE，依靠 RowsAffected 判断是否成功。
type GormStockLedger struct {
	db *gorm.DB
}

func NewGormStockLedger(db *gorm.DB) *GormStockLedger {
	return &GormStockLedger{db: db}
}

func (r *GormStockLedger) TryDecrement(ctx context.Context, titleID string, count int) (bool, error) {
	if count <= 0 {
		return false, errors.Errorf("invalid decrement count %d", count)
	}
	res := r.db.WithContext(ctx).Model(&TitleModel{}).
		Where("id = ? AND available_copies >= ?", titleID, count).
		UpdateColumn("available_copies", gorm.Expr("available_copies - ?", count))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "decrement title %s", titleID)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	// 没有更新到行：区分库存不足和书目不存在
	if err := r.mustExist(ctx, titleID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *GormStockLedger) Increment(ctx context.Context, titleID string, count int) (bool, error) {
	if count <= 0 {
		return false, errors.Errorf("invalid increment count %d", count)
	}
	res := r.db.WithContext(ctx).Model(&TitleModel{}).
		Where("id = ? AND available_copies + ? <= total_copies", titleID, count).
		UpdateColumn("available_copies", gorm.Expr("available_copies + ?", count))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "increment title %s", titleID)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if err := r.mustExist(ctx, titleID); err != nil {
		return false, err
	}
	return false, errors.Wrapf(domain.ErrIntegrityFault, "increment of title %s would exceed total copies", titleID)
}

func (r *GormStockLedger) Read(ctx context.Context, titleID string) (*domain.Title, error) {
	var model TitleModel
	err := r.db.WithContext(ctx).Where("id = ?", titleID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "title %s", titleID)
		}
		return nil, errors.Wrapf(err, "read title %s", titleID)
	}
	return ToDomainTitle(&model), nil
}

func (r *GormStockLedger) Create(ctx context.Context, title *domain.Title) error {
	if err := title.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(FromDomainTitle(title)).Error; err != nil {
		if isDuplicateKey(err) {
			return errors.Wrapf(domain.ErrAlreadyExists, "title %s", title.ID)
		}
		return errors.Wrapf(err, "create title %s", title.ID)
	}
	return nil
}

func (r *GormStockLedger) List(ctx context.Context) ([]*domain.Title, error) {
	var models []TitleModel
	if err := r.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list titles")
	}
	out := make([]*domain.Title, 0, len(models))
	for i := range models {
		out = append(out, ToDomainTitle(&models[i]))
	}
	return out, nil
}

func (r *GormStockLedger) mustExist(ctx context.Context, titleID string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&TitleModel{}).Where("id = ?", titleID).Count(&n).Error; err != nil {
		return errors.Wrapf(err, "check title %s", titleID)
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "title %s", titleID)
	}
	return nil
}
