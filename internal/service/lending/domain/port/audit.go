package port

import (
	"context"

	"circulation/internal/service/lending/domain"
)

// DriftScanner 计算每个书目的期望库存并返回不一致的书目
type DriftScanner interface {
	ScanDrift(ctx context.Context) ([]domain.StockDrift, error)
}
