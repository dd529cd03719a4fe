package port

import (
	"context"

	"circulation/internal/service/lending/domain"
)

// EventPublisher 发布借阅领域事件（尽力而为，失败不影响借还结果）
type EventPublisher interface {
	Publish(ctx context.Context, event domain.LoanEvent) error
}
