package port

import (
	"context"
	"time"

	"circulation/internal/service/lending/domain"
)

// EligibilityPolicy 判断账户能否借阅
type EligibilityPolicy interface {
	Eligible(ctx context.Context, account *domain.Account) (bool, error)
}

// Clock 提供当前时间，测试中可以替换
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统时间
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
