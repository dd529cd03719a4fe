package memory

import (
	"context"
	"fmt"
	"sync"

	"circulation/internal/service/lending/domain"
)

// AccountDirectory 是内存版账户目录，开发环境下由配置或测试预置账户
type AccountDirectory struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

func NewAccountDirectory(accounts ...domain.Account) *AccountDirectory {
	d := &AccountDirectory{accounts: make(map[string]domain.Account, len(accounts))}
	for _, a := range accounts {
		d.accounts[a.ID] = a
	}
	return d
}

func (d *AccountDirectory) Put(account domain.Account) {
	d.mu.Lock()
	d.accounts[account.ID] = account
	d.mu.Unlock()
}

// Upsert 与数据库实现保持一致的写入接口
func (d *AccountDirectory) Upsert(ctx context.Context, account domain.Account) error {
	d.Put(account)
	return nil
}

func (d *AccountDirectory) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	return &a, nil
}
