// internal/service/lending/infrastructure/memory/stock_ledger.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"circulation/internal/service/lending/domain"
)

// StockLedger 是 domain.StockLedger 的内存实现，用于本地开发和测试。
// 每个操作都在同一把锁内完成条件判断和修改。
type StockLedger struct {
	mu     sync.Mutex
	titles map[string]*domain.Title
}

func NewStockLedger() *StockLedger {
	return &StockLedger{titles: make(map[string]*domain.Title)}
}

func (s *StockLedger) TryDecrement(ctx context.Context, titleID string, count int) (bool, error) {
	if count <= 0 {
		return false, fmt.Errorf("invalid decrement count %d", count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.titles[titleID]
	if !ok {
		return false, fmt.Errorf("title %s: %w", titleID, domain.ErrNotFound)
	}
	if t.AvailableCopies < count {
		return false, nil
	}
	t.AvailableCopies -= count
	return true, nil
}

func (s *StockLedger) Increment(ctx context.Context, titleID string, count int) (bool, error) {
	if count <= 0 {
		return false, fmt.Errorf("invalid increment count %d", count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.titles[titleID]
	if !ok {
		return false, fmt.Errorf("title %s: %w", titleID, domain.ErrNotFound)
	}
	if t.AvailableCopies+count > t.TotalCopies {
		return false, fmt.Errorf("%w: increment of title %s would exceed total copies (%d+%d > %d)",
			domain.ErrIntegrityFault, titleID, t.AvailableCopies, count, t.TotalCopies)
	}
	t.AvailableCopies += count
	return true, nil
}

func (s *StockLedger) Read(ctx context.Context, titleID string) (*domain.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.titles[titleID]
	if !ok {
		return nil, fmt.Errorf("title %s: %w", titleID, domain.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *StockLedger) Create(ctx context.Context, title *domain.Title) error {
	if err := title.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.titles[title.ID]; exists {
		return fmt.Errorf("title %s: %w", title.ID, domain.ErrAlreadyExists)
	}
	c := *title
	s.titles[title.ID] = &c
	return nil
}

func (s *StockLedger) List(ctx context.Context) ([]*domain.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Title, 0, len(s.titles))
	for _, t := range s.titles {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
