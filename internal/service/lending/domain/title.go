// internal/service/lending/domain/title.go
package domain

import "fmt"

// TitleStatus 定义了书目的可借状态
type TitleStatus string

const (
	TitleStatusActive           TitleStatus = "ACTIVE"            // 可借阅
	TitleStatusInactive         TitleStatus = "INACTIVE"          // 已下架
	TitleStatusUnderMaintenance TitleStatus = "UNDER_MAINTENANCE" // 维护中
	TitleStatusLost             TitleStatus = "LOST"              // 整体遗失
)

// Title 是一本书在馆藏中的库存记录。
// AvailableCopies 只能通过 StockLedger 的条件操作修改。
type Title struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Author          string      `json:"author,omitempty"`
	ISBN            string      `json:"isbn,omitempty"`
	TotalCopies     int         `json:"totalCopies"`
	AvailableCopies int         `json:"availableCopies"`
	Status          TitleStatus `json:"status"`
}

// IsLendable 只有 ACTIVE 状态的书目可以外借
func (t *Title) IsLendable() bool {
	return t.Status == TitleStatusActive
}

// Validate 检查库存不变量 0 <= available <= total
func (t *Title) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("title id is required")
	}
	if t.TotalCopies < 0 || t.AvailableCopies < 0 || t.AvailableCopies > t.TotalCopies {
		return fmt.Errorf("%w: title %s has available=%d total=%d",
			ErrIntegrityFault, t.ID, t.AvailableCopies, t.TotalCopies)
	}
	if t.Status == "" {
		t.Status = TitleStatusActive
	}
	return nil
}

// TitleCacheKey 返回书目在缓存中的 key
func TitleCacheKey(titleID string) string {
	return "title-info:" + titleID
}
