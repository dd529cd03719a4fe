// internal/service/lending/domain/account.go
package domain

// Role 是账户角色
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTeacher Role = "TEACHER"
	RoleAdmin   Role = "ADMIN"
)

// Account 是借阅资格判断所需的账户信息，本子系统只读
type Account struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// AccountCacheKey 返回账户在缓存中的 key
func AccountCacheKey(accountID string) string {
	return "account-info:" + accountID
}
