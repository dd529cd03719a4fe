package policy

import (
	"context"
	"fmt"

	"circulation/internal/service/lending/domain"

	"github.com/google/cel-go/cel"
)

// CELEligibilityPolicy 是 port.EligibilityPolicy 的 CEL 实现。
// 表达式在启动时编译一次，可用变量：
//
//	active bool   账户是否有效
//	role   string 账户角色，例如 "STUDENT"
//
// 例如 `active && role in ["STUDENT", "TEACHER"]`。
type CELEligibilityPolicy struct {
	expr    string
	program cel.Program
}

// NewCELEligibilityPolicy 编译表达式，语法错误或返回值不是 bool 时报错
func NewCELEligibilityPolicy(expr string) (*CELEligibilityPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("active", cel.BoolType),
		cel.Variable("role", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile eligibility rule %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("eligibility rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build eligibility program: %w", err)
	}
	return &CELEligibilityPolicy{expr: expr, program: program}, nil
}

// Eligible 实现了 port.EligibilityPolicy 接口
func (p *CELEligibilityPolicy) Eligible(ctx context.Context, account *domain.Account) (bool, error) {
	out, _, err := p.program.Eval(map[string]interface{}{
		"active": account.Active,
		"role":   string(account.Role),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility rule %q: %w", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eligibility rule %q returned %T", p.expr, out.Value())
	}
	return allowed, nil
}
