package audit

import (
	"context"
	"sort"

	"circulation/internal/service/lending/domain"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const (
	tableTitle = "title"
	tableLoan  = "loan"
)

// driftRow 对应聚合查询的一行
type driftRow struct {
	TitleID         string `db:"title_id"`
	TotalCopies     int    `db:"total_copies"`
	AvailableCopies int    `db:"available_copies"`
	ActiveLoans     int    `db:"active_loans"`
}

// SQLDriftScanner 用一条聚合查询在数据库侧完成对账，适合大表。
// 查询由 goqu 按方言生成，通过 sqlx 执行。
type SQLDriftScanner struct {
	db      *sqlx.DB
	builder goqu.DialectWrapper
}

// NewSQLDriftScanner dialect 为 goqu 方言名：mysql | postgres | sqlite3
func NewSQLDriftScanner(db *sqlx.DB, dialect string) *SQLDriftScanner {
	return &SQLDriftScanner{db: db, builder: goqu.Dialect(dialect)}
}

// Connect 按配置的驱动建立 sqlx 连接，并返回对应的 goqu 方言名
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, string, error) {
	var driverName string
	switch driver {
	case "mysql":
		driverName = "mysql"
	case "postgres":
		driverName = "pgx"
	default:
		return nil, "", errors.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, "", errors.Wrapf(err, "connect %s", driver)
	}
	return db, driver, nil
}

func (s *SQLDriftScanner) ScanDrift(ctx context.Context) ([]domain.StockDrift, error) {
	var rows []driftRow

	// 1. 有书目的记录：available 与 total - active 不一致
	query, args, err := s.titleDriftQuery().ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "build title drift query")
	}
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "run title drift query")
	}

	// 2. 借阅指向不存在的书目
	var orphans []driftRow
	query, args, err = s.orphanLoanQuery().ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "build orphan loan query")
	}
	if err := sqlx.SelectContext(ctx, s.db, &orphans, query, args...); err != nil {
		return nil, errors.Wrap(err, "run orphan loan query")
	}

	drifts := make([]domain.StockDrift, 0, len(rows)+len(orphans))
	for _, r := range append(rows, orphans...) {
		drifts = append(drifts, domain.StockDrift{
			TitleID:           r.TitleID,
			TotalCopies:       r.TotalCopies,
			AvailableCopies:   r.AvailableCopies,
			ActiveLoans:       r.ActiveLoans,
			ExpectedAvailable: r.TotalCopies - r.ActiveLoans,
		})
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].TitleID < drifts[j].TitleID })
	return drifts, nil
}

func (s *SQLDriftScanner) titleDriftQuery() *goqu.SelectDataset {
	activeLoans := goqu.COUNT(goqu.I("l.id"))
	return s.builder.
		From(goqu.T(tableTitle).As("t")).
		LeftJoin(
			goqu.T(tableLoan).As("l"),
			goqu.On(
				goqu.I("l.title_id").Eq(goqu.I("t.id")),
				goqu.I("l.status").Eq(string(domain.LoanStatusActive)),
			),
		).
		Select(
			goqu.I("t.id").As("title_id"),
			goqu.I("t.total_copies").As("total_copies"),
			goqu.I("t.available_copies").As("available_copies"),
			activeLoans.As("active_loans"),
		).
		GroupBy(goqu.I("t.id"), goqu.I("t.total_copies"), goqu.I("t.available_copies")).
		Having(goqu.L("? <> ? - ?", goqu.I("t.available_copies"), goqu.I("t.total_copies"), activeLoans)).
		Order(goqu.I("t.id").Asc()).
		Prepared(true)
}

func (s *SQLDriftScanner) orphanLoanQuery() *goqu.SelectDataset {
	return s.builder.
		From(goqu.T(tableLoan).As("l")).
		LeftJoin(goqu.T(tableTitle).As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("l.title_id")))).
		Select(
			goqu.I("l.title_id").As("title_id"),
			goqu.L("0").As("total_copies"),
			goqu.L("0").As("available_copies"),
			goqu.COUNT(goqu.Star()).As("active_loans"),
		).
		Where(
			goqu.I("l.status").Eq(string(domain.LoanStatusActive)),
			goqu.I("t.id").IsNull(),
		).
		GroupBy(goqu.I("l.title_id")).
		Prepared(true)
}
