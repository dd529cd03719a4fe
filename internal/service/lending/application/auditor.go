package application

import (
	"context"
	"fmt"
	"sort"

	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/metrics"
	"circulation/internal/service/lending/domain"
	"circulation/internal/service/lending/domain/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StockAuditor 对账：available 应当等于 total 减去进行中的借阅数。
// 只报告偏差，不做修复。
type StockAuditor struct {
	scanner port.DriftScanner
	tracer  trace.Tracer
}

func NewStockAuditor(scanner port.DriftScanner) *StockAuditor {
	return &StockAuditor{scanner: scanner, tracer: otel.Tracer("stock-auditor")}
}

func (a *StockAuditor) Audit(ctx context.Context) ([]domain.StockDrift, error) {
	ctx, span := a.tracer.Start(ctx, "app.AuditStock")
	defer span.End()

	drifts, err := a.scanner.ScanDrift(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drift scan failed")
		return nil, fmt.Errorf("scan stock drift: %w", err)
	}
	metrics.StockDriftTitles.Set(float64(len(drifts)))
	span.SetAttributes(attribute.Int("drift.titles", len(drifts)))

	for _, d := range drifts {
		// 偏高意味着可能超借，偏低只是保守
		ev := logger.Ctx(ctx).Warn()
		if d.Delta() > 0 {
			ev = logger.Ctx(ctx).Error().Bool("critical", true)
		}
		ev.Str("title_id", d.TitleID).
			Int("total", d.TotalCopies).
			Int("available", d.AvailableCopies).
			Int("active_loans", d.ActiveLoans).
			Int("expected", d.ExpectedAvailable).
			Msg("Stock drift detected")
	}
	logger.Ctx(ctx).Info().Int("drift_titles", len(drifts)).Msg("Stock audit finished")
	return drifts, nil
}

// LedgerDriftScanner 基于两个账本接口计算偏差，适用于任意存储后端
type LedgerDriftScanner struct {
	stock domain.StockLedger
	loans domain.LoanLedger
}

func NewLedgerDriftScanner(stock domain.StockLedger, loans domain.LoanLedger) *LedgerDriftScanner {
	return &LedgerDriftScanner{stock: stock, loans: loans}
}

func (s *LedgerDriftScanner) ScanDrift(ctx context.Context) ([]domain.StockDrift, error) {
	titles, err := s.stock.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list titles: %w", err)
	}
	active, err := s.loans.CountActiveByTitle(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active loans: %w", err)
	}

	seen := make(map[string]bool, len(titles))
	var drifts []domain.StockDrift
	for _, t := range titles {
		seen[t.ID] = true
		d := domain.StockDrift{
			TitleID:           t.ID,
			TotalCopies:       t.TotalCopies,
			AvailableCopies:   t.AvailableCopies,
			ActiveLoans:       active[t.ID],
			ExpectedAvailable: t.TotalCopies - active[t.ID],
		}
		if d.Delta() != 0 {
			drifts = append(drifts, d)
		}
	}
	// 借阅记录指向不存在的书目
	for titleID, n := range active {
		if !seen[titleID] {
			drifts = append(drifts, domain.StockDrift{TitleID: titleID, ActiveLoans: n, ExpectedAvailable: -n})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].TitleID < drifts[j].TitleID })
	return drifts, nil
}
