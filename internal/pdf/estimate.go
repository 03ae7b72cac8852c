// Package pdf はPDFの解析と修復コストの見積もりを提供します。
package pdf

import (
	"errors"
	"math"

	"github.com/yourusername/pdf-remediation/internal/config"
	"github.com/yourusername/pdf-remediation/internal/jobs"
)

const bytesPerMB = 1024 * 1024

// Estimator はPDFからページ数・要素数・複雑度・コストを見積もります。
type Estimator struct {
	cfg       config.EstimatorConfig
	inspector Inspector
}

// NewEstimator は Estimator を作成します。inspector が nil の場合は pdfcpu を使います。
func NewEstimator(cfg config.EstimatorConfig, inspector Inspector) *Estimator {
	if inspector == nil {
		inspector = NewPDFCPUInspector()
	}
	return &Estimator{cfg: cfg, inspector: inspector}
}

// Estimate はドキュメントの見積もりを返します。
// 解析に失敗した場合はサイズからの推定に切り替え、Source を size_fallback にします。
// 中身もサイズも無い場合のみエラーです。
func (e *Estimator) Estimate(doc []byte, sizeBytes int64) (*jobs.Metrics, error) {
	if sizeBytes <= 0 {
		sizeBytes = int64(len(doc))
	}

	if len(doc) > 0 {
		stats, err := e.inspector.Inspect(doc)
		if err == nil && stats != nil && stats.Pages > 0 {
			return e.fromContent(stats), nil
		}
	}

	if sizeBytes <= 0 {
		return nil, errors.New("document is empty")
	}
	return e.fromSize(sizeBytes), nil
}

func (e *Estimator) fromContent(stats *PageStats) *jobs.Metrics {
	total := 0
	for page := 0; page < stats.Pages; page++ {
		lines := 0
		if page < len(stats.TextLines) {
			lines = stats.TextLines[page]
		}
		total += lines + e.cfg.BaseElementsPerPage
	}
	avg := int(math.Round(float64(total) / float64(stats.Pages)))
	return e.metrics(stats.Pages, total, avg, jobs.MetricsFromContent)
}

func (e *Estimator) fromSize(sizeBytes int64) *jobs.Metrics {
	sizeMB := float64(sizeBytes) / bytesPerMB
	pages := int(math.Ceil(sizeMB * e.cfg.FallbackPagesPerMB))
	if pages < 1 {
		pages = 1
	}
	avg := e.cfg.FallbackElementsPerPage
	return e.metrics(pages, pages*avg, avg, jobs.MetricsFromSize)
}

func (e *Estimator) metrics(pages, total, avg int, source jobs.MetricsSource) *jobs.Metrics {
	transactions := pages * e.cfg.TransactionsPerPage
	return &jobs.Metrics{
		Pages:                   pages,
		EstimatedElements:       total,
		AvgElementsPerPage:      avg,
		Complexity:              e.complexity(avg),
		EstimatedTransactions:   transactions,
		EstimatedCostPercentage: CostPercentage(transactions, e.cfg.QuotaLimit),
		Source:                  source,
	}
}

func (e *Estimator) complexity(avgPerPage int) jobs.Complexity {
	switch {
	case avgPerPage < e.cfg.ModerateThreshold:
		return jobs.ComplexitySimple
	case avgPerPage < e.cfg.ComplexThreshold:
		return jobs.ComplexityModerate
	default:
		return jobs.ComplexityComplex
	}
}

// CostPercentage はクォータに対する消費割合を小数第2位で丸めて返します。
func CostPercentage(transactions, quota int) float64 {
	if quota <= 0 {
		return 0
	}
	pct := float64(transactions) / float64(quota) * 100
	return math.Round(pct*100) / 100
}
