package pdf

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdf-remediation/internal/config"
	"github.com/yourusername/pdf-remediation/internal/jobs"
)

type stubInspector struct {
	stats *PageStats
	err   error
}

func (s *stubInspector) Inspect(doc []byte) (*PageStats, error) {
	return s.stats, s.err
}

func uniformPages(pages, linesPerPage int) *PageStats {
	lines := make([]int, pages)
	for i := range lines {
		lines[i] = linesPerPage
	}
	return &PageStats{Pages: pages, TextLines: lines}
}

func TestEstimateSmallDocumentIsSimple(t *testing.T) {
	cfg := config.DefaultEstimator()
	// 30 行 + ベースライン 10 = 40 要素/ページ
	est := NewEstimator(cfg, &stubInspector{stats: uniformPages(5, 30)})

	m, err := est.Estimate([]byte("%PDF-1.7"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Pages)
	assert.Equal(t, 200, m.EstimatedElements)
	assert.Equal(t, 40, m.AvgElementsPerPage)
	assert.Equal(t, jobs.ComplexitySimple, m.Complexity)
	assert.Equal(t, 50, m.EstimatedTransactions)
	assert.Equal(t, 5.0*10/25000*100, m.EstimatedCostPercentage)
	assert.Equal(t, jobs.MetricsFromContent, m.Source)
}

func TestEstimateLargeDenseDocumentIsComplex(t *testing.T) {
	cfg := config.DefaultEstimator()
	est := NewEstimator(cfg, &stubInspector{stats: uniformPages(60, 190)})

	m, err := est.Estimate([]byte("%PDF-1.7"), 0)
	require.NoError(t, err)
	assert.Equal(t, 60, m.Pages)
	assert.Equal(t, 200, m.AvgElementsPerPage)
	assert.Equal(t, jobs.ComplexityComplex, m.Complexity)
	assert.Equal(t, 600, m.EstimatedTransactions)
	assert.Equal(t, 2.4, m.EstimatedCostPercentage)
}

func TestEstimateModerateBucket(t *testing.T) {
	est := NewEstimator(config.DefaultEstimator(), &stubInspector{stats: uniformPages(3, 90)})

	m, err := est.Estimate([]byte("%PDF-1.7"), 0)
	require.NoError(t, err)
	assert.Equal(t, jobs.ComplexityModerate, m.Complexity)
}

func TestEstimateThresholdBoundaries(t *testing.T) {
	cfg := config.DefaultEstimator()
	est := NewEstimator(cfg, nil)

	assert.Equal(t, jobs.ComplexitySimple, est.complexity(cfg.ModerateThreshold-1))
	assert.Equal(t, jobs.ComplexityModerate, est.complexity(cfg.ModerateThreshold))
	assert.Equal(t, jobs.ComplexityModerate, est.complexity(cfg.ComplexThreshold-1))
	assert.Equal(t, jobs.ComplexityComplex, est.complexity(cfg.ComplexThreshold))
}

func TestEstimateFallsBackToSize(t *testing.T) {
	est := NewEstimator(config.DefaultEstimator(), &stubInspector{err: errors.New("broken xref")})

	size := int64(2.5 * 1024 * 1024)
	m, err := est.Estimate([]byte("not a pdf"), size)
	require.NoError(t, err)
	assert.Equal(t, jobs.MetricsFromSize, m.Source)
	assert.Equal(t, 25, m.Pages)
	assert.Equal(t, 30, m.AvgElementsPerPage)
	assert.Equal(t, 750, m.EstimatedElements)
	assert.Equal(t, jobs.ComplexitySimple, m.Complexity)
	assert.Equal(t, 1.0, m.EstimatedCostPercentage)
}

func TestEstimateFallbackHasAtLeastOnePage(t *testing.T) {
	est := NewEstimator(config.DefaultEstimator(), &stubInspector{err: errors.New("bad")})

	m, err := est.Estimate([]byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pages)
	assert.Equal(t, jobs.MetricsFromSize, m.Source)
}

func TestEstimateWithPDFCPUFallsBackOnGarbage(t *testing.T) {
	est := NewEstimator(config.DefaultEstimator(), nil)

	m, err := est.Estimate([]byte("this is definitely not a pdf document"), 3*1024*1024)
	require.NoError(t, err)
	assert.Equal(t, jobs.MetricsFromSize, m.Source)
	assert.Equal(t, 30, m.Pages)
}

func TestEstimateEmptyDocumentFails(t *testing.T) {
	est := NewEstimator(config.DefaultEstimator(), &stubInspector{})

	_, err := est.Estimate(nil, 0)
	require.Error(t, err)
}

func TestCostPercentageRounding(t *testing.T) {
	assert.Equal(t, 0.01, CostPercentage(3, 25000))
	assert.Equal(t, 0.0, CostPercentage(10, 0))
	assert.Equal(t, 100.0, CostPercentage(25000, 25000))
}

func TestCountTextLines(t *testing.T) {
	stream := strings.Join([]string{
		"BT",
		"/F1 12 Tf",
		"72 712 Td",
		"(Hello) Tj",
		"[(W) 120 (orld)] TJ",
		"(next line) '",
		"(Packed)Tj",
		"ET",
		"0 0 m 100 100 l S",
	}, "\n")

	n, err := countTextLines(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
