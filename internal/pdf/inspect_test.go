package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdf-remediation/internal/config"
	"github.com/yourusername/pdf-remediation/internal/jobs"
)

// buildPDF は各ページに linesPerPage 行のテキストを持つ最小構成の PDF を組み立てます。
// xref のオフセットは書き出しながら計算します。
func buildPDF(t *testing.T, pages, linesPerPage int) []byte {
	t.Helper()
	fontObj := 3 + 2*pages
	objects := make([]string, 0, fontObj)
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages),
	)
	for p := 0; p < pages; p++ {
		var content strings.Builder
		content.WriteString("BT\n/F1 12 Tf\n72 720 Td\n")
		for l := 0; l < linesPerPage; l++ {
			fmt.Fprintf(&content, "(page %d line %d) Tj\n0 -14 Td\n", p+1, l+1)
		}
		content.WriteString("ET")
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 %d 0 R >> >> >>", 4+2*p, fontObj),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
		)
	}
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestPDFCPUInspectorCountsPagesAndTextLines(t *testing.T) {
	doc := buildPDF(t, 3, 7)

	stats, err := NewPDFCPUInspector().Inspect(doc)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, []int{7, 7, 7}, stats.TextLines)
}

func TestEstimateWithPDFCPUUsesContent(t *testing.T) {
	doc := buildPDF(t, 3, 7)
	est := NewEstimator(config.DefaultEstimator(), NewPDFCPUInspector())

	m, err := est.Estimate(doc, int64(len(doc)))
	require.NoError(t, err)
	assert.Equal(t, jobs.MetricsFromContent, m.Source)
	assert.Equal(t, 3, m.Pages)
	// 7 行 + ベースライン 10 = 17 要素/ページ
	assert.Equal(t, 51, m.EstimatedElements)
	assert.Equal(t, 17, m.AvgElementsPerPage)
	assert.Equal(t, jobs.ComplexitySimple, m.Complexity)
	assert.Equal(t, 30, m.EstimatedTransactions)
	assert.InDelta(t, 0.12, m.EstimatedCostPercentage, 1e-9)
}

func TestPDFCPUInspectorSinglePageWithoutText(t *testing.T) {
	stats, err := NewPDFCPUInspector().Inspect(buildPDF(t, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pages)
	assert.Equal(t, []int{0}, stats.TextLines)
}
