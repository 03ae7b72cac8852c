package pdf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PageStats はPDF本体から読み取ったページ毎の情報です。
type PageStats struct {
	Pages     int
	TextLines []int // ページ毎のテキスト描画命令の行数（1-based ページ順）
}

// Inspector はPDFからページ情報を取り出します。
type Inspector interface {
	Inspect(doc []byte) (*PageStats, error)
}

// PDFCPUInspector は pdfcpu でページツリーとコンテンツストリームを読みます。
type PDFCPUInspector struct {
	conf *model.Configuration
}

// NewPDFCPUInspector は既定設定の Inspector を返します。
func NewPDFCPUInspector() *PDFCPUInspector {
	return &PDFCPUInspector{conf: model.NewDefaultConfiguration()}
}

// Inspect はページ数と各ページのテキスト行数を返します。
func (i *PDFCPUInspector) Inspect(doc []byte) (*PageStats, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	pages, err := pdfapi.PageCount(bytes.NewReader(doc), i.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("document has no pages")
	}

	ctx, err := pdfapi.ReadContext(bytes.NewReader(doc), i.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if err := pdfapi.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to validate document: %w", err)
	}

	stats := &PageStats{
		Pages:     pages,
		TextLines: make([]int, pages),
	}
	for page := 1; page <= pages; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", page, err)
		}
		if r == nil {
			continue
		}
		n, err := countTextLines(r)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page %d: %w", page, err)
		}
		stats.TextLines[page-1] = n
	}
	return stats, nil
}

// countTextLines はコンテンツストリーム中のテキスト描画命令（Tj, TJ, ', "）を含む行を数えます。
func countTextLines(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	count := 0
	for scanner.Scan() {
		if isTextShowLine(scanner.Text()) {
			count++
		}
	}
	return count, scanner.Err()
}

func isTextShowLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	op := fields[len(fields)-1]
	switch op {
	case "Tj", "TJ", "'", "\"":
		return true
	}
	// ")Tj" のように区切りなしで続くケース
	return strings.HasSuffix(line, ")Tj") || strings.HasSuffix(line, "]TJ") || strings.HasSuffix(line, ">Tj")
}
