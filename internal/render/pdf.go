package render

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/apk-analysis/config-analysis/internal/report"
)

// DocumentTitle PDF 文档标题
const DocumentTitle = "Configuration Analysis Report"

// PDF 使用 fpdf 生成分页 PDF 报告
type PDF struct {
	// CreationDate 非零时写入固定的创建时间，便于生成可复现的文档
	CreationDate time.Time
}

// 版式参数（单位 mm）
const (
	pageMargin    = 20.0
	titleSize     = 18.0
	headingSize   = 14.0
	bodySize      = 11.0
	lineHeight    = 6.0
	bulletIndent  = 6.0
	sectionMargin = 4.0
)

// NewPDF 创建 PDF 渲染器
func NewPDF() *PDF {
	return &PDF{}
}

// Render 实现 Renderer
func (p *PDF) Render(rep report.Report, w io.Writer) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(DocumentTitle, true)
	if !p.CreationDate.IsZero() {
		pdf.SetCreationDate(p.CreationDate)
		pdf.SetModificationDate(p.CreationDate)
	}

	// 内置字体使用 cp1252 编码
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	width, _ := pdf.GetPageSize()
	textWidth := width - 2*pageMargin

	pdf.SetFont("Helvetica", "B", titleSize)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(textWidth, 10, tr(DocumentTitle), "", 1, "C", false, 0, "")
	pdf.Ln(sectionMargin)

	for _, section := range rep.Sections {
		pdf.SetFont("Helvetica", "B", headingSize)
		pdf.SetTextColor(0, 51, 102)
		pdf.MultiCell(textWidth, 8, tr(section.Heading), "", "L", false)

		pdf.SetFont("Helvetica", "", bodySize)
		pdf.SetTextColor(0, 0, 0)
		for _, line := range section.Lines {
			switch line.Kind {
			case report.Bullet:
				pdf.SetX(pageMargin + bulletIndent)
				pdf.MultiCell(textWidth-bulletIndent, lineHeight, tr("• "+line.Text), "", "L", false)
			default:
				pdf.MultiCell(textWidth, lineHeight, tr(line.Text), "", "L", false)
			}
		}
		pdf.Ln(sectionMargin)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render pdf report: %w", err)
	}
	return nil
}
