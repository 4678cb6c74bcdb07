package render

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/config-analysis/internal/report"
)

func sampleReport() report.Report {
	return report.Report{
		Sections: []report.Section{
			{Heading: "Security Assessment", Lines: []report.Line{
				{Kind: report.Paragraph, Text: "Status: Insecure"},
			}},
			{Heading: "Dependency Management", Lines: []report.Line{
				{Kind: report.Paragraph, Text: "Your app declares 1 dependencies:"},
				{Kind: report.Bullet, Text: "appcompat"},
				{Kind: report.Paragraph, Text: "All dependencies are up-to-date."},
			}},
		},
	}
}

// TestPDF_Render 输出合法的 PDF 文件头和文件尾
func TestPDF_Render(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPDF().Render(sampleReport(), &buf))

	out := buf.Bytes()
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.Contains(t, string(out), "%%EOF")
}

// TestPDF_Deterministic 固定创建时间时输出一致
func TestPDF_Deterministic(t *testing.T) {
	r := &PDF{CreationDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	var first, second bytes.Buffer
	require.NoError(t, r.Render(sampleReport(), &first))
	require.NoError(t, r.Render(sampleReport(), &second))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

// TestPDF_ManyLinesPaginates 长报告自动分页
func TestPDF_ManyLinesPaginates(t *testing.T) {
	section := report.Section{Heading: "Dependency Management"}
	for i := 0; i < 200; i++ {
		section.Lines = append(section.Lines, report.Line{Kind: report.Bullet, Text: "com.example:lib"})
	}

	var buf bytes.Buffer
	require.NoError(t, NewPDF().Render(report.Report{Sections: []report.Section{section}}, &buf))
	assert.GreaterOrEqual(t, strings.Count(buf.String(), "/Type /Page\n"), 2)
}

// TestText_Render 文本渲染保持章节标记和列表标记
func TestText_Render(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text{}.Render(sampleReport(), &buf))

	assert.Equal(t, "### Security Assessment ###\n"+
		"Status: Insecure\n"+
		"\n"+
		"### Dependency Management ###\n"+
		"Your app declares 1 dependencies:\n"+
		"- appcompat\n"+
		"All dependencies are up-to-date.\n", buf.String())
}

// TestToFile 写入目标文件，不残留临时文件
func TestToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports", "report.txt")

	require.NoError(t, ToFile(Text{}, sampleReport(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "### Security Assessment ###"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type failingRenderer struct{}

func (failingRenderer) Render(report.Report, io.Writer) error {
	return errors.New("boom")
}

// TestToFile_RenderFailure 渲染失败时不产生目标文件
func TestToFile_RenderFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")

	err := ToFile(failingRenderer{}, sampleReport(), path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
