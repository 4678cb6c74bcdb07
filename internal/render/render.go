package render

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apk-analysis/config-analysis/internal/report"
)

// Renderer 报告渲染器
type Renderer interface {
	Render(rep report.Report, w io.Writer) error
}

// Text 纯文本渲染器，输出报告的标记形式
type Text struct{}

// Render 实现 Renderer
func (Text) Render(rep report.Report, w io.Writer) error {
	if _, err := io.WriteString(w, rep.String()); err != nil {
		return fmt.Errorf("failed to write text report: %w", err)
	}
	return nil
}

// ToFile 渲染到文件
// 先写入同目录下的临时文件再重命名，失败时不会留下不完整的报告
func ToFile(r Renderer, rep report.Report, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp report file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := r.Render(rep, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp report file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}
