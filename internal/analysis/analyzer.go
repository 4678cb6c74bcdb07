package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/classifier"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/features"
	"github.com/apk-analysis/config-analysis/internal/gradle"
	"github.com/apk-analysis/config-analysis/internal/manifest"
	"github.com/apk-analysis/config-analysis/internal/render"
	"github.com/apk-analysis/config-analysis/internal/report"
)

// 需要从项目中找到的两个配置文件
const (
	ManifestFileName = "AndroidManifest.xml"
	GradleFileName   = "build.gradle"
)

// skipDirs 查找配置文件时跳过的构建产物和 IDE 目录
var skipDirs = map[string]bool{
	"build":   true,
	".gradle": true,
	".git":    true,
	".idea":   true,
}

// Result 单次分析结果
type Result struct {
	Manifest *manifest.Features
	Gradle   *gradle.Features
	Vector   features.Vector
	Verdict  classifier.Verdict
	Report   report.Report
	Duration time.Duration
}

// Analyzer 配置分析流水线
// 各阶段按顺序执行，遇到第一个错误立即返回
type Analyzer struct {
	classifier classifier.Classifier
	renderer   render.Renderer
	logger     *logrus.Logger
}

// NewAnalyzer 创建分析器
func NewAnalyzer(c classifier.Classifier, r render.Renderer, logger *logrus.Logger) *Analyzer {
	return &Analyzer{
		classifier: c,
		renderer:   r,
		logger:     logger,
	}
}

// Locate 在解压后的目录中查找 AndroidManifest.xml 和 build.gradle
// 优先选择 src/main 下的 manifest（debug、androidTest 等只是覆盖层），
// 以及同一模块目录下的 build.gradle；找不到时取字典序遍历的第一个匹配项
func Locate(dir string) (manifestPath, gradlePath string, err error) {
	var manifests, gradles []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		switch d.Name() {
		case ManifestFileName:
			manifests = append(manifests, path)
		case GradleFileName:
			gradles = append(gradles, path)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		return "", "", fmt.Errorf("failed to walk project directory: %w", walkErr)
	}

	if len(manifests) == 0 {
		return "", "", &domain.RequiredFileMissingError{File: ManifestFileName}
	}
	if len(gradles) == 0 {
		return "", "", &domain.RequiredFileMissingError{File: GradleFileName}
	}

	manifestPath = manifests[0]
	for _, path := range manifests {
		if isMainSourceSet(path) {
			manifestPath = path
			break
		}
	}

	gradlePath = gradles[0]
	if isMainSourceSet(manifestPath) {
		// <module>/src/main/AndroidManifest.xml -> <module>/build.gradle
		moduleGradle := filepath.Join(filepath.Dir(manifestPath), "..", "..", GradleFileName)
		for _, path := range gradles {
			if filepath.Clean(path) == filepath.Clean(moduleGradle) {
				gradlePath = path
				break
			}
		}
	}
	return manifestPath, gradlePath, nil
}

// isMainSourceSet manifest 是否位于 src/main 目录
func isMainSourceSet(manifestPath string) bool {
	parent := filepath.Dir(manifestPath)
	return filepath.Base(parent) == "main" && filepath.Base(filepath.Dir(parent)) == "src"
}

// Analyze 解析、构建特征向量、分类并生成报告
func (a *Analyzer) Analyze(ctx context.Context, manifestPath, gradlePath string) (*Result, error) {
	startTime := time.Now()

	m, err := manifest.ParseFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("manifest parsing failed: %w", err)
	}

	g, err := gradle.ParseFile(gradlePath)
	if err != nil {
		return nil, fmt.Errorf("gradle parsing failed: %w", err)
	}
	if len(g.Malformed) > 0 {
		a.logger.WithFields(logrus.Fields{
			"gradle_path": gradlePath,
			"lines":       g.Malformed,
		}).Warn("Skipped malformed dependency declarations")
	}

	vec, err := features.Build(m)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	verdict, err := a.classifier.Predict(ctx, vec)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	result := &Result{
		Manifest: m,
		Gradle:   g,
		Vector:   vec,
		Verdict:  verdict,
		Report:   report.Generate(m, g, verdict),
		Duration: time.Since(startTime),
	}

	a.logger.WithFields(logrus.Fields{
		"permissions":  len(m.Permissions),
		"dependencies": len(g.Dependencies),
		"min_sdk":      vec.MinSDK(),
		"verdict":      verdict.String(),
		"duration_ms":  result.Duration.Milliseconds(),
	}).Info("Configuration analysis completed")

	return result, nil
}

// Run 在项目目录上执行完整流水线并将报告写入 outPath
func (a *Analyzer) Run(ctx context.Context, projectDir, outPath string) (*Result, error) {
	manifestPath, gradlePath, err := Locate(projectDir)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"manifest": manifestPath,
		"gradle":   gradlePath,
	}).Debug("Located configuration files")

	result, err := a.Analyze(ctx, manifestPath, gradlePath)
	if err != nil {
		return nil, err
	}

	if err := render.ToFile(a.renderer, result.Report, outPath); err != nil {
		return nil, err
	}
	return result, nil
}
