package analysis

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/config-analysis/internal/classifier"
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/features"
	"github.com/apk-analysis/config-analysis/internal/render"
	"github.com/apk-analysis/config-analysis/internal/report"
)

const testManifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.app">
    <uses-sdk android:minSdkVersion="21" />
    <uses-permission android:name="android.permission.INTERNET" />
    <uses-permission android:name="android.permission.READ_SMS" />
    <application>
        <activity android:name=".MainActivity" />
        <activity android:name=".SettingsActivity" />
        <activity android:name=".AboutActivity" />
        <service android:name=".SyncService" />
    </application>
</manifest>`

const testGradle = `plugins {
    id 'com.android.application'
}

dependencies {
    implementation 'androidx.appcompat:appcompat:1.6.1'
    implementation 'broken'
}
`

// recordingClassifier 记录调用参数的分类器
type recordingClassifier struct {
	mu      sync.Mutex
	calls   []features.Vector
	verdict classifier.Verdict
	err     error
}

func (c *recordingClassifier) Predict(_ context.Context, vec features.Vector) (classifier.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, vec)
	return c.verdict, c.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeProject(t *testing.T, manifestContent, gradleContent string) string {
	dir := t.TempDir()
	if manifestContent != "" {
		path := filepath.Join(dir, "app", "src", "main", ManifestFileName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(manifestContent), 0644))
	}
	if gradleContent != "" {
		path := filepath.Join(dir, "app", GradleFileName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(gradleContent), 0644))
	}
	return dir
}

// TestAnalyze_VectorPassedToClassifier 分类器收到固定顺序的特征向量
func TestAnalyze_VectorPassedToClassifier(t *testing.T) {
	dir := writeProject(t, testManifest, testGradle)
	stub := &recordingClassifier{verdict: classifier.VerdictInsecure}
	analyzer := NewAnalyzer(stub, render.Text{}, testLogger())

	manifestPath, gradlePath, err := Locate(dir)
	require.NoError(t, err)

	result, err := analyzer.Analyze(context.Background(), manifestPath, gradlePath)
	require.NoError(t, err)

	require.Len(t, stub.calls, 1)
	assert.Equal(t, features.Vector{2, 3, 1, 0, 0, 21}, stub.calls[0])
	assert.Equal(t, classifier.VerdictInsecure, result.Verdict)
	assert.Equal(t, []string{"appcompat"}, result.Gradle.Dependencies)
	assert.Equal(t, []int{7}, result.Gradle.Malformed)

	security, ok := result.Report.Section(report.HeadingSecurity)
	require.True(t, ok)
	assert.Equal(t, "Status: Insecure", security.Lines[0].Text)
}

// TestAnalyze_MissingMinSDKSkipsClassifier min_sdk 缺失时不调用分类器
func TestAnalyze_MissingMinSDKSkipsClassifier(t *testing.T) {
	noMinSDK := strings.Replace(testManifest, `<uses-sdk android:minSdkVersion="21" />`, `<uses-sdk />`, 1)
	dir := writeProject(t, noMinSDK, testGradle)
	stub := &recordingClassifier{}
	analyzer := NewAnalyzer(stub, render.Text{}, testLogger())

	_, err := analyzer.Run(context.Background(), dir, filepath.Join(t.TempDir(), "report.txt"))
	require.Error(t, err)
	assert.Equal(t, domain.FailureKindFeatureConversion, domain.KindOf(err))
	assert.Empty(t, stub.calls)
}

// TestAnalyze_ParseErrorSkipsClassifier manifest 缺少 uses-sdk 时返回 ParseError
func TestAnalyze_ParseErrorSkipsClassifier(t *testing.T) {
	noUsesSDK := strings.Replace(testManifest, `<uses-sdk android:minSdkVersion="21" />`, "", 1)
	dir := writeProject(t, noUsesSDK, testGradle)
	stub := &recordingClassifier{}
	analyzer := NewAnalyzer(stub, render.Text{}, testLogger())

	_, err := analyzer.Run(context.Background(), dir, filepath.Join(t.TempDir(), "report.txt"))
	assert.Equal(t, domain.FailureKindParse, domain.KindOf(err))
	assert.Empty(t, stub.calls)
}

// TestAnalyze_ModelErrorPropagates 模型加载错误原样向上传递
func TestAnalyze_ModelErrorPropagates(t *testing.T) {
	dir := writeProject(t, testManifest, testGradle)
	stub := &recordingClassifier{err: &domain.ModelLoadError{Path: "models/x.json", Err: errors.New("corrupt")}}
	analyzer := NewAnalyzer(stub, render.Text{}, testLogger())

	outPath := filepath.Join(t.TempDir(), "report.txt")
	_, err := analyzer.Run(context.Background(), dir, outPath)
	assert.Equal(t, domain.FailureKindModelLoad, domain.KindOf(err))

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr))
}

// TestRun_WritesReport 完整流水线写出报告
func TestRun_WritesReport(t *testing.T) {
	dir := writeProject(t, testManifest, testGradle)
	stub := &recordingClassifier{verdict: classifier.VerdictSecure}
	analyzer := NewAnalyzer(stub, render.Text{}, testLogger())

	outPath := filepath.Join(t.TempDir(), "report.txt")
	result, err := analyzer.Run(context.Background(), dir, outPath)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, result.Report.String(), string(data))
	assert.Contains(t, string(data), "Status: Secure")
	assert.Contains(t, string(data), "READ_SMS")
}

// TestLocate 查找配置文件并跳过构建目录
func TestLocate(t *testing.T) {
	dir := writeProject(t, testManifest, testGradle)

	// build 目录下的生成文件不应被选中
	generated := filepath.Join(dir, "app", "build", "intermediates", ManifestFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(generated), 0755))
	require.NoError(t, os.WriteFile(generated, []byte("<manifest/>"), 0644))

	manifestPath, gradlePath, err := Locate(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app", "src", "main", ManifestFileName), manifestPath)
	assert.Equal(t, filepath.Join(dir, "app", GradleFileName), gradlePath)
}

// TestLocate_PrefersMainSourceSet debug/androidTest 覆盖层排在 main 之前时仍选 main
func TestLocate_PrefersMainSourceSet(t *testing.T) {
	dir := writeProject(t, testManifest, testGradle)

	overlay := `<manifest xmlns:android="http://schemas.android.com/apk/res/android">
    <uses-permission android:name="android.permission.READ_LOGS" />
</manifest>`
	for _, sourceSet := range []string{"androidTest", "debug"} {
		path := filepath.Join(dir, "app", "src", sourceSet, ManifestFileName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(overlay), 0644))
	}

	manifestPath, gradlePath, err := Locate(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app", "src", "main", ManifestFileName), manifestPath)
	assert.Equal(t, filepath.Join(dir, "app", GradleFileName), gradlePath)

	result, err := NewAnalyzer(classifier.Fixed(classifier.VerdictSecure), render.Text{}, testLogger()).
		Run(context.Background(), dir, filepath.Join(t.TempDir(), "report.txt"))
	require.NoError(t, err)
	assert.NotContains(t, result.Manifest.Permissions, "READ_LOGS")
}

// TestLocate_ModuleGradle 选择与 main manifest 同模块的 build.gradle
func TestLocate_ModuleGradle(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		filepath.Join("MyApp", "app", "src", "main", ManifestFileName):        testManifest,
		filepath.Join("MyApp", "app", GradleFileName):                         testGradle,
		filepath.Join("MyApp", "analytics", GradleFileName):                   "dependencies {}\n",
		filepath.Join("MyApp", "analytics", "src", "debug", ManifestFileName): "<manifest/>",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	manifestPath, gradlePath, err := Locate(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "MyApp", "app", "src", "main", ManifestFileName), manifestPath)
	assert.Equal(t, filepath.Join(dir, "MyApp", "app", GradleFileName), gradlePath)
}

// TestLocate_FallbackWithoutMainSourceSet 没有 src/main 时取第一个匹配项
func TestLocate_FallbackWithoutMainSourceSet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(testManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, GradleFileName), []byte(testGradle), 0644))

	manifestPath, gradlePath, err := Locate(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestFileName), manifestPath)
	assert.Equal(t, filepath.Join(dir, GradleFileName), gradlePath)
}

// TestLocate_Missing 缺少任一文件时返回 RequiredFileMissing
func TestLocate_Missing(t *testing.T) {
	_, _, err := Locate(writeProject(t, testManifest, ""))
	var missing *domain.RequiredFileMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, GradleFileName, missing.File)

	_, _, err = Locate(writeProject(t, "", testGradle))
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, ManifestFileName, missing.File)

	_, _, err = Locate(filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, domain.FailureKindRequiredFileMissing, domain.KindOf(err))
}
