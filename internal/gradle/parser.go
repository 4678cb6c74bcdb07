package gradle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apk-analysis/config-analysis/internal/domain"
)

var (
	// implementation "group:artifact:version" 或单引号形式
	implementationRe = regexp.MustCompile(`implementation\s+["']([^"']+)["']`)

	// minSdkVersion 21 / targetSdkVersion 33 / compileSdkVersion 33
	sdkVersionRe = regexp.MustCompile(`^\s*(minSdkVersion|targetSdkVersion|compileSdkVersion)\s+(\S+)`)
)

// Features build.gradle 特征
type Features struct {
	// 按文件行顺序提取的 artifact 名称
	Dependencies []string `json:"dependencies"`

	// 坐标少于两段的声明所在行号（从 1 开始），这些行被跳过
	Malformed []int `json:"malformed,omitempty"`

	MinSDKVersion     string `json:"min_sdk_version,omitempty"`
	TargetSDKVersion  string `json:"target_sdk_version,omitempty"`
	CompileSDKVersion string `json:"compile_sdk_version,omitempty"`
}

// ParseFile 解析 build.gradle
func ParseFile(path string) (*Features, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.RequiredFileMissingError{File: filepath.Base(path)}
		}
		return nil, fmt.Errorf("failed to open gradle file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse 逐行扫描依赖声明
func Parse(r io.Reader) (*Features, error) {
	features := &Features{
		Dependencies: []string{},
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if match := implementationRe.FindStringSubmatch(line); match != nil {
			parts := strings.Split(match[1], ":")
			if len(parts) < 2 {
				features.Malformed = append(features.Malformed, lineNo)
				continue
			}
			features.Dependencies = append(features.Dependencies, parts[1])
			continue
		}

		if match := sdkVersionRe.FindStringSubmatch(line); match != nil {
			value := strings.Trim(match[2], `"'`)
			switch match[1] {
			case "minSdkVersion":
				features.MinSDKVersion = value
			case "targetSdkVersion":
				features.TargetSDKVersion = value
			case "compileSdkVersion":
				features.CompileSDKVersion = value
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan gradle file: %w", err)
	}

	return features, nil
}
