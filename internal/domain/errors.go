package domain

import (
	"errors"
	"fmt"
)

// FailureKind 分析失败类型（对外只暴露类型和简短信息）
type FailureKind string

const (
	FailureKindNone                FailureKind = ""
	FailureKindParse               FailureKind = "parse_error"
	FailureKindFeatureConversion   FailureKind = "feature_conversion_error"
	FailureKindModelLoad           FailureKind = "model_load_error"
	FailureKindRequiredFileMissing FailureKind = "required_file_missing"
	FailureKindInternal            FailureKind = "internal_error"
)

// Message 失败类型对应的简短提示
func (k FailureKind) Message() string {
	switch k {
	case FailureKindNone:
		return ""
	case FailureKindParse:
		return "AndroidManifest.xml is malformed or missing a required element"
	case FailureKindFeatureConversion:
		return "a required numeric feature could not be derived"
	case FailureKindModelLoad:
		return "the security model could not be loaded"
	case FailureKindRequiredFileMissing:
		return "required files not found in the project"
	default:
		return "analysis failed"
	}
}

// IsInputError 是否由上传内容本身导致（用于区分 4xx / 5xx）
func (k FailureKind) IsInputError() bool {
	switch k {
	case FailureKindParse, FailureKindFeatureConversion, FailureKindRequiredFileMissing:
		return true
	default:
		return false
	}
}

// ParseError manifest 结构错误或缺少必需元素
type ParseError struct {
	Element string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	msg := "parse error"
	if e.Element != "" {
		msg += fmt.Sprintf(" at <%s>", e.Element)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// FeatureConversionError 数值特征无法得到
type FeatureConversionError struct {
	Feature string
	Value   string
	Reason  string
}

func (e *FeatureConversionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("feature %q cannot be converted (value %q): %s", e.Feature, e.Value, e.Reason)
	}
	return fmt.Sprintf("feature %q cannot be converted (value %q)", e.Feature, e.Value)
}

// ModelLoadError 模型文件缺失或损坏
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// RequiredFileMissingError 解压后找不到 manifest 或 gradle 文件
type RequiredFileMissingError struct {
	File string
}

func (e *RequiredFileMissingError) Error() string {
	return fmt.Sprintf("required file %s not found", e.File)
}

// KindOf 将错误映射为失败类型
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureKindNone
	}

	var parseErr *ParseError
	var convErr *FeatureConversionError
	var modelErr *ModelLoadError
	var missingErr *RequiredFileMissingError

	switch {
	case errors.As(err, &missingErr):
		return FailureKindRequiredFileMissing
	case errors.As(err, &parseErr):
		return FailureKindParse
	case errors.As(err, &convErr):
		return FailureKindFeatureConversion
	case errors.As(err, &modelErr):
		return FailureKindModelLoad
	default:
		return FailureKindInternal
	}
}

// PublicMessage 对外展示的错误信息
// 输入类错误返回具体原因，其余只返回失败类型的简短提示
func PublicMessage(err error) string {
	kind := KindOf(err)
	if kind.IsInputError() {
		return err.Error()
	}
	return kind.Message()
}
