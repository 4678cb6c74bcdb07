package features

import (
	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/manifest"
)

// Width 特征向量长度
const Width = 6

// Columns 特征列顺序，必须与模型训练时的列顺序一致
var Columns = [Width]string{
	"permission_count",
	"activity_count",
	"service_count",
	"receiver_count",
	"provider_count",
	"min_sdk",
}

// Vector 固定顺序的数值特征
type Vector [Width]int

// Row 转换为模型输入行
func (v Vector) Row() []float64 {
	row := make([]float64, Width)
	for i, x := range v {
		row[i] = float64(x)
	}
	return row
}

// MinSDK 向量中的 min_sdk 列
func (v Vector) MinSDK() int {
	return v[Width-1]
}

// Build 由 manifest 特征构建特征向量
func Build(m *manifest.Features) (Vector, error) {
	minSDK, ok := m.MinSDK.Int()
	if !ok {
		reason := "value is not numeric"
		if !m.MinSDK.Declared() {
			reason = "android:minSdkVersion is not declared"
		}
		return Vector{}, &domain.FeatureConversionError{
			Feature: "min_sdk",
			Value:   m.MinSDK.String(),
			Reason:  reason,
		}
	}

	return Vector{
		len(m.Permissions),
		m.Components.Activities,
		m.Components.Services,
		m.Components.Receivers,
		m.Components.Providers,
		minSDK,
	}, nil
}
