package classifier

import (
	"context"

	"github.com/apk-analysis/config-analysis/internal/features"
)

// Verdict 二分类结果：1 = secure, 0 = insecure
type Verdict int

const (
	VerdictInsecure Verdict = 0
	VerdictSecure   Verdict = 1
)

func (v Verdict) String() string {
	if v == VerdictSecure {
		return "Secure"
	}
	return "Insecure"
}

// IsSecure 是否判定为安全
func (v Verdict) IsSecure() bool {
	return v == VerdictSecure
}

// Classifier 不透明的二分类器
type Classifier interface {
	Predict(ctx context.Context, vec features.Vector) (Verdict, error)
}

// Fixed 固定结果的分类器（测试替身）
type Fixed Verdict

func (f Fixed) Predict(ctx context.Context, vec features.Vector) (Verdict, error) {
	return Verdict(f), nil
}
