package manifest

import (
	"strconv"
	"strings"
)

// ComponentKind Android 组件类型
type ComponentKind string

const (
	KindActivities ComponentKind = "activities"
	KindServices   ComponentKind = "services"
	KindReceivers  ComponentKind = "receivers"
	KindProviders  ComponentKind = "providers"
)

// ComponentKinds 固定顺序
var ComponentKinds = []ComponentKind{KindActivities, KindServices, KindReceivers, KindProviders}

// Components 四类组件数量
type Components struct {
	Activities int `json:"activities"`
	Services   int `json:"services"`
	Receivers  int `json:"receivers"`
	Providers  int `json:"providers"`
}

// Count 按类型取数量
func (c Components) Count(kind ComponentKind) int {
	switch kind {
	case KindActivities:
		return c.Activities
	case KindServices:
		return c.Services
	case KindReceivers:
		return c.Receivers
	case KindProviders:
		return c.Providers
	default:
		return 0
	}
}

// MinSDK minSdkVersion 可选值
// 解析层只记录是否声明和原始字符串，转换为整数在特征向量阶段完成
type MinSDK struct {
	raw      string
	declared bool
}

// DeclaredMinSDK 已声明的 minSdkVersion
func DeclaredMinSDK(raw string) MinSDK {
	return MinSDK{raw: raw, declared: true}
}

// Declared 是否声明
func (m MinSDK) Declared() bool { return m.declared }

// Raw 原始值
func (m MinSDK) Raw() string { return m.raw }

// Int 转换为整数
func (m MinSDK) Int() (int, bool) {
	if !m.declared {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(m.raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func (m MinSDK) String() string {
	if !m.declared {
		return "Unknown"
	}
	return m.raw
}

// Features manifest 特征
type Features struct {
	Permissions []string   `json:"permissions"`
	Components  Components `json:"components"`
	MinSDK      MinSDK     `json:"-"`
}
