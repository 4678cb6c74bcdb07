package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/config-analysis/internal/classifier"
	"github.com/apk-analysis/config-analysis/internal/gradle"
	"github.com/apk-analysis/config-analysis/internal/manifest"
)

// 章节标题（固定顺序）
const (
	HeadingSecurity     = "Security Assessment"
	HeadingPermissions  = "Permissions Analysis"
	HeadingComponents   = "Components Analysis"
	HeadingSDK          = "SDK Version Compatibility"
	HeadingDependencies = "Dependency Management"
	HeadingSummary      = "Summary"
)

// RecommendedMinSDK 低于该版本时给出升级建议
const RecommendedMinSDK = 21

// necessaryPermissions 不视为多余的权限
var necessaryPermissions = map[string]bool{
	"INTERNET":             true,
	"ACCESS_FINE_LOCATION": true,
}

// componentNouns 组件数量描述用语
var componentNouns = map[manifest.ComponentKind]string{
	manifest.KindActivities: "activity(ies)",
	manifest.KindServices:   "service(s)",
	manifest.KindReceivers:  "receiver(s)",
	manifest.KindProviders:  "provider(s)",
}

// Generate 根据特征和判定结果生成报告（纯函数）
func Generate(m *manifest.Features, g *gradle.Features, verdict classifier.Verdict) Report {
	if m == nil {
		m = &manifest.Features{}
	}
	if g == nil {
		g = &gradle.Features{}
	}

	return Report{
		Sections: []Section{
			securitySection(verdict),
			permissionsSection(m.Permissions),
			componentsSection(m.Components),
			sdkSection(m.MinSDK, g),
			dependencySection(g),
			summarySection(),
		},
	}
}

func securitySection(verdict classifier.Verdict) Section {
	s := Section{Heading: HeadingSecurity}
	if verdict.IsSecure() {
		s.paragraph("Status: Secure")
		s.paragraph("Your app's configuration follows security best practices.")
	} else {
		s.paragraph("Status: Insecure")
		s.paragraph("Your app's configuration poses potential security risks. Consider the following changes:")
	}
	return s
}

// ExcessivePermissions 权限列表减去必要权限，保持原顺序
func ExcessivePermissions(permissions []string) []string {
	excessive := []string{}
	for _, p := range permissions {
		if !necessaryPermissions[p] {
			excessive = append(excessive, p)
		}
	}
	return excessive
}

func permissionsSection(permissions []string) Section {
	s := Section{Heading: HeadingPermissions}
	excessive := ExcessivePermissions(permissions)
	if len(excessive) > 0 {
		s.paragraph(fmt.Sprintf("Your app requests the following permissions that may not be necessary: %s.", strings.Join(excessive, ", ")))
		s.paragraph("Consider removing unnecessary permissions to minimize security risks.")
	} else {
		s.paragraph("Your app requests only necessary permissions.")
	}
	return s
}

func componentsSection(components manifest.Components) Section {
	s := Section{Heading: HeadingComponents}
	for _, kind := range manifest.ComponentKinds {
		count := components.Count(kind)
		if count == 0 {
			s.paragraph(fmt.Sprintf("Warning: No %s are defined in your AndroidManifest.xml.", kind))
		} else {
			s.paragraph(fmt.Sprintf("Your app defines %d %s.", count, componentNouns[kind]))
		}
	}
	return s
}

func sdkSection(minSDK manifest.MinSDK, g *gradle.Features) Section {
	s := Section{Heading: HeadingSDK}

	// 进入报告生成前 min_sdk 已经通过特征向量校验，这里的 Unknown 分支只为保证函数完整
	value, ok := minSDK.Int()
	if !ok {
		s.paragraph("Minimum SDK Version: Unknown")
	} else {
		s.paragraph(fmt.Sprintf("Minimum SDK Version: %d", value))
		if value < RecommendedMinSDK {
			s.paragraph(fmt.Sprintf("Recommendation: Consider increasing the minimum SDK version to at least %d for better compatibility with modern Android devices.", RecommendedMinSDK))
		}
	}

	if target, err := strconv.Atoi(g.TargetSDKVersion); err == nil {
		s.paragraph(fmt.Sprintf("Target SDK Version: %d", target))
	}
	return s
}

// OutdatedDependencies 过期依赖检查
// 参数保留给后续接入版本数据源，目前始终返回空列表
func OutdatedDependencies(_ *gradle.Features) []string {
	return nil
}

func dependencySection(g *gradle.Features) Section {
	s := Section{Heading: HeadingDependencies}

	if len(g.Dependencies) > 0 {
		s.paragraph(fmt.Sprintf("Your app declares %d dependencies:", len(g.Dependencies)))
		for _, dep := range g.Dependencies {
			s.bullet(dep)
		}
	}

	outdated := OutdatedDependencies(g)
	if len(outdated) > 0 {
		s.paragraph("The following dependencies are outdated:")
		for _, dep := range outdated {
			s.bullet(dep)
		}
		s.paragraph("Consider updating these dependencies to their latest versions.")
	} else {
		s.paragraph("All dependencies are up-to-date.")
	}
	return s
}

func summarySection() Section {
	s := Section{Heading: HeadingSummary}
	s.paragraph("Based on the analysis, consider making the suggested changes to improve your app's security, performance, and compatibility.")
	return s
}
