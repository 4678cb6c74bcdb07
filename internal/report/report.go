package report

import (
	"strings"
)

// LineKind 行类型
type LineKind int

const (
	Paragraph LineKind = iota
	Bullet
)

// BulletMarker 文本形式中的列表标记
const BulletMarker = "- "

// Line 报告中的一行
type Line struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

// Section 报告章节
type Section struct {
	Heading string `json:"heading"`
	Lines   []Line `json:"lines"`
}

// Report 按章节组织的报告
type Report struct {
	Sections []Section `json:"sections"`
}

// Section 按标题查找章节
func (r Report) Section(heading string) (Section, bool) {
	for _, s := range r.Sections {
		if s.Heading == heading {
			return s, true
		}
	}
	return Section{}, false
}

// String 文本形式：### Heading ###，列表项以 "- " 开头，章节之间空行分隔
func (r Report) String() string {
	var b strings.Builder
	for i, section := range r.Sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("### ")
		b.WriteString(section.Heading)
		b.WriteString(" ###\n")
		for _, line := range section.Lines {
			if line.Kind == Bullet {
				b.WriteString(BulletMarker)
			}
			b.WriteString(line.Text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Texts 章节内所有行的文本
func (s Section) Texts() []string {
	texts := make([]string, len(s.Lines))
	for i, line := range s.Lines {
		texts[i] = line.Text
	}
	return texts
}

func (s *Section) paragraph(text string) {
	s.Lines = append(s.Lines, Line{Kind: Paragraph, Text: text})
}

func (s *Section) bullet(text string) {
	s.Lines = append(s.Lines, Line{Kind: Bullet, Text: text})
}
