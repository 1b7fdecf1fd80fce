package spacing

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"notionfmt/pkg/contract"
)

// Format 在 CJK 汉字与拉丁字母/数字的相邻边界插入一个空格（两个方向）。
// 纯函数、幂等：已有空格的边界不再插入；每次插入只看相邻的一对字符。
// 无需改动时原样返回入参（同一字符串）。
func Format(text string) string {
	first := firstBoundary(text)
	if first < 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	b.WriteString(text[:first])
	prev, _ := utf8.DecodeLastRuneInString(text[:first])
	for _, r := range text[first:] {
		if needsSpace(prev, r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// firstBoundary 返回第一个需要插入空格处右侧字符的字节偏移；无则 -1。
func firstBoundary(text string) int {
	prev := rune(-1)
	for i, r := range text {
		if prev >= 0 && needsSpace(prev, r) {
			return i
		}
		prev = r
	}
	return -1
}

func needsSpace(a, b rune) bool {
	return (isCJK(a) && isLatin(b)) || (isLatin(a) && isCJK(b))
}

// isCJK: Han 文字（中日韩统一表意文字及其扩展区）。
func isCJK(r rune) bool { return r >= 0x2E80 && unicode.Is(unicode.Han, r) }

// isLatin: ASCII 字母或数字。全角字母/数字不参与判定。
func isLatin(r rune) bool {
	return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

// ProcessRichText 对每个文本片段独立应用 Format。
// 约束：
// - 片段数量、顺序与非内容属性保持不变；非文本片段原样透传；
// - modified 当且仅当至少一个片段内容发生变化；
// - 未修改时返回入参本身（不分配新切片）。
func ProcessRichText(spans contract.RichText) (contract.RichText, bool) {
	var out contract.RichText
	for i, s := range spans {
		if !s.IsText() {
			continue
		}
		nc := Format(s.Content)
		if nc == s.Content {
			continue
		}
		if out == nil {
			out = spans.Clone()
		}
		out[i].Content = nc
	}
	if out == nil {
		return spans, false
	}
	return out, true
}

// ProcessTitle 对标题属性应用 ProcessRichText。
func ProcessTitle(t contract.Title) (contract.Title, bool) {
	rt, modified := ProcessRichText(t.RichText)
	if !modified {
		return t, false
	}
	return contract.Title{Property: t.Property, RichText: rt}, true
}
