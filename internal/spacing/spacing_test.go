package spacing

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notionfmt/pkg/contract"
)

func TestFormatBoundaries(t *testing.T) {
	cases := map[string]string{
		"中文abc":        "中文 abc",
		"abc中文":        "abc 中文",
		"已经有 space":    "已经有 space",
		"中1文":          "中 1 文",
		"":             "",
		"plain ascii":  "plain ascii",
		"纯中文句子。":       "纯中文句子。",
		"使用Go1.22开发":   "使用 Go1.22 开发",
		"a中b文c":        "a 中 b 文 c",
		"中文，abc":       "中文，abc",
		"ＡＢＣ中文":        "ＡＢＣ中文",
		"カタカナabc":      "カタカナabc",
		"第3章":          "第 3 章",
		"中\nabc":       "中\nabc",
		"中文 abc 中文":    "中文 abc 中文",
		"Notion里的Block": "Notion 里的 Block",
	}
	for in, want := range cases {
		assert.Equal(t, want, Format(in), "Format(%q)", in)
	}
}

func TestFormatReturnsSameStringWhenUnchanged(t *testing.T) {
	in := "already 已 spaced"
	out := Format(in)
	require.Equal(t, in, out)
	// 无改动时不应分配新串
	assert.Equal(t, len(in), len(out))
}

// 随机混合字符集验证幂等性。
func TestFormatIdempotentRandom(t *testing.T) {
	alphabet := []rune("中文汉字abcXYZ019 ，。\t-_")
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := rng.Intn(24)
		var b strings.Builder
		for j := 0; j < n; j++ {
			b.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		s := b.String()
		once := Format(s)
		assert.Equal(t, once, Format(once), "非幂等: %q", s)
	}
}

func FuzzFormatIdempotent(f *testing.F) {
	for _, seed := range []string{"中文abc", "abc中文", "中1文", "已经有 space", "𠀀a"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, s string) {
		once := Format(s)
		if twice := Format(once); twice != once {
			t.Fatalf("Format 非幂等: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestProcessRichText(t *testing.T) {
	link := json.RawMessage(`{"type":"text","text":{"content":"中文abc","link":{"url":"https://x"}},"annotations":{"bold":true}}`)
	spans := contract.RichText{
		{Kind: contract.SpanText, Content: "中文abc", Attrs: link},
		{Kind: contract.SpanMention, Content: "中文abc"},
		{Kind: contract.SpanText, Content: "ok"},
	}
	out, modified := ProcessRichText(spans)
	require.True(t, modified)
	require.Len(t, out, 3)
	assert.Equal(t, "中文 abc", out[0].Content)
	assert.Equal(t, link, out[0].Attrs, "非内容属性必须原样保留")
	assert.Equal(t, "中文abc", out[1].Content, "非文本片段透传")
	assert.Equal(t, "ok", out[2].Content)
	// 入参未被就地修改
	assert.Equal(t, "中文abc", spans[0].Content)
}

func TestProcessRichTextNoop(t *testing.T) {
	spans := contract.RichText{
		{Kind: contract.SpanText, Content: "中文 abc", Attrs: json.RawMessage(`{"x":1}`)},
		{Kind: contract.SpanEquation, Content: "E=mc2"},
	}
	out, modified := ProcessRichText(spans)
	assert.False(t, modified)
	assert.Equal(t, spans, out)
	require.NotEmpty(t, out)
	assert.Same(t, &spans[0], &out[0], "未修改时返回原切片")

	out, modified = ProcessRichText(nil)
	assert.False(t, modified)
	assert.Nil(t, out)
}

func TestProcessTitle(t *testing.T) {
	in := contract.Title{Property: "Name", RichText: contract.RichText{{Kind: contract.SpanText, Content: "周报Week1"}}}
	out, modified := ProcessTitle(in)
	require.True(t, modified)
	assert.Equal(t, "Name", out.Property)
	assert.Equal(t, "周报 Week1", out.RichText[0].Content)

	_, modified = ProcessTitle(contract.Title{Property: "title"})
	assert.False(t, modified)
}
