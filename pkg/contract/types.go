package contract

import (
	"encoding/json"
	"strings"
)

// NodeID: 远端文档节点的不透明稳定标识。
type NodeID string

// NodeType: 节点类型（封闭枚举）；未知类型统一归为 Unsupported。
type NodeType string

const (
	Paragraph        NodeType = "paragraph"
	Heading1         NodeType = "heading_1"
	Heading2         NodeType = "heading_2"
	Heading3         NodeType = "heading_3"
	BulletedListItem NodeType = "bulleted_list_item"
	NumberedListItem NodeType = "numbered_list_item"
	Toggle           NodeType = "toggle"
	Quote            NodeType = "quote"
	Callout          NodeType = "callout"
	ToDo             NodeType = "to_do"
	Template         NodeType = "template"
	SyncedBlock      NodeType = "synced_block"
	Breadcrumb       NodeType = "breadcrumb"
	TableOfContents  NodeType = "table_of_contents"
	LinkToPage       NodeType = "link_to_page"
	TableRow         NodeType = "table_row"
	ColumnList       NodeType = "column_list"
	Column           NodeType = "column"

	// ChildPage: 页面自身作为块出现时的类型（遍历根）。不在处理白名单内。
	ChildPage NodeType = "child_page"
	// Unsupported: 白名单外的一切类型。
	Unsupported NodeType = "unsupported"
)

type capability uint8

const (
	capSupported capability = 1 << iota
	capRichText
)

// 能力表：Supported=在白名单内；RichText=顶层携带 rich_text 字段。
var nodeCaps = map[NodeType]capability{
	Paragraph:        capSupported | capRichText,
	Heading1:         capSupported | capRichText,
	Heading2:         capSupported | capRichText,
	Heading3:         capSupported | capRichText,
	BulletedListItem: capSupported | capRichText,
	NumberedListItem: capSupported | capRichText,
	Toggle:           capSupported | capRichText,
	Quote:            capSupported | capRichText,
	Callout:          capSupported | capRichText,
	ToDo:             capSupported | capRichText,
	Template:         capSupported | capRichText,
	SyncedBlock:      capSupported,
	Breadcrumb:       capSupported,
	TableOfContents:  capSupported,
	LinkToPage:       capSupported,
	TableRow:         capSupported,
	ColumnList:       capSupported,
	Column:           capSupported,
	ChildPage:        0,
}

// supportedOrder 固定顺序，便于输出与测试。
var supportedOrder = []NodeType{
	Paragraph, Heading1, Heading2, Heading3,
	BulletedListItem, NumberedListItem, Toggle, Quote, Callout, ToDo,
	Template, SyncedBlock, Breadcrumb, TableOfContents, LinkToPage,
	TableRow, ColumnList, Column,
}

// ParseNodeType 将远端类型名映射为枚举；未知名返回 Unsupported。
func ParseNodeType(s string) NodeType {
	t := NodeType(strings.TrimSpace(s))
	if _, ok := nodeCaps[t]; ok {
		return t
	}
	return Unsupported
}

// Supported 报告该类型是否在处理白名单内。
func (t NodeType) Supported() bool { return nodeCaps[t]&capSupported != 0 }

// HasRichText 报告该类型是否在顶层携带可改写的 rich_text。
func (t NodeType) HasRichText() bool { return nodeCaps[t]&capRichText != 0 }

// SupportedTypes 返回白名单（固定顺序的副本）。
func SupportedTypes() []NodeType {
	out := make([]NodeType, len(supportedOrder))
	copy(out, supportedOrder)
	return out
}

// 片段类型。仅 SpanText 承载可改写文本。
const (
	SpanText     = "text"
	SpanMention  = "mention"
	SpanEquation = "equation"
)

// Span: 富文本中的一个带样式片段。
// 约束：
// - 仅 Content 可被改写；Kind 与 Attrs 原样保留；
// - Attrs 为服务端原始表示（不透明），由服务实现负责回写时合并 Content。
type Span struct {
	Kind    string
	Content string
	Attrs   json.RawMessage
}

// IsText 报告片段是否承载可改写文本。
func (s Span) IsText() bool { return s.Kind == SpanText }

// RichText: 有序片段序列；顺序即拼接顺序，改写前后必须保持。
type RichText []Span

// Clone 返回浅拷贝（Attrs 视为只读，共享底层字节）。
func (rt RichText) Clone() RichText {
	if rt == nil {
		return nil
	}
	out := make(RichText, len(rt))
	copy(out, rt)
	return out
}

// PlainText 拼接所有文本片段内容。
func (rt RichText) PlainText() string {
	var b strings.Builder
	for _, s := range rt {
		b.WriteString(s.Content)
	}
	return b.String()
}

// Node: 远端文档元素。
// RichText 为 nil 表示该节点不携带 rich_text 字段；子节点需单独列举。
type Node struct {
	ID          NodeID
	Type        NodeType
	RichText    RichText
	Version     string // last_edited_time，不透明版本令牌
	HasChildren bool
}

// Eligible 报告节点是否应交给富文本处理器。
func (n Node) Eligible() bool { return n.Type.HasRichText() && n.RichText != nil }

// Title: 文档根对象的标题属性（类型为 title 的那个属性，名称不定）。
type Title struct {
	Property string
	RichText RichText
}

// PendingUpdate: 遍历期产生的待写回记录，携带发现时观测到的版本令牌。
type PendingUpdate struct {
	NodeID   NodeID
	NodeType NodeType
	RichText RichText
	Version  string
}
