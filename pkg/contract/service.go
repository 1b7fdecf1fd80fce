package contract

import "context"

// DocumentService: 远端文档服务的窄接口。
// 每次调用都是挂起点；实现方应尊重 ctx 取消，并且必须并发安全。
type DocumentService interface {
	// GetNode 读取节点的类型、富文本（若有）与版本令牌。
	GetNode(ctx context.Context, id NodeID) (Node, error)
	// ListChildren 按序返回全部子节点 ID（分页由实现方在内部合并）。
	ListChildren(ctx context.Context, id NodeID) ([]NodeID, error)
	// UpdateNode 以 rt 整体替换节点的 rich_text 字段。
	UpdateNode(ctx context.Context, id NodeID, typ NodeType, rt RichText) error
	// GetDocumentRoot 读取根对象的标题属性；不存在时返回 ErrNoTitle。
	GetDocumentRoot(ctx context.Context, id NodeID) (Title, error)
	// UpdateDocumentTitle 回写标题属性。
	UpdateDocumentTitle(ctx context.Context, id NodeID, t Title) error
}
