package rate

import (
	"context"

	"notionfmt/pkg/contract"
)

// Throttle 包装 DocumentService：每次远端调用前先经过闸门。
// g 为 nil 时原样返回 svc。
func Throttle(svc contract.DocumentService, g Gate, key LimitKey) contract.DocumentService {
	if g == nil {
		return svc
	}
	return &throttled{inner: svc, gate: g, key: key}
}

type throttled struct {
	inner contract.DocumentService
	gate  Gate
	key   LimitKey
}

func (t *throttled) wait(ctx context.Context) error {
	return t.gate.Wait(ctx, Ask{Key: t.key, Requests: 1})
}

func (t *throttled) GetNode(ctx context.Context, id contract.NodeID) (contract.Node, error) {
	if err := t.wait(ctx); err != nil {
		return contract.Node{}, err
	}
	return t.inner.GetNode(ctx, id)
}

func (t *throttled) ListChildren(ctx context.Context, id contract.NodeID) ([]contract.NodeID, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListChildren(ctx, id)
}

func (t *throttled) UpdateNode(ctx context.Context, id contract.NodeID, typ contract.NodeType, rt contract.RichText) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.inner.UpdateNode(ctx, id, typ, rt)
}

func (t *throttled) GetDocumentRoot(ctx context.Context, id contract.NodeID) (contract.Title, error) {
	if err := t.wait(ctx); err != nil {
		return contract.Title{}, err
	}
	return t.inner.GetDocumentRoot(ctx, id)
}

func (t *throttled) UpdateDocumentTitle(ctx context.Context, id contract.NodeID, title contract.Title) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.inner.UpdateDocumentTitle(ctx, id, title)
}
