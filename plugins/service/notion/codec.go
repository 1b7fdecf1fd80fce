package notion

import (
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
)

// 富文本对象的往返约定：
// - 读取时整段对象原样保存在 Span.Attrs；
// - 回写时仅替换 text.content 与 plain_text，其余字段字节不变。

func decodeBlock(raw map[string]json.RawMessage) (contract.Node, error) {
	var head struct {
		ID             string `json:"id"`
		Type           string `json:"type"`
		HasChildren    bool   `json:"has_children"`
		LastEditedTime string `json:"last_edited_time"`
	}
	b, _ := json.Marshal(raw)
	if err := json.Unmarshal(b, &head); err != nil {
		return contract.Node{}, errors.Wrapf(contract.ErrResponseInvalid, "block header: %v", err)
	}
	if head.ID == "" || head.Type == "" {
		return contract.Node{}, errors.Wrap(contract.ErrResponseInvalid, "block without id or type")
	}
	n := contract.Node{
		ID:          contract.NodeID(head.ID),
		Type:        contract.ParseNodeType(head.Type),
		Version:     head.LastEditedTime,
		HasChildren: head.HasChildren,
	}
	body, ok := raw[head.Type]
	if !ok || !n.Type.HasRichText() {
		return n, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return contract.Node{}, errors.Wrapf(contract.ErrResponseInvalid, "block %s body: %v", head.ID, err)
	}
	rtRaw, ok := fields["rich_text"]
	if !ok {
		return n, nil
	}
	rt, err := decodeRichText(rtRaw)
	if err != nil {
		return contract.Node{}, errors.Wrapf(err, "block %s", head.ID)
	}
	n.RichText = rt
	return n, nil
}

func decodeRichText(raw json.RawMessage) (contract.RichText, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrapf(contract.ErrResponseInvalid, "rich_text: %v", err)
	}
	rt := make(contract.RichText, 0, len(items))
	for i, it := range items {
		var sp struct {
			Type string `json:"type"`
			Text *struct {
				Content string `json:"content"`
			} `json:"text"`
			PlainText string `json:"plain_text"`
		}
		if err := json.Unmarshal(it, &sp); err != nil {
			return nil, errors.Wrapf(contract.ErrResponseInvalid, "rich_text[%d]: %v", i, err)
		}
		s := contract.Span{Kind: sp.Type, Content: sp.PlainText, Attrs: append(json.RawMessage(nil), it...)}
		if sp.Type == contract.SpanText {
			if sp.Text == nil {
				return nil, errors.Wrapf(contract.ErrResponseInvalid, "rich_text[%d]: text span without text object", i)
			}
			s.Content = sp.Text.Content
		}
		rt = append(rt, s)
	}
	return rt, nil
}

// encodeRichText 生成回写用的富文本数组。
func encodeRichText(rt contract.RichText) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rt))
	for i, s := range rt {
		b, err := encodeSpan(s)
		if err != nil {
			return nil, errors.Wrapf(err, "rich_text[%d]", i)
		}
		out = append(out, b)
	}
	return out, nil
}

func encodeSpan(s contract.Span) (json.RawMessage, error) {
	if len(s.Attrs) == 0 {
		if !s.IsText() {
			return nil, errors.Wrapf(contract.ErrInvalidInput, "%s span without attributes", s.Kind)
		}
		return json.Marshal(map[string]any{"type": contract.SpanText, "text": map[string]string{"content": s.Content}})
	}
	if !s.IsText() {
		return s.Attrs, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(s.Attrs, &obj); err != nil {
		return nil, errors.Wrapf(contract.ErrInvalidInput, "span attrs: %v", err)
	}
	var text map[string]json.RawMessage
	if t, ok := obj["text"]; ok {
		if err := json.Unmarshal(t, &text); err != nil {
			return nil, errors.Wrapf(contract.ErrInvalidInput, "span text: %v", err)
		}
	}
	if text == nil {
		text = make(map[string]json.RawMessage, 1)
	}
	content, _ := json.Marshal(s.Content)
	text["content"] = content
	tb, _ := json.Marshal(text)
	obj["text"] = tb
	if _, ok := obj["plain_text"]; ok {
		obj["plain_text"] = content
	}
	return json.Marshal(obj)
}

// decodeTitle 在页面属性中查找 type 为 title 的属性（名称不定）。
func decodeTitle(id contract.NodeID, props map[string]json.RawMessage) (contract.Title, error) {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var p struct {
			Type  string          `json:"type"`
			Title json.RawMessage `json:"title"`
		}
		if err := json.Unmarshal(props[name], &p); err != nil {
			return contract.Title{}, errors.Wrapf(contract.ErrResponseInvalid, "page %s property %q: %v", id, name, err)
		}
		if p.Type != "title" {
			continue
		}
		rt := contract.RichText{}
		if len(p.Title) > 0 && string(p.Title) != "null" {
			var err error
			if rt, err = decodeRichText(p.Title); err != nil {
				return contract.Title{}, errors.Wrapf(err, "page %s title", id)
			}
		}
		return contract.Title{Property: name, RichText: rt}, nil
	}
	return contract.Title{}, errors.Wrapf(contract.ErrNoTitle, "page %s", id)
}
