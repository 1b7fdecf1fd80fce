package notiontest

import (
	"encoding/json"
	"fmt"
)

// TextSpan 构造一个 text 类型的富文本对象（默认注解）。
func TextSpan(content string) json.RawMessage {
	return span(content, false, "")
}

// BoldLinkSpan 构造带加粗与链接的 text 富文本对象。
func BoldLinkSpan(content, href string) json.RawMessage {
	return span(content, true, href)
}

func span(content string, bold bool, href string) json.RawMessage {
	var link any
	if href != "" {
		link = map[string]string{"url": href}
	}
	obj := map[string]any{
		"type": "text",
		"text": map[string]any{"content": content, "link": link},
		"annotations": map[string]any{
			"bold": bold, "italic": false, "strikethrough": false,
			"underline": false, "code": false, "color": "default",
		},
		"plain_text": content,
		"href":       nilIfEmpty(href),
	}
	b, _ := json.Marshal(obj)
	return b
}

// MentionSpan 构造一个页面 mention 富文本对象。
func MentionSpan(pageID, plain string) json.RawMessage {
	obj := map[string]any{
		"type":        "mention",
		"mention":     map[string]any{"type": "page", "page": map[string]string{"id": pageID}},
		"annotations": map[string]any{"bold": false, "color": "default"},
		"plain_text":  plain,
		"href":        "https://www.notion.so/" + pageID,
	}
	b, _ := json.Marshal(obj)
	return b
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Block 构造块对象 JSON；spans 为空且类型携带富文本时得到空 rich_text。
// typ 为 child_page/column 等无富文本类型时 spans 被忽略。
func Block(id, typ string, spans ...json.RawMessage) string {
	body := map[string]any{}
	switch typ {
	case "child_page":
		body["title"] = "page"
	case "column", "column_list", "breadcrumb", "table_of_contents", "synced_block":
	default:
		rt := spans
		if rt == nil {
			rt = []json.RawMessage{}
		}
		body["rich_text"] = rt
		body["color"] = "default"
		if typ == "to_do" {
			body["checked"] = false
		}
	}
	obj := map[string]any{
		"object": "block",
		"id":     id,
		"type":   typ,
		typ:      body,
	}
	b, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("notiontest: %v", err))
	}
	return string(b)
}

// Page 构造页面对象 JSON，titleProp 为 title 类型属性的名称。
func Page(id, titleProp string, spans ...json.RawMessage) string {
	if spans == nil {
		spans = []json.RawMessage{}
	}
	obj := map[string]any{
		"object": "page",
		"id":     id,
		"properties": map[string]any{
			"Tags":    map[string]any{"id": "t%3Ax", "type": "multi_select", "multi_select": []any{}},
			titleProp: map[string]any{"id": "title", "type": "title", "title": spans},
		},
	}
	b, _ := json.Marshal(obj)
	return string(b)
}
