package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"notionfmt/pkg/contract"
)

// Options: Notion REST 客户端配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 默认 https://api.notion.com
	Token          string `json:"token"`           // 明文集成令牌（不推荐，按需用于测试）
	TokenEnv       string `json:"token_env"`       // 优先从环境变量读取，默认 NOTION_TOKEN
	NotionVersion  string `json:"notion_version"`  // 默认 2022-06-28
	TimeoutSeconds int    `json:"timeout_seconds"` // 单请求超时，默认 30
	PageSize       int    `json:"page_size"`       // 子节点分页大小，默认 100（上限 100）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.notion.com"
	}
	if o.TokenEnv == "" {
		o.TokenEnv = "NOTION_TOKEN"
	}
	if o.NotionVersion == "" {
		o.NotionVersion = "2022-06-28"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
	if o.PageSize <= 0 || o.PageSize > 100 {
		o.PageSize = 100
	}
}

// Client 实现 contract.DocumentService。
type Client struct {
	base     string
	token    string
	version  string
	pageSize int
	do       func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, errors.Wrapf(contract.ErrInvalidInput, "notion options: %v", err)
		}
	}
	return NewWithOptions(opts)
}

func NewWithOptions(opts Options) (*Client, error) {
	opts.defaults()
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(opts.TokenEnv))
	}
	if token == "" {
		return nil, errors.Wrapf(contract.ErrInvalidInput, "notion: missing token (set options.token or $%s)", opts.TokenEnv)
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrapf(contract.ErrInvalidInput, "notion: invalid base_url %q", opts.BaseURL)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		token:    token,
		version:  opts.NotionVersion,
		pageSize: opts.PageSize,
		do:       hc.Do,
	}, nil
}

// httpError 承载上游 HTTP 错误；5xx/408 按网络类瞬时故障归类。
type httpError struct {
	status     int
	code       string
	msg        string
	retryAfter time.Duration
}

func (e *httpError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("notion upstream %d %s: %s", e.status, e.code, e.msg)
	}
	return fmt.Sprintf("notion upstream %d: %s", e.status, e.msg)
}
func (e *httpError) UpstreamStatus() int       { return e.status }
func (e *httpError) UpstreamMessage() string   { return e.msg }
func (e *httpError) RetryAfter() time.Duration { return e.retryAfter }

var _ contract.UpstreamError = (*httpError)(nil)

// call 发起一次 API 请求；out 非空时解码 2xx 响应体。
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(contract.ErrInvalidInput, "encode %s %s: %v", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Wrapf(contract.ErrInvalidInput, "new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
		}
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(contract.ErrResponseInvalid, "decode %s %s: %v", method, path, err)
	}
	return nil
}

// statusError 将非 2xx 响应映射为哨兵错误（保留 httpError 以便 As 取状态码）。
func statusError(resp *http.Response) error {
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	he := &httpError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(slurp, &apiErr) == nil && apiErr.Message != "" {
		he.code, he.msg = apiErr.Code, apiErr.Message
	}
	if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
			he.retryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Mark(he, contract.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Mark(he, contract.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return errors.Mark(he, contract.ErrConflict)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
		return he
	default:
		return errors.Mark(he, contract.ErrInvalidInput)
	}
}

func blockPath(id contract.NodeID) string { return "/v1/blocks/" + url.PathEscape(string(id)) }
func pagePath(id contract.NodeID) string  { return "/v1/pages/" + url.PathEscape(string(id)) }

func (c *Client) GetNode(ctx context.Context, id contract.NodeID) (contract.Node, error) {
	var raw map[string]json.RawMessage
	if err := c.call(ctx, http.MethodGet, blockPath(id), nil, nil, &raw); err != nil {
		return contract.Node{}, err
	}
	return decodeBlock(raw)
}

func (c *Client) ListChildren(ctx context.Context, id contract.NodeID) ([]contract.NodeID, error) {
	var (
		out    []contract.NodeID
		cursor string
	)
	for {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(c.pageSize))
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}
		var page struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
			HasMore    bool    `json:"has_more"`
			NextCursor *string `json:"next_cursor"`
		}
		if err := c.call(ctx, http.MethodGet, blockPath(id)+"/children", q, nil, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			if r.ID == "" {
				return nil, errors.Wrapf(contract.ErrResponseInvalid, "children of %s: result without id", id)
			}
			out = append(out, contract.NodeID(r.ID))
		}
		if !page.HasMore {
			return out, nil
		}
		if page.NextCursor == nil || *page.NextCursor == "" || *page.NextCursor == cursor {
			return nil, errors.Wrapf(contract.ErrResponseInvalid, "children of %s: has_more without a new cursor", id)
		}
		cursor = *page.NextCursor
	}
}

func (c *Client) UpdateNode(ctx context.Context, id contract.NodeID, typ contract.NodeType, rt contract.RichText) error {
	if !typ.HasRichText() {
		return errors.Wrapf(contract.ErrInvalidInput, "notion: %s has no rich_text", typ)
	}
	spans, err := encodeRichText(rt)
	if err != nil {
		return err
	}
	body := map[string]any{string(typ): map[string]any{"rich_text": spans}}
	return c.call(ctx, http.MethodPatch, blockPath(id), nil, body, nil)
}

func (c *Client) GetDocumentRoot(ctx context.Context, id contract.NodeID) (contract.Title, error) {
	var page struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := c.call(ctx, http.MethodGet, pagePath(id), nil, nil, &page); err != nil {
		return contract.Title{}, err
	}
	return decodeTitle(id, page.Properties)
}

func (c *Client) UpdateDocumentTitle(ctx context.Context, id contract.NodeID, t contract.Title) error {
	if t.Property == "" {
		return errors.Wrap(contract.ErrInvalidInput, "notion: empty title property")
	}
	spans, err := encodeRichText(t.RichText)
	if err != nil {
		return err
	}
	body := map[string]any{"properties": map[string]any{t.Property: map[string]any{"title": spans}}}
	return c.call(ctx, http.MethodPatch, pagePath(id), nil, body, nil)
}

var _ contract.DocumentService = (*Client)(nil)
