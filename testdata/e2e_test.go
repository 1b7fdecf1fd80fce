package testdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "notionfmt/internal/config"
	"notionfmt/internal/notiontest"
	"notionfmt/internal/pipeline"
	"notionfmt/pkg/contract"
)

const token = "secret_e2e"

// baseConfig 指向仿真服务、关闭批间停顿并缩短退避，构造可运行的最小配置。
func baseConfig(srv *notiontest.Server) cfgpkg.Config {
	cfg := cfgpkg.Defaults()
	opts, _ := json.Marshal(map[string]any{"base_url": srv.URL, "token": token, "page_size": 2})
	rps, burst := 0.0, 0
	cfg.Services["notion"] = cfgpkg.Service{Client: "notion", Options: opts, Limits: cfgpkg.Limits{RPS: &rps, Burst: &burst}}
	cfg.BatchPauseMS = 0
	cfg.BackoffMS = 1
	cfg.RetryFailed = cfgpkg.RetryNever
	cfg.Logging.Level = "error"
	return cfg
}

func runPipeline(t *testing.T, cfg cfgpkg.Config, root string) (pipeline.Summary, error) {
	t.Helper()
	comp, set, err := cfgpkg.Assemble(cfg)
	require.NoError(t, err)
	set.Traverse.OnProgress = func(int, int) {}
	set.Writeback.OnBatch = func(int, int) {}
	return pipeline.Run(context.Background(), contract.NodeID(root), comp, set, nil)
}

// seed 构造：page(title) → b1, b2, b3, list → {b4}, col_list → col → {b5}；b3 无需修改。
func seed(srv *notiontest.Server) {
	srv.AddPage(notiontest.Page("page", "名称", notiontest.TextSpan("周报Week12")))
	srv.AddBlock(notiontest.Block("page", "child_page"), "b1", "b2", "b3", "list", "col_list")
	srv.AddBlock(notiontest.Block("b1", "paragraph",
		notiontest.TextSpan("使用"),
		notiontest.BoldLinkSpan("Go语言", "https://go.dev"),
		notiontest.MentionSpan("p9", "Other页面")))
	srv.AddBlock(notiontest.Block("b2", "heading_2", notiontest.TextSpan("第2节")))
	srv.AddBlock(notiontest.Block("b3", "quote", notiontest.TextSpan("无需修改")))
	srv.AddBlock(notiontest.Block("list", "bulleted_list_item", notiontest.TextSpan("列表")), "b4")
	srv.AddBlock(notiontest.Block("b4", "to_do", notiontest.TextSpan("升级到v2")))
	srv.AddBlock(notiontest.Block("col_list", "column_list"), "col")
	srv.AddBlock(notiontest.Block("col", "column"), "b5")
	srv.AddBlock(notiontest.Block("b5", "callout", notiontest.TextSpan("共100条")))
}

type richText []struct {
	Type string `json:"type"`
	Text struct {
		Content string `json:"content"`
		Link    *struct {
			URL string `json:"url"`
		} `json:"link"`
	} `json:"text"`
	Annotations struct {
		Bold bool `json:"bold"`
	} `json:"annotations"`
	PlainText string `json:"plain_text"`
	Href      string `json:"href"`
}

func blockText(t *testing.T, srv *notiontest.Server, id, typ string) richText {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(srv.Block(id), &obj))
	var body struct {
		RichText richText `json:"rich_text"`
	}
	require.NoError(t, json.Unmarshal(obj[typ], &body))
	return body.RichText
}

func plain(rt richText) string {
	s := ""
	for _, sp := range rt {
		s += sp.PlainText
	}
	return s
}

func TestE2ESuccess(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()
	seed(srv)

	sum, err := runPipeline(t, baseConfig(srv), "page")
	require.NoError(t, err)
	assert.True(t, sum.OK())
	assert.Equal(t, pipeline.TitleUpdated, sum.Title)
	assert.Equal(t, 9, sum.Scanned)
	assert.Equal(t, 4, sum.Queued)
	assert.Equal(t, 4, sum.Succeeded)

	b1 := blockText(t, srv, "b1", "paragraph")
	require.Len(t, b1, 3)
	// 片段各自格式化，跨片段边界不插入空格
	assert.Equal(t, "使用Go 语言Other页面", plain(b1))
	// 链接、注解与 mention 原样保留
	assert.Equal(t, "Go 语言", b1[1].Text.Content)
	assert.True(t, b1[1].Annotations.Bold)
	require.NotNil(t, b1[1].Text.Link)
	assert.Equal(t, "https://go.dev", b1[1].Text.Link.URL)
	assert.Equal(t, "mention", b1[2].Type)
	assert.Equal(t, "Other页面", b1[2].PlainText)

	assert.Equal(t, "第 2 节", plain(blockText(t, srv, "b2", "heading_2")))
	assert.Equal(t, "无需修改", plain(blockText(t, srv, "b3", "quote")))
	assert.Equal(t, "升级到 v2", plain(blockText(t, srv, "b4", "to_do")))
	assert.Equal(t, "共 100 条", plain(blockText(t, srv, "b5", "callout")))

	var page struct {
		Properties map[string]struct {
			Title richText `json:"title"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(srv.Page("page"), &page))
	assert.Equal(t, "周报 Week12", plain(page.Properties["名称"].Title))

	// 4 个块 + 1 个标题
	assert.Len(t, srv.Patches(), 5)
}

func TestE2EIdempotent(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()
	seed(srv)

	_, err := runPipeline(t, baseConfig(srv), "page")
	require.NoError(t, err)
	patches := len(srv.Patches())

	sum, err := runPipeline(t, baseConfig(srv), "page")
	require.NoError(t, err)
	assert.Equal(t, pipeline.TitleUnchanged, sum.Title)
	assert.Equal(t, 0, sum.Queued)
	assert.Len(t, srv.Patches(), patches)
}

func TestE2ERateLimitedRecovers(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()
	seed(srv)
	srv.Fail(http.MethodPatch, "/v1/blocks/b2", http.StatusTooManyRequests, 2)

	sum, err := runPipeline(t, baseConfig(srv), "page")
	require.NoError(t, err)
	assert.True(t, sum.OK())
	assert.Equal(t, "第 2 节", plain(blockText(t, srv, "b2", "heading_2")))
}

func TestE2EPersistentFailureRetriedOnce(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()
	seed(srv)
	srv.Fail(http.MethodPatch, "/v1/blocks/b4", http.StatusBadGateway, 100)

	cfg := baseConfig(srv)
	cfg.RetryFailed = cfgpkg.RetryAlways
	sum, err := runPipeline(t, cfg, "page")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Passes)
	require.Len(t, sum.Failed, 1)
	f := sum.Failed[0]
	assert.Equal(t, contract.NodeID("b4"), f.Update.NodeID)
	assert.Equal(t, 3, f.Attempts)
	assert.True(t, errors.Is(f.Err, contract.ErrRetriesExhausted))
	assert.Equal(t, "升级到v2", plain(blockText(t, srv, "b4", "to_do")))
	// 其余记录不受影响
	assert.Equal(t, "共 100 条", plain(blockText(t, srv, "b5", "callout")))
}

func TestE2EListFailureIsolated(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()
	seed(srv)
	srv.Fail(http.MethodGet, "/v1/blocks/list/children", http.StatusInternalServerError, 100)

	sum, err := runPipeline(t, baseConfig(srv), "page")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 3, sum.Queued, "list 的子树被放弃")
	assert.Equal(t, "升级到v2", plain(blockText(t, srv, "b4", "to_do")))
}

func TestE2ERootNotFound(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()

	sum, err := runPipeline(t, baseConfig(srv), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, contract.ErrNotFound))
	assert.Equal(t, pipeline.TitleFailed, sum.Title)
}

func TestE2EWideDocumentPaginates(t *testing.T) {
	srv := notiontest.New(token)
	defer srv.Close()
	var kids []string
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("p%02d", i)
		kids = append(kids, id)
		srv.AddBlock(notiontest.Block(id, "paragraph", notiontest.TextSpan(fmt.Sprintf("第%d段", i))))
	}
	srv.AddBlock(notiontest.Block("root", "child_page"), kids...)

	start := time.Now()
	sum, err := runPipeline(t, baseConfig(srv), "root")
	require.NoError(t, err)
	assert.Equal(t, pipeline.TitleFailed, sum.Title, "root 不是页面")
	assert.Equal(t, 26, sum.Scanned)
	assert.Equal(t, 25, sum.Succeeded)
	assert.Equal(t, "第 7 段", plain(blockText(t, srv, "p07", "paragraph")))
	t.Logf("25 个块耗时 %v", time.Since(start))
}
