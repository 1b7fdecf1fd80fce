package traverse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notionfmt/pkg/contract"
	"notionfmt/plugins/service/flaky"
	"notionfmt/plugins/service/memory"
)

func text(s string) contract.RichText {
	return contract.RichText{{Kind: contract.SpanText, Content: s}}
}

func para(id contract.NodeID, s string) contract.Node {
	return contract.Node{ID: id, Type: contract.Paragraph, RichText: text(s)}
}

func updatedIDs(res Result) []string {
	out := make([]string, 0, len(res.Updates))
	for _, u := range res.Updates {
		out = append(out, string(u.NodeID))
	}
	sort.Strings(out)
	return out
}

// root → a, b；a → c；b → c；c → root（菱形 + 回边）
func diamond() *memory.Service {
	m := memory.New()
	m.AddNode(contract.Node{ID: "root", Type: contract.ChildPage}, "a", "b")
	m.AddNode(para("a", "中文abc"), "c")
	m.AddNode(para("b", "abc中文"), "c")
	m.AddNode(para("c", "中1文"), "root")
	return m
}

func TestCollectVisitsEachNodeOnce(t *testing.T) {
	m := diamond()
	res, err := NewCollector(m, Options{}, nil).Collect(context.Background(), "root")
	require.NoError(t, err)

	assert.Equal(t, 4, res.Scanned)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, []string{"a", "b", "c"}, updatedIDs(res))
	st := m.Stats()
	assert.EqualValues(t, 4, st.Gets, "每个节点只读取一次")
	assert.EqualValues(t, 4, st.Lists)
	assert.Zero(t, st.Updates, "遍历阶段不写")

	for _, u := range res.Updates {
		n, _ := m.Node(u.NodeID)
		assert.Equal(t, n.Version, u.Version, "记录发现时的版本")
		assert.Equal(t, contract.Paragraph, u.NodeType)
	}
}

func TestCollectContent(t *testing.T) {
	m := memory.New()
	m.AddNode(contract.Node{ID: "root", Type: contract.ChildPage}, "ok", "done", "col", "img")
	m.AddNode(para("ok", "使用Go开发"))
	m.AddNode(para("done", "已经有 space"))
	m.AddNode(contract.Node{ID: "col", Type: contract.Column}, "inner")
	m.AddNode(contract.Node{ID: "inner", Type: contract.ToDo, RichText: text("买3个")})
	m.AddNode(contract.Node{ID: "img", Type: contract.Unsupported}, "hidden")
	m.AddNode(para("hidden", "图片说明abc"))

	res, err := NewCollector(m, Options{}, nil).Collect(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"hidden", "inner", "ok"}, updatedIDs(res), "不支持的类型仍会下探其子节点")
	for _, u := range res.Updates {
		if u.NodeID == "ok" {
			assert.Equal(t, "使用 Go 开发", u.RichText.PlainText())
		}
		if u.NodeID == "inner" {
			assert.Equal(t, contract.ToDo, u.NodeType)
			assert.Equal(t, "买 3 个", u.RichText.PlainText())
		}
	}
	assert.Equal(t, 7, res.Scanned)
}

func TestCollectListFailureIsolated(t *testing.T) {
	m := diamond()
	svc, err := flaky.New(m, flaky.Options{FailList: []string{"a"}})
	require.NoError(t, err)

	res, err := NewCollector(svc, Options{}, nil).Collect(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, updatedIDs(res), "c 经 b 仍可达")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, contract.NodeID("a"), res.Skipped[0].NodeID)
	assert.Equal(t, StageList, res.Skipped[0].Stage)
}

func TestCollectGetFailureAbandonsSubtree(t *testing.T) {
	m := memory.New()
	m.AddNode(contract.Node{ID: "root", Type: contract.ChildPage}, "x", "y")
	m.AddNode(para("x", "中文x"), "x1")
	m.AddNode(para("x1", "中文x1"))
	m.AddNode(para("y", "中文y"))
	svc, err := flaky.New(m, flaky.Options{FailGet: []string{"x"}})
	require.NoError(t, err)

	res, err := NewCollector(svc, Options{}, nil).Collect(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, updatedIDs(res))
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, StageGet, res.Skipped[0].Stage)
	assert.Equal(t, 2, res.Scanned)
}

func TestCollectRootFailureIsFatal(t *testing.T) {
	m := diamond()
	_, err := NewCollector(m, Options{}, nil).Collect(context.Background(), "missing")
	assert.True(t, errors.Is(err, contract.ErrNotFound))

	_, err = NewCollector(m, Options{}, nil).Collect(context.Background(), " ")
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

// wide 构造 fan 个子节点、每个再挂 fan 个孙节点的树。
func wide(fan int) *memory.Service {
	m := memory.New()
	var kids []contract.NodeID
	for i := 0; i < fan; i++ {
		id := contract.NodeID(fmt.Sprintf("n%d", i))
		kids = append(kids, id)
		var grand []contract.NodeID
		for j := 0; j < fan; j++ {
			gid := contract.NodeID(fmt.Sprintf("n%d-%d", i, j))
			grand = append(grand, gid)
			m.AddNode(para(gid, "测试abc"))
		}
		m.AddNode(para(id, "节点1"), grand...)
	}
	m.AddNode(contract.Node{ID: "root", Type: contract.ChildPage}, kids...)
	return m
}

func TestCollectMaxFanout(t *testing.T) {
	m := wide(6)
	m.SetLatency(2 * time.Millisecond)
	res, err := NewCollector(m, Options{MaxFanout: 2}, nil).Collect(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, 1+6+36, res.Scanned)
	assert.Len(t, res.Updates, 42)
	// 调用方协程 + 至多 MaxFanout 个子任务
	assert.LessOrEqual(t, m.Stats().MaxInflight, int64(3))
}

func TestCollectUnboundedFanoutIsConcurrent(t *testing.T) {
	m := wide(6)
	m.SetLatency(5 * time.Millisecond)
	res, err := NewCollector(m, Options{}, nil).Collect(context.Background(), "root")
	require.NoError(t, err)
	assert.Len(t, res.Updates, 42)
	assert.Greater(t, m.Stats().MaxInflight, int64(1))
}

func TestCollectProgress(t *testing.T) {
	m := wide(4) // 1 + 4 + 16 = 21 个节点
	var mu sync.Mutex
	var ticks []int
	opt := Options{ProgressEvery: 10, OnProgress: func(scanned, _ int) {
		mu.Lock()
		ticks = append(ticks, scanned)
		mu.Unlock()
	}}
	_, err := NewCollector(m, opt, nil).Collect(context.Background(), "root")
	require.NoError(t, err)
	sort.Ints(ticks)
	assert.Equal(t, []int{10, 20}, ticks)
}

func TestCollectCanceled(t *testing.T) {
	m := wide(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCollector(m, Options{}, nil).Collect(ctx, "root")
	assert.Error(t, err)
}

func TestVisitedSet(t *testing.T) {
	s := NewVisitedSet()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Mark("same") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.True(t, s.Has("same"))
	assert.Equal(t, 1, s.Len())
}
