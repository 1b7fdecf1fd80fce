package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notionfmt/pkg/contract"
	"notionfmt/plugins/service/flaky"
	"notionfmt/plugins/service/memory"
	"notionfmt/plugins/service/notion"
)

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	require.NoError(t, strictUnmarshal(nil, &o))
	assert.Zero(t, o.A)
	require.NoError(t, strictUnmarshal(json.RawMessage(`{"a":1}`), &o))
	assert.Equal(t, 1, o.A)
	err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput), "未知字段应报错")
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"flaky", "memory", "notion"}, Names())
}

func TestBuildNotion(t *testing.T) {
	svc, err := Build("notion", json.RawMessage(`{"token":"secret_x","base_url":"http://127.0.0.1:1"}`))
	require.NoError(t, err)
	assert.IsType(t, &notion.Client{}, svc)

	_, err = Build("notion", json.RawMessage(`{"token":"x","nope":1}`))
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

func TestBuildMemoryFromFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - id: p\n    type: paragraph\n    text: 中文a\n"), 0o644))
	raw, _ := json.Marshal(map[string]any{"fixture": path})
	svc, err := Build("memory", raw)
	require.NoError(t, err)
	require.IsType(t, &memory.Service{}, svc)
	n, err := svc.GetNode(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "中文a", n.RichText.PlainText())
}

func TestBuildFlakyWrapsInner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - id: p\n    type: paragraph\n"), 0o644))
	raw, _ := json.Marshal(map[string]any{
		"inner":         "memory",
		"inner_options": map[string]any{"fixture": path},
		"fail_get":      []string{"p"},
	})
	svc, err := Build("flaky", raw)
	require.NoError(t, err)
	require.IsType(t, &flaky.Service{}, svc)
	_, err = svc.GetNode(context.Background(), "p")
	assert.Error(t, err)

	_, err = Build("flaky", json.RawMessage(`{"inner":"flaky"}`))
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
	_, err = Build("flaky", json.RawMessage(`{"inner":"ghost"}`))
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

func TestBuildUnknown(t *testing.T) {
	_, err := Build("dropbox", nil)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}
