package pipeline

import (
	"context"
	"fmt"
	"testing"

	"notionfmt/pkg/contract"
	"notionfmt/plugins/service/memory"
)

// wideTree 构造 fanout 叉、depth 层的文档树，全部段落均需格式化。
func wideTree(fanout, depth int) *memory.Service {
	m := memory.New()
	var build func(id contract.NodeID, level int)
	build = func(id contract.NodeID, level int) {
		var kids []contract.NodeID
		if level < depth {
			for i := 0; i < fanout; i++ {
				kids = append(kids, contract.NodeID(fmt.Sprintf("%s.%d", id, i)))
			}
		}
		typ := contract.Toggle
		if level == 0 {
			typ = contract.ChildPage
		}
		m.AddNode(contract.Node{ID: id, Type: typ, RichText: text("节点" + string(id) + "内容abc")}, kids...)
		for _, k := range kids {
			build(k, level+1)
		}
	}
	build("root", 0)
	return m
}

// BenchmarkRun 测试完整流程（不同遍历并发上限）。
func BenchmarkRun(b *testing.B) {
	for _, fanout := range []int{0, 4} {
		b.Run(fmt.Sprintf("max_fanout=%d", fanout), func(b *testing.B) {
			set := settings(RetryNever)
			set.Writeback.BatchSize = 16
			set.Traverse.MaxFanout = fanout
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				m := wideTree(4, 4)
				b.StartTimer()
				sum, err := Run(context.Background(), "root", Components{Service: m}, set, nil)
				if err != nil {
					b.Fatalf("运行失败: %v", err)
				}
				if !sum.OK() {
					b.Fatalf("存在失败记录: %d", len(sum.Failed))
				}
			}
		})
	}
}
