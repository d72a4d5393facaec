package greedy

import (
	"context"
	"fmt"
	"testing"

	"wikishard/pkg/contract"
)

// BenchmarkPartition 基准测试 Partition，不同页面数量下的表现；每 10 页有一页需按修订拆分。
func BenchmarkPartition(b *testing.B) {
	sizes := []int{100, 1000, 10000}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("pages=%d", n), func(b *testing.B) {
			d := makeDoc(n)
			lim := contract.Limits{Hard: 8000, Target: 6000}
			p := New(nil)
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := p.Partition(ctx, d, lim); err != nil {
					b.Fatalf("分组失败: %v", err)
				}
			}
		})
	}
}

func makeDoc(n int) *contract.Document {
	pages := make([]contract.Page, n)
	for i := range pages {
		if i%10 == 0 {
			pages[i] = page(fmt.Sprintf("P%d", i), 80, 1500, 2500, 3000, 900)
			continue
		}
		pages[i] = page(fmt.Sprintf("P%d", i), 80, 300, 200)
	}
	return doc(400, 20, pages...)
}
