package greedy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"wikishard/pkg/contract"
)

// pad 生成恰好 n 字节的行（含换行）。
func pad(n int) string {
	if n < 1 {
		return ""
	}
	return strings.Repeat("x", n-1) + "\n"
}

var lineSeq = 0

// rev 构造恰好 size 字节的修订。
func rev(id string, size int) contract.Revision {
	lineSeq++
	return contract.Revision{ID: id, Line: lineSeq, Lines: contract.Lines{pad(size)}}
}

// page 构造页面：markers 为 Start/End 总字节（各一半），revs 为修订尺寸。
func page(title string, markers int, revs ...int) contract.Page {
	lineSeq++
	p := contract.Page{Title: title, Line: lineSeq}
	p.Start = contract.Lines{pad(markers / 2)}
	p.End = contract.Lines{pad(markers - markers/2)}
	for i, s := range revs {
		p.Revisions = append(p.Revisions, rev(fmt.Sprintf("%s-%d", title, i), s))
	}
	return p
}

// doc 构造 header/footer 指定尺寸的文档。
func doc(header, footer int, pages ...contract.Page) *contract.Document {
	return &contract.Document{
		FileID: "d.xml",
		Header: contract.Lines{pad(header)},
		Pages:  pages,
		Footer: contract.Lines{pad(footer)},
	}
}

func titles(gs []contract.Group) [][]string {
	out := make([][]string, 0, len(gs))
	for _, g := range gs {
		var ts []string
		for _, p := range g.Pages {
			ts = append(ts, p.Title)
		}
		out = append(out, ts)
	}
	return out
}

// UT-PRT-01: 三个页面（400/1500/300），T=1000。中间超大页面独立成组，顺序不变。
func TestScenarioOrderPreserved(t *testing.T) {
	d := doc(100, 20,
		page("p1", 100, 300),
		page("p2", 100, 1400),
		page("p3", 100, 200),
	)
	gs, err := New(nil).Partition(context.Background(), d, contract.Limits{Hard: 2000, Target: 1000})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	got := titles(gs)
	if len(got) != 3 || got[0][0] != "p1" || got[1][0] != "p2" || got[2][0] != "p3" {
		t.Fatalf("分组错误: %v", got)
	}
	if gs[1].Split {
		t.Fatalf("单修订页面整体成组，不应标记拆分")
	}
	if sz := d.ShardSize(gs[1]); sz <= 1000 || sz > 2000 {
		t.Fatalf("p2 分片尺寸 %d 应介于 T 与 H 之间", sz)
	}
}

// UT-PRT-02: 页面 50,000 字节（10×5,000），T=12,000 → 5 组，每组 2 个修订。
func TestScenarioRevisionSplit(t *testing.T) {
	revs := make([]int, 10)
	for i := range revs {
		revs[i] = 5000
	}
	d := doc(60, 20, page("big", 120, revs...))
	gs, err := New(nil).Partition(context.Background(), d, contract.Limits{Hard: 20000, Target: 12000})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(gs) != 5 {
		t.Fatalf("组数 %d, 预期 5", len(gs))
	}
	for i, g := range gs {
		if !g.Split || len(g.Pages) != 1 || len(g.Pages[0].Revisions) != 2 {
			t.Fatalf("组 %d 形状错误: split=%v revs=%d", i, g.Split, g.Revisions())
		}
		if d.ShardSize(g) > 12000 {
			t.Fatalf("组 %d 超过 T: %d", i, d.ShardSize(g))
		}
		if g.Pages[0].Start[0] != d.Pages[0].Start[0] || g.Pages[0].End[0] != d.Pages[0].End[0] {
			t.Fatalf("拆分组应复用页面标记")
		}
	}
}

// UT-PRT-03: 恰好等于预算的单元被纳入（≤）。
func TestExactFitIncluded(t *testing.T) {
	d := doc(50, 50, page("a", 100, 300), page("b", 100, 400))
	// overhead 100 + a 400 + b 500 = 1000
	gs, err := New(nil).Partition(context.Background(), d, contract.Limits{Hard: 1000, Target: 1000})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(gs) != 1 || len(gs[0].Pages) != 2 {
		t.Fatalf("恰好装满应合并为一组: %v", titles(gs))
	}
	gs, err = New(nil).Partition(context.Background(), d, contract.Limits{Hard: 1000, Target: 999})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(gs) != 2 {
		t.Fatalf("超出 1 字节应拆为两组: %v", titles(gs))
	}
}

// UT-PRT-04: 空页面序列 → 零组。
func TestEmptyInput(t *testing.T) {
	gs, err := New(nil).Partition(context.Background(), doc(10, 10), contract.Limits{Hard: 100, Target: 100})
	if err != nil || len(gs) != 0 {
		t.Fatalf("空输入应返回零组: %v %v", gs, err)
	}
}

// UT-PRT-05: 单个修订超过 H → 不满足约束错误，且不返回任何组。
func TestAtomicRevisionTooLarge(t *testing.T) {
	d := doc(10, 10, page("ok", 10, 50), page("huge", 10, 40, 500, 40))
	gs, err := New(nil).Partition(context.Background(), d, contract.Limits{Hard: 300, Target: 200})
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
	if gs != nil {
		t.Fatalf("失败时不应返回分组")
	}
	var le *contract.LimitError
	if !errors.As(err, &le) || le.Page != "huge" || le.Revision != "huge-1" || le.Size != 530 || le.Limit != 300 {
		t.Fatalf("错误信息不完整: %+v", le)
	}
}

// 超过 T 但不超过 H 的修订单独成组（尽力而为）。
func TestOversizeRevisionAccepted(t *testing.T) {
	d := doc(10, 10, page("p", 20, 50, 250, 50))
	gs, err := New(nil).Partition(context.Background(), d, contract.Limits{Hard: 300, Target: 200})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if len(gs) != 3 || gs[1].Revisions() != 1 || gs[1].Pages[0].Revisions[0].ID != "p-1" {
		t.Fatalf("超大修订应单独成组: %d groups", len(gs))
	}
	if d.ShardSize(gs[1]) <= 200 {
		t.Fatalf("该组应超过 T")
	}
}

// 无修订页面超过 T：≤H 时整页独立成组，>H 时报错。
func TestRevisionlessPage(t *testing.T) {
	d := doc(10, 10, page("a", 40, 10), page("bare", 150), page("c", 40, 10))
	gs, err := New(nil).Partition(context.Background(), d, contract.Limits{Hard: 200, Target: 100})
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if got := titles(gs); len(got) != 3 || got[1][0] != "bare" {
		t.Fatalf("分组错误: %v", got)
	}
	_, err = New(nil).Partition(context.Background(), d, contract.Limits{Hard: 160, Target: 100})
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
}

// Header+Footer 自身超过 H。
func TestOverheadTooLarge(t *testing.T) {
	_, err := New(nil).Partition(context.Background(), doc(100, 100), contract.Limits{Hard: 150, Target: 150})
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
}

func TestInvalidLimits(t *testing.T) {
	_, err := New(nil).Partition(context.Background(), doc(1, 1), contract.Limits{Hard: 10, Target: 20})
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if _, err := New(nil).Partition(context.Background(), nil, contract.Limits{Hard: 1, Target: 1}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("nil doc 应报错")
	}
}

// 性质：尺寸上界、顺序保持（确定性伪随机输入）。
func TestProperties(t *testing.T) {
	var pages []contract.Page
	seed := uint32(7)
	next := func(n int) int {
		seed = seed*1664525 + 1013904223
		return int(seed>>8)%n + 1
	}
	for i := 0; i < 200; i++ {
		nrev := next(6) - 1
		sizes := make([]int, nrev)
		for j := range sizes {
			sizes[j] = next(900)
		}
		pages = append(pages, page(fmt.Sprintf("p%03d", i), 20+next(40), sizes...))
	}
	d := doc(80, 20, pages...)
	lim := contract.Limits{Hard: 1400, Target: 1000}
	gs, err := New(nil).Partition(context.Background(), d, lim)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	var flat []string
	for _, g := range gs {
		sz := d.ShardSize(g)
		if sz > lim.Hard {
			t.Fatalf("超过 H: %d", sz)
		}
		if sz > lim.Target && (g.Revisions() > 1 || len(g.Pages) != 1) {
			t.Fatalf("超过 T 的组只能含一个单元: pages=%d revs=%d", len(g.Pages), g.Revisions())
		}
		for _, p := range g.Pages {
			if len(p.Revisions) == 0 {
				flat = append(flat, p.Title)
			}
			for _, r := range p.Revisions {
				flat = append(flat, r.ID)
			}
		}
	}
	var want []string
	for _, p := range d.Pages {
		if len(p.Revisions) == 0 {
			want = append(want, p.Title)
		}
		for _, r := range p.Revisions {
			want = append(want, r.ID)
		}
	}
	if strings.Join(flat, ",") != strings.Join(want, ",") {
		t.Fatalf("顺序或覆盖不一致")
	}
}

// 幂等：分片正文按序拼接后重新分片，得到相同边界（无拆分页面时）。
func TestIdempotentRepartition(t *testing.T) {
	d := doc(30, 15,
		page("a", 20, 100, 80), page("b", 20, 300), page("c", 20, 50),
		page("d", 20, 400), page("e", 20, 10, 10), page("f", 20, 200),
	)
	lim := contract.Limits{Hard: 800, Target: 600}
	gs, err := New(nil).Partition(context.Background(), d, lim)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	var again []contract.Page
	for _, g := range gs {
		if g.Split {
			t.Fatalf("本用例不应产生拆分")
		}
		b, _ := io.ReadAll(d.Render(g))
		body := string(b)[d.Header.Size() : int64(len(b))-d.Footer.Size()]
		if int64(len(body)) != g.Size() {
			t.Fatalf("正文尺寸不一致")
		}
		again = append(again, g.Pages...)
	}
	d2 := doc(30, 15, again...)
	gs2, err := New(nil).Partition(context.Background(), d2, lim)
	if err != nil {
		t.Fatalf("repartition: %v", err)
	}
	if fmt.Sprint(titles(gs)) != fmt.Sprint(titles(gs2)) {
		t.Fatalf("重新分片边界不同: %v vs %v", titles(gs), titles(gs2))
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Partition(ctx, doc(1, 1, page("a", 2, 1)), contract.Limits{Hard: 100, Target: 100})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}
