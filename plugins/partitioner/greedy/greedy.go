package greedy

import (
	"context"
	"fmt"

	"wikishard/pkg/contract"
)

// Options 为贪心分片器的可选配置。
type Options struct {
	// SkipValidate: 跳过输出自检（contract.ValidateGroups）。默认 false。
	SkipValidate bool `json:"skip_validate"`
}

// Partitioner 按原顺序贪心装箱：先以页面为单元，超出期望上限的页面再以修订为单元递归。
type Partitioner struct {
	validate bool
}

// New 创建分片器。
func New(opts *Options) *Partitioner {
	p := &Partitioner{validate: true}
	if opts != nil && opts.SkipValidate {
		p.validate = false
	}
	return p
}

var _ contract.Partitioner = (*Partitioner)(nil)

// sized: 可计量的原子单元（页面或修订）。
type sized interface {
	Size() int64
}

// pack 在 overhead+Σsize ≤ target 下顺序累积单元；
// 单个单元自身即无法满足 target 时交由 oversize 处理（拆分或单独成组）。
// 恰好等于预算的单元被纳入（≤）。
func pack[U sized](ctx context.Context, units []U, overhead, target int64,
	oversize func(U) ([]contract.Group, error), wrap func([]U) contract.Group) ([]contract.Group, error) {
	var (
		out     []contract.Group
		cur     []U
		curSize int64
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, wrap(cur))
			cur, curSize = nil, 0
		}
	}
	for i, u := range units {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		s := u.Size()
		if overhead+s > target {
			flush()
			gs, err := oversize(u)
			if err != nil {
				return nil, err
			}
			out = append(out, gs...)
			continue
		}
		if overhead+curSize+s > target {
			flush()
		}
		cur = append(cur, u)
		curSize += s
	}
	flush()
	return out, nil
}

// Partition 实现 contract.Partitioner。
func (p *Partitioner) Partition(ctx context.Context, doc *contract.Document, lim contract.Limits) ([]contract.Group, error) {
	if doc == nil {
		return nil, contract.ErrInvalidInput
	}
	if err := lim.Validate(); err != nil {
		return nil, fmt.Errorf("partitioner: limits hard=%d target=%d: %w", lim.Hard, lim.Target, err)
	}
	overhead := doc.Overhead()
	if overhead > lim.Hard {
		return nil, &contract.LimitError{Page: "(header+footer)", Size: overhead, Limit: lim.Hard}
	}
	wrapPages := func(ps []contract.Page) contract.Group { return contract.Group{Pages: ps} }
	groups, err := pack(ctx, doc.Pages, overhead, lim.Target, func(pg contract.Page) ([]contract.Group, error) {
		return splitPage(ctx, pg, overhead, lim)
	}, wrapPages)
	if err != nil {
		return nil, err
	}
	if p.validate {
		if err := contract.ValidateGroups(doc, groups, lim); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// splitPage 以修订为单元对超大页面递归装箱，每组都带上页面自身的 Start/End。
// 修订为原子单元：连同全部开销仍超过 Hard 时返回 *LimitError。
func splitPage(ctx context.Context, pg contract.Page, overhead int64, lim contract.Limits) ([]contract.Group, error) {
	pageOverhead := overhead + pg.MarkerSize()
	if pageOverhead > lim.Hard {
		return nil, &contract.LimitError{Page: pg.Title, Size: pageOverhead, Limit: lim.Hard}
	}
	if len(pg.Revisions) == 0 {
		// 无修订可拆：整页单独成组。
		return []contract.Group{{Pages: []contract.Page{pg}}}, nil
	}
	wrap := func(rs []contract.Revision) contract.Group {
		return contract.Group{
			Pages: []contract.Page{pg.WithRevisions(rs)},
			Split: len(rs) != len(pg.Revisions),
		}
	}
	return pack(ctx, pg.Revisions, pageOverhead, lim.Target, func(r contract.Revision) ([]contract.Group, error) {
		if sz := pageOverhead + r.Size(); sz > lim.Hard {
			return nil, &contract.LimitError{Page: pg.Title, Revision: revLabel(r), Size: sz, Limit: lim.Hard}
		}
		return []contract.Group{wrap([]contract.Revision{r})}, nil
	}, wrap)
}

func revLabel(r contract.Revision) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("at line %d", r.Line)
}
