package contract

import "fmt"

// ValidateGroups 校验分组结果（纯函数，无 I/O）：
//   - 每组非空，Split 组恰含一个页面；
//   - 渲染尺寸 ≤ lim.Hard；
//   - 展平后的页面/修订序列与 doc 完全一致（不丢失、不重复、不重排）。
func ValidateGroups(doc *Document, groups []Group, lim Limits) error {
	type key struct{ page, rev int }
	want := make([]key, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		if len(p.Revisions) == 0 {
			want = append(want, key{p.Line, 0})
			continue
		}
		for _, r := range p.Revisions {
			want = append(want, key{p.Line, r.Line})
		}
	}
	i := 0
	for gi, g := range groups {
		if len(g.Pages) == 0 {
			return fmt.Errorf("%w: group %d empty", ErrInvariantViolation, gi)
		}
		if g.Split && len(g.Pages) != 1 {
			return fmt.Errorf("%w: split group %d holds %d pages", ErrInvariantViolation, gi, len(g.Pages))
		}
		if sz := doc.ShardSize(g); sz > lim.Hard {
			return fmt.Errorf("%w: group %d renders %d bytes, hard limit %d", ErrInvariantViolation, gi, sz, lim.Hard)
		}
		for _, p := range g.Pages {
			if len(p.Revisions) == 0 {
				if i >= len(want) || want[i] != (key{p.Line, 0}) {
					return fmt.Errorf("%w: group %d out of order at page line %d", ErrInvariantViolation, gi, p.Line)
				}
				i++
				continue
			}
			for _, r := range p.Revisions {
				if i >= len(want) || want[i] != (key{p.Line, r.Line}) {
					return fmt.Errorf("%w: group %d out of order at revision line %d", ErrInvariantViolation, gi, r.Line)
				}
				i++
			}
		}
	}
	if i != len(want) {
		return fmt.Errorf("%w: %d of %d units covered", ErrInvariantViolation, i, len(want))
	}
	return nil
}
