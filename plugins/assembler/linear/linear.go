package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"wikishard/pkg/contract"
)

// Options: 线性装配选项。
type Options struct {
	// NoMerge: 不合并跨分片边界的拆分页面（逐分片原样拼接页面）。
	NoMerge bool `json:"no_merge,omitempty"`
}

type assembler struct {
	merge bool
}

// New 从原样 JSON Options 创建线性装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("linear options: %w", err)
		}
	}
	return &assembler{merge: !o.NoMerge}, nil
}

// Assemble 按分片顺序还原文档：Header/Footer 取自首个分片，页面依次拼接；
// 前一分片末页与后一分片首页标记区完全一致时视为同一页面的拆分片段，合并其修订。
// 各分片 Header/Footer 不一致返回 ErrInvariantViolation。
func (a *assembler) Assemble(ctx context.Context, shards []*contract.Document) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return strings.NewReader(""), nil
	}
	first := shards[0]
	out := &contract.Document{FileID: first.FileID, Header: first.Header, Footer: first.Footer}
	for i, sh := range shards {
		if sh == nil {
			return nil, fmt.Errorf("assemble: shard %d is nil: %w", i, contract.ErrInvalidInput)
		}
		if !slices.Equal(sh.Header, first.Header) || !slices.Equal(sh.Footer, first.Footer) {
			return nil, fmt.Errorf("assemble: shard %d (%s) header/footer differs from %s: %w",
				i, sh.FileID, first.FileID, contract.ErrInvariantViolation)
		}
		for j, pg := range sh.Pages {
			if a.merge && i > 0 && j == 0 && len(out.Pages) > 0 && len(shards[i-1].Pages) > 0 {
				last := &out.Pages[len(out.Pages)-1]
				if samePage(*last, pg) {
					revs := make([]contract.Revision, 0, len(last.Revisions)+len(pg.Revisions))
					revs = append(revs, last.Revisions...)
					revs = append(revs, pg.Revisions...)
					*last = last.WithRevisions(revs)
					continue
				}
			}
			out.Pages = append(out.Pages, pg)
		}
	}
	return out.RenderAll(), nil
}

// samePage: 标记区（含标题、ID 与闭合标签）逐字节相同，且双方都有修订。
func samePage(a, b contract.Page) bool {
	return len(a.Revisions) > 0 && len(b.Revisions) > 0 &&
		slices.Equal(a.Start, b.Start) && slices.Equal(a.End, b.End)
}
