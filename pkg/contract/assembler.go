package contract

import (
	"context"
	"io"
)

// Assembler: 将同一源文件的分片（按分片序）还原为单个文档字节流。
// 约束：
//  1. 所有分片 Header/Footer 必须一致，否则返回 ErrInvariantViolation；
//  2. 跨分片边界、标记区完全一致的相邻页面视为同一页面的拆分片段并合并；
//  3. 不引入跨源状态。
type Assembler interface {
	Assemble(ctx context.Context, shards []*Document) (io.Reader, error)
}
