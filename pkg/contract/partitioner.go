package contract

import "context"

// Partitioner: 在 Limits 下把 Document 的页面序列切分为有序 Group。
// 约束：
//  1. 每组 Overhead + Size ≤ Hard；尽量 ≤ Target；
//  2. 页面与修订顺序保持不变，不为装箱效率重排；
//  3. 空页面序列返回零个组；
//  4. 单个修订无法容纳于 Hard 时返回 *LimitError，且不返回任何组；
//  5. 纯计算，不做 I/O。
type Partitioner interface {
	Partition(ctx context.Context, doc *Document, lim Limits) ([]Group, error)
}
