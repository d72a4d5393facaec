package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Lines: 原始行序列，每行保留其行尾（\n 或 \r\n；文件末行可无行尾）。
// 约束：拼接即得到原始字节，不做任何归一化。
type Lines []string

// Revision: 单个修订记录，从 <revision> 所在行至 </revision> 所在行（含）。
// 约束：
//  1. Lines 拼接与源文件对应切片逐字节一致；
//  2. 只会被整体分组/复制，不做内部修改；
//  3. 两个修订之间的游离行随后一个修订携带（仍保持原始顺序）。
type Revision struct {
	// ID: 修订 <id>（可能为空，仅用于诊断与排序断言）。
	ID string
	// Line: 起始行号（1 起）。
	Line  int
	Lines Lines
}

// Page: 页面记录。
// Start 为首个修订之前的全部行（含页面开标签与 title/id 等元数据，以及页间游离行），
// End 为最后一个修订之后的全部行（含页面闭标签）。
// 约束：Start + Revisions... + End 逐字节还原源页面。
type Page struct {
	Title     string
	ID        string
	Line      int
	Start     Lines
	Revisions []Revision
	End       Lines
}

// WithRevisions 返回共享标记区、仅包含 revs 的页面副本（用于修订级拆分）。
func (p Page) WithRevisions(revs []Revision) Page {
	q := p
	q.Revisions = revs
	return q
}

// Document: 单个导出文件的结构模型。
// Header 为文档起始至 </siteinfo> 所在行（含）；Footer 为 </mediawiki> 所在行，
// 以及其前未归属任何页面的游离行与其后的空白行。
// 约束：Header + Pages... + Footer 逐字节还原源文件。
type Document struct {
	FileID FileID
	Header Lines
	Pages  []Page
	Footer Lines
}

// Group: 分片组。
// Split=false：若干完整页面的连续子序列；
// Split=true：恰好一个页面，其 Revisions 为源页面修订的连续子序列，并复用源页面的 Start/End。
type Group struct {
	Pages []Page
	Split bool
}

// Revisions 返回组内修订总数。
func (g Group) Revisions() int {
	n := 0
	for _, p := range g.Pages {
		n += len(p.Revisions)
	}
	return n
}

// Limits: 分片字节预算。Hard 为绝对上限，Target 为期望上限（Target ≤ Hard）。
// 两者相互独立，不假设固定比例。
type Limits struct {
	Hard   int64
	Target int64
}

// Validate 校验 0 < Target ≤ Hard。
func (l Limits) Validate() error {
	if l.Target <= 0 || l.Hard <= 0 || l.Target > l.Hard {
		return ErrInvalidInput
	}
	return nil
}
