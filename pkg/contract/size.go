package contract

// 尺寸计算（Size Oracle）：按 UTF-8 编码字节数计量，全部为组合式求和，
// 不渲染整段文本。解析阶段已校验 UTF-8，故字符串长度即编码字节数。

// SizeOf 返回 s 的编码字节数。
func SizeOf(s string) int64 { return int64(len(s)) }

// Size 为各行字节数之和。
func (l Lines) Size() int64 {
	var n int64
	for _, s := range l {
		n += SizeOf(s)
	}
	return n
}

func (r Revision) Size() int64 { return r.Lines.Size() }

// MarkerSize 返回页面自身开/闭标记区的字节数。
func (p Page) MarkerSize() int64 { return p.Start.Size() + p.End.Size() }

// Size = Start + Σ Revision + End。
func (p Page) Size() int64 {
	n := p.MarkerSize()
	for _, r := range p.Revisions {
		n += r.Size()
	}
	return n
}

// Size 返回组正文字节数（不含 Header/Footer）。
func (g Group) Size() int64 {
	var n int64
	for _, p := range g.Pages {
		n += p.Size()
	}
	return n
}

// Overhead 返回每个分片都要携带的 Header+Footer 字节数。
func (d *Document) Overhead() int64 { return d.Header.Size() + d.Footer.Size() }

// ShardSize 返回 g 渲染为独立文档后的字节数。
func (d *Document) ShardSize(g Group) int64 { return d.Overhead() + g.Size() }

// Size 返回整份文档字节数。
func (d *Document) Size() int64 {
	n := d.Overhead()
	for _, p := range d.Pages {
		n += p.Size()
	}
	return n
}
