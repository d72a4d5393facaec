package contract

import "io"

// Render 以流式 io.Reader 输出 Header + g + Footer，不拼接整段字符串。
func (d *Document) Render(g Group) io.Reader {
	segs := make([]Lines, 0, 2+len(g.Pages)*2+g.Revisions())
	segs = append(segs, d.Header)
	segs = appendPages(segs, g.Pages)
	segs = append(segs, d.Footer)
	return &linesReader{segs: segs}
}

// RenderAll 输出整份文档（用于回环校验）。
func (d *Document) RenderAll() io.Reader {
	return d.Render(Group{Pages: d.Pages})
}

func appendPages(segs []Lines, pages []Page) []Lines {
	for _, p := range pages {
		segs = append(segs, p.Start)
		for _, r := range p.Revisions {
			segs = append(segs, r.Lines)
		}
		segs = append(segs, p.End)
	}
	return segs
}

// linesReader 依次读出若干 Lines 段。
type linesReader struct {
	segs []Lines
	seg  int
	line int
	off  int
}

func (r *linesReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.seg >= len(r.segs) {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		cur := r.segs[r.seg]
		if r.line >= len(cur) {
			r.seg++
			r.line = 0
			r.off = 0
			continue
		}
		s := cur[r.line]
		c := copy(p[n:], s[r.off:])
		n += c
		r.off += c
		if r.off >= len(s) {
			r.line++
			r.off = 0
		}
	}
	return n, nil
}
