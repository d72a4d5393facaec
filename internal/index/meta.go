package index

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"wikishard/pkg/contract"
)

// 标签名按 local-name() 匹配，兼容带命名空间前缀的导出。
var (
	xpTitle     = xpath.MustCompile(`//*[local-name()='page']/*[local-name()='title']`)
	xpPageID    = xpath.MustCompile(`//*[local-name()='page']/*[local-name()='id']`)
	xpRevID     = xpath.MustCompile(`//*[local-name()='revision']/*[local-name()='id']`)
	xpTimestamp = xpath.MustCompile(`//*[local-name()='revision']/*[local-name()='timestamp']`)
	xpUsername  = xpath.MustCompile(`//*[local-name()='revision']/*[local-name()='contributor']/*[local-name()='username']`)
	xpIP        = xpath.MustCompile(`//*[local-name()='revision']/*[local-name()='contributor']/*[local-name()='ip']`)
	xpText      = xpath.MustCompile(`//*[local-name()='revision']/*[local-name()='text']`)
)

// UnknownContributor 用于既无用户名也无 IP 的修订（例如贡献者被隐藏）。
const UnknownContributor = "unknown"

// PageMeta 为页面元数据。
type PageMeta struct {
	ID        int64
	Title     string
	Revisions []RevisionMeta
}

// Latest 返回最后一个修订 ID；无修订时 ok=false。
func (m PageMeta) Latest() (int64, bool) {
	if len(m.Revisions) == 0 {
		return 0, false
	}
	return m.Revisions[len(m.Revisions)-1].ID, true
}

// RevisionMeta 为修订元数据。
type RevisionMeta struct {
	ID          int64
	Text        string
	Contributor string
	Timestamp   string
}

// Envelope 为文档根元素的起止标签。片段包在其中解析，
// 根元素上的命名空间声明（如 xmlns:mw）才能对片段内的前缀生效。
type Envelope struct {
	Open  string
	Close string
}

// EnvelopeOf 从 Header 中取出根元素起始标签（跳过 XML 声明、注释与 DOCTYPE）。
// 找不到时返回零值，片段按原样解析。
func EnvelopeOf(header contract.Lines) Envelope {
	s := strings.Join(header, "")
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			continue
		}
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, "<!--"):
			j := strings.Index(rest, "-->")
			if j < 0 {
				return Envelope{}
			}
			i += j + 2
			continue
		case strings.HasPrefix(rest, "<?"):
			j := strings.Index(rest, "?>")
			if j < 0 {
				return Envelope{}
			}
			i += j + 1
			continue
		case strings.HasPrefix(rest, "<!"):
			j := strings.IndexByte(rest, '>')
			if j < 0 {
				return Envelope{}
			}
			i += j
			continue
		}
		end := tagEnd(rest)
		if end < 0 {
			return Envelope{}
		}
		open := rest[:end+1]
		if strings.HasSuffix(open, "/>") {
			return Envelope{}
		}
		name := open[1:]
		if j := strings.IndexAny(name, " \t\r\n/>"); j >= 0 {
			name = name[:j]
		}
		return Envelope{Open: open, Close: "</" + name + ">"}
	}
	return Envelope{}
}

// tagEnd 返回起始标签结束 '>' 的下标；引号内的 '>' 不计。
func tagEnd(s string) int {
	var q byte
	for j := 1; j < len(s); j++ {
		c := s[j]
		switch {
		case q != 0:
			if c == q {
				q = 0
			}
		case c == '"' || c == '\'':
			q = c
		case c == '>':
			return j
		}
	}
	return -1
}

// ExtractPage 从页面标记区与各修订原始行中提取元数据。
// 页面标记区为 Start+End（不含修订），修订逐个独立解析；均包在 env 中。
func ExtractPage(env Envelope, p contract.Page) (PageMeta, error) {
	root, err := parse(env, p.Start, p.End)
	if err != nil {
		return PageMeta{}, fmt.Errorf("page at line %d: %w", p.Line, err)
	}
	meta := PageMeta{Title: text(root, xpTitle)}
	if meta.ID, err = number(root, xpPageID); err != nil {
		return PageMeta{}, fmt.Errorf("page %q: %w", meta.Title, err)
	}
	meta.Revisions = make([]RevisionMeta, 0, len(p.Revisions))
	for _, r := range p.Revisions {
		rm, err := ExtractRevision(env, r)
		if err != nil {
			return PageMeta{}, fmt.Errorf("page %q: %w", meta.Title, err)
		}
		meta.Revisions = append(meta.Revisions, rm)
	}
	return meta, nil
}

// ExtractRevision 解析单个修订。
func ExtractRevision(env Envelope, r contract.Revision) (RevisionMeta, error) {
	root, err := parse(env, r.Lines)
	if err != nil {
		return RevisionMeta{}, fmt.Errorf("revision at line %d: %w", r.Line, err)
	}
	id, err := number(root, xpRevID)
	if err != nil {
		return RevisionMeta{}, fmt.Errorf("revision at line %d: %w", r.Line, err)
	}
	rm := RevisionMeta{
		ID:          id,
		Text:        text(root, xpText),
		Timestamp:   text(root, xpTimestamp),
		Contributor: UnknownContributor,
	}
	if n := xmlquery.QuerySelector(root, xpUsername); n != nil {
		rm.Contributor = n.InnerText()
	} else if n := xmlquery.QuerySelector(root, xpIP); n != nil {
		rm.Contributor = n.InnerText()
	}
	return rm, nil
}

func parse(env Envelope, parts ...contract.Lines) (*xmlquery.Node, error) {
	var sb strings.Builder
	sb.WriteString(env.Open)
	for _, l := range parts {
		for _, s := range l {
			sb.WriteString(s)
		}
	}
	sb.WriteString(env.Close)
	root, err := xmlquery.Parse(strings.NewReader(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrMalformed, err)
	}
	return root, nil
}

func text(root *xmlquery.Node, expr *xpath.Expr) string {
	if n := xmlquery.QuerySelector(root, expr); n != nil {
		return n.InnerText()
	}
	return ""
}

func number(root *xmlquery.Node, expr *xpath.Expr) (int64, error) {
	s := strings.TrimSpace(text(root, expr))
	if s == "" {
		return 0, fmt.Errorf("%w: missing id", contract.ErrMalformed)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q", contract.ErrMalformed, s)
	}
	return n, nil
}
