package mwxml

import (
	"bufio"
	"context"
	"errors"
	"html"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"wikishard/pkg/contract"
)

// Options 为解析器可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 1MiB。
	BufSize int `json:"buf_size"`
	// AllowInvalidUTF8: 为 true 时不校验 UTF-8（尺寸仍按原始字节计）。
	AllowInvalidUTF8 bool `json:"allow_invalid_utf8"`
}

// Parser 为逐行状态机实现的 contract.Parser。
type Parser struct {
	bufSize   int
	checkUTF8 bool
}

// New 创建解析器。
func New(opts *Options) *Parser {
	p := &Parser{bufSize: 1 << 20, checkUTF8: true}
	if opts != nil {
		if opts.BufSize > 0 {
			p.bufSize = opts.BufSize
		}
		p.checkUTF8 = !opts.AllowInvalidUTF8
	}
	return p
}

var _ contract.Parser = (*Parser)(nil)

type state int

const (
	stHeader state = iota
	stBetween
	stPage
	stRevision
	stFooter
)

var (
	reTitle = regexp.MustCompile(`<(?:[A-Za-z_][\w.-]*:)?title>([^<]*)</`)
	reID    = regexp.MustCompile(`<(?:[A-Za-z_][\w.-]*:)?id>\s*([0-9]+)\s*</`)
)

// assembler 持有一次解析的全部可变状态。
type assembler struct {
	fileID  contract.FileID
	doc     *contract.Document
	st      state
	lineNo  int
	pending contract.Lines // 页间或修订间的游离行
	page    *contract.Page
	rev     *contract.Revision
}

// Parse 读取完整输入并返回唯一 Document。
func (p *Parser) Parse(ctx context.Context, fileID contract.FileID, r io.Reader) (*contract.Document, error) {
	a := &assembler{fileID: fileID, doc: &contract.Document{FileID: fileID}}
	br := bufio.NewReaderSize(r, p.bufSize)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			a.lineNo++
			if a.lineNo%4096 == 0 {
				if cerr := ctx.Err(); cerr != nil {
					return nil, cerr
				}
			}
			if p.checkUTF8 && !utf8.ValidString(line) {
				return nil, a.fail("invalid UTF-8")
			}
			if ferr := a.feed(line); ferr != nil {
				return nil, ferr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := a.finish(); err != nil {
		return nil, err
	}
	return a.doc, nil
}

func (a *assembler) fail(msg string) error {
	pe := &contract.ParseError{FileID: a.fileID, Line: a.lineNo, Msg: msg}
	if a.page != nil {
		pe.Page = a.page.Title
	}
	return pe
}

// feed 推进状态机一行。
func (a *assembler) feed(line string) error {
	ev, ok := Classify(line)
	if !ok && a.st != stHeader {
		return a.fail("structural tag spans multiple lines")
	}
	if a.st != stHeader && ev.Has(HeaderEnd) {
		return a.fail("unexpected </siteinfo> after header")
	}
	switch a.st {
	case stHeader:
		if ev.Has(PageOpen | PageClose | RevisionOpen | RevisionClose | DocumentEnd) {
			return a.fail("record before end of header (missing </siteinfo>)")
		}
		a.doc.Header = append(a.doc.Header, line)
		if ev.Has(HeaderEnd) {
			a.st = stBetween
		}
	case stBetween:
		return a.between(line, ev)
	case stPage:
		return a.inPage(line, ev)
	case stRevision:
		return a.inRevision(line, ev)
	case stFooter:
		if ev != None || strings.TrimSpace(line) != "" {
			return a.fail("content after </mediawiki>")
		}
		a.doc.Footer = append(a.doc.Footer, line)
	}
	return nil
}

func (a *assembler) between(line string, ev Event) error {
	switch {
	case ev.Has(DocumentEnd):
		if ev != DocumentEnd {
			return a.fail("record on the document end line")
		}
		a.doc.Footer = append(a.pending, line)
		a.pending = nil
		a.st = stFooter
	case ev.Has(PageOpen):
		if ev.Has(RevisionOpen | RevisionClose) {
			return a.fail("revision shares a line with page open")
		}
		a.page = &contract.Page{Line: a.lineNo, Start: append(a.pending, line)}
		a.pending = nil
		a.scanPageMeta(line)
		a.st = stPage
		if ev.Has(PageClose) {
			a.closePage(nil)
		}
	case ev != None:
		return a.fail("revision or page close outside a page")
	default:
		a.pending = append(a.pending, line)
	}
	return nil
}

func (a *assembler) inPage(line string, ev Event) error {
	switch {
	case ev.Has(PageOpen):
		return a.fail("page opened inside another page")
	case ev.Has(DocumentEnd):
		return a.fail("document ended inside an unclosed page")
	case ev.Has(RevisionOpen):
		if ev.Has(PageClose) {
			return a.fail("revision shares a line with page close")
		}
		if ev.Has(RevisionClose) && closesBeforeOpens(line, RevisionOpen, RevisionClose) {
			return a.fail("revision close without open")
		}
		a.rev = &contract.Revision{Line: a.lineNo, Lines: append(a.pending, line)}
		a.pending = nil
		a.scanRevisionMeta(line)
		if ev.Has(RevisionClose) {
			a.sealRevision()
			return nil
		}
		a.st = stRevision
	case ev.Has(RevisionClose):
		return a.fail("revision close without open")
	case ev.Has(PageClose):
		a.closePage(append(a.pending, line))
		a.pending = nil
	default:
		if len(a.page.Revisions) == 0 {
			a.page.Start = append(a.page.Start, line)
			a.scanPageMeta(line)
		} else {
			a.pending = append(a.pending, line)
		}
	}
	return nil
}

func (a *assembler) inRevision(line string, ev Event) error {
	switch {
	case ev.Has(RevisionOpen) && !(ev.Has(RevisionClose) && closesBeforeOpens(line, RevisionOpen, RevisionClose)):
		return a.fail("revision opened while another revision is open")
	case ev.Has(RevisionOpen):
		return a.fail("revision close and open share a line")
	case ev.Has(PageOpen | PageClose | DocumentEnd):
		if ev.Has(RevisionClose) {
			return a.fail("page boundary shares a line with revision close")
		}
		return a.fail("revision not closed before page boundary")
	}
	a.rev.Lines = append(a.rev.Lines, line)
	a.scanRevisionMeta(line)
	if ev.Has(RevisionClose) {
		a.sealRevision()
		a.st = stPage
	}
	return nil
}

func (a *assembler) sealRevision() {
	a.page.Revisions = append(a.page.Revisions, *a.rev)
	a.rev = nil
}

// closePage 以 end 作为结束标记收尾当前页面。
func (a *assembler) closePage(end contract.Lines) {
	a.page.End = end
	a.doc.Pages = append(a.doc.Pages, *a.page)
	a.page = nil
	a.st = stBetween
}

func (a *assembler) scanPageMeta(line string) {
	if a.page.Title == "" {
		if m := reTitle.FindStringSubmatch(line); m != nil {
			a.page.Title = html.UnescapeString(m[1])
		}
	}
	if a.page.ID == "" {
		if m := reID.FindStringSubmatch(line); m != nil {
			a.page.ID = m[1]
		}
	}
}

func (a *assembler) scanRevisionMeta(line string) {
	if a.rev.ID == "" {
		if m := reID.FindStringSubmatch(line); m != nil {
			a.rev.ID = m[1]
		}
	}
}

func (a *assembler) finish() error {
	switch a.st {
	case stHeader:
		return a.fail("end of input before </siteinfo>")
	case stPage, stRevision:
		return a.fail("end of input inside an unclosed page")
	case stBetween:
		return a.fail("end of input before </mediawiki>")
	}
	return nil
}
