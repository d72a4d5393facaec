package mwxml

import (
	"regexp"
	"strings"
)

// Event: 单行可携带的结构事件（位集合）。
type Event uint8

const (
	HeaderEnd Event = 1 << iota
	PageOpen
	PageClose
	RevisionOpen
	RevisionClose
	DocumentEnd
)

// None: 普通内容行。
const None Event = 0

func (e Event) Has(f Event) bool { return e&f != 0 }

func (e Event) String() string {
	if e == None {
		return "none"
	}
	names := []struct {
		f Event
		s string
	}{
		{HeaderEnd, "header-end"},
		{PageOpen, "page-open"},
		{PageClose, "page-close"},
		{RevisionOpen, "revision-open"},
		{RevisionClose, "revision-close"},
		{DocumentEnd, "document-end"},
	}
	var parts []string
	for _, n := range names {
		if e.Has(n.f) {
			parts = append(parts, n.s)
		}
	}
	return strings.Join(parts, "|")
}

// 标签名前允许可选命名空间前缀（如 ns0:page）。
const prefix = `(?:[A-Za-z_][\w.-]*:)?`

type rule struct {
	ev   Event
	name string
	re   *regexp.Regexp
}

var rules = []rule{
	{HeaderEnd, "siteinfo", regexp.MustCompile(`</` + prefix + `siteinfo\s*>`)},
	{PageOpen, "page", regexp.MustCompile(`<` + prefix + `page(?:\s[^>]*)?>`)},
	{PageClose, "page", regexp.MustCompile(`</` + prefix + `page\s*>`)},
	{RevisionOpen, "revision", regexp.MustCompile(`<` + prefix + `revision(?:\s[^>]*)?>`)},
	{RevisionClose, "revision", regexp.MustCompile(`</` + prefix + `revision\s*>`)},
	{DocumentEnd, "mediawiki", regexp.MustCompile(`</` + prefix + `mediawiki\s*>`)},
}

// 行内未闭合的结构标签（跨行标签）。
var unterminated = regexp.MustCompile(`</?` + prefix + `(?:siteinfo|page|revision|mediawiki)(?:\s[^>]*)?$`)

// Classify 报告一行携带的结构事件。
// 约束：结构标签必须完整出现在同一行内；跨行标签返回 ok=false。
// 自闭合标签（如 <page/>）不产生事件。
func Classify(line string) (ev Event, ok bool) {
	if strings.IndexByte(line, '<') < 0 {
		return None, true
	}
	body := strings.TrimRight(line, "\r\n")
	for _, r := range rules {
		if !strings.Contains(body, r.name) {
			continue
		}
		if r.re.MatchString(body) {
			ev |= r.ev
		}
	}
	if unterminated.MatchString(body) {
		return ev, false
	}
	return ev, true
}

// closesBeforeOpens 判断同一行内闭标签是否出现在开标签之前（如 "</revision><revision>"）。
func closesBeforeOpens(line string, open, close Event) bool {
	var ro, rc *regexp.Regexp
	for _, r := range rules {
		switch r.ev {
		case open:
			ro = r.re
		case close:
			rc = r.re
		}
	}
	lo := ro.FindStringIndex(line)
	lc := rc.FindStringIndex(line)
	return lo != nil && lc != nil && lc[0] < lo[0]
}
