package mwxml

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"wikishard/pkg/contract"
)

const header = "<mediawiki>\n  <siteinfo>\n    <sitename>W</sitename>\n  </siteinfo>\n"

func parse(t *testing.T, src string) (*contract.Document, error) {
	t.Helper()
	return New(nil).Parse(context.Background(), "t.xml", strings.NewReader(src))
}

func render(t *testing.T, d *contract.Document) string {
	t.Helper()
	b, err := io.ReadAll(d.RenderAll())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return string(b)
}

// UT-PRS-01: 解析样例导出并逐字节还原。
func TestParseFixture(t *testing.T) {
	raw, err := os.ReadFile("../../../testdata/dumps/small.xml")
	if err != nil {
		t.Fatalf("读取样例失败: %v", err)
	}
	d, err := New(&Options{BufSize: 64}).Parse(context.Background(), "small.xml", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(d.Pages) != 3 {
		t.Fatalf("页面数 %d, 预期 3", len(d.Pages))
	}
	p0, p1, p2 := d.Pages[0], d.Pages[1], d.Pages[2]
	if p0.Title != "Main Page" || p0.ID != "1" || len(p0.Revisions) != 2 {
		t.Fatalf("page0: %+v", p0)
	}
	if p0.Revisions[0].ID != "101" || p0.Revisions[1].ID != "102" {
		t.Fatalf("修订 ID 错误: %s %s", p0.Revisions[0].ID, p0.Revisions[1].ID)
	}
	if p1.Title != "Template:Infobox & more" || p1.ID != "7" {
		t.Fatalf("page1 title/id: %q %q", p1.Title, p1.ID)
	}
	if len(p2.Revisions) != 0 || p2.Title != "Empty" {
		t.Fatalf("page2 应无修订: %+v", p2)
	}
	if got := render(t, d); got != string(raw) {
		t.Fatalf("回环不一致")
	}
	if d.Size() != int64(len(raw)) {
		t.Fatalf("尺寸 %d, 预期 %d", d.Size(), len(raw))
	}
	if !strings.Contains(d.Header[len(d.Header)-1], "</siteinfo>") {
		t.Fatalf("Header 应止于 </siteinfo>")
	}
	if strings.TrimSpace(d.Footer[len(d.Footer)-1]) != "</mediawiki>" {
		t.Fatalf("Footer 错误: %q", d.Footer)
	}
}

// UT-PRS-02: CRLF、命名空间前缀、单行修订、页间/修订间游离行均保持字节一致。
func TestParseVariants(t *testing.T) {
	src := "<mediawiki>\r\n<siteinfo>\r\n</siteinfo>\r\n" +
		"\r\n" +
		"<ns0:page>\r\n<title>X</title>\r\n<id>4</id>\r\n" +
		"<revision><id>40</id><text>a</text></revision>\r\n" +
		"  \r\n" +
		"<revision>\r\n<id>41</id>\r\n</ns0:revision>\r\n" +
		"<upload>skip</upload>\r\n" +
		"</ns0:page>\r\n" +
		"\r\n" +
		"</mediawiki>\r\n\r\n"
	d, err := parse(t, src)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(d.Pages) != 1 {
		t.Fatalf("页面数 %d", len(d.Pages))
	}
	p := d.Pages[0]
	if len(p.Revisions) != 2 || p.Revisions[0].ID != "40" || p.Revisions[1].ID != "41" {
		t.Fatalf("修订解析错误: %+v", p.Revisions)
	}
	if p.Start[0] != "\r\n" {
		t.Fatalf("页间空行应归入下一页 Start: %q", p.Start)
	}
	if p.Revisions[1].Lines[0] != "  \r\n" {
		t.Fatalf("修订间游离行应随后一修订: %q", p.Revisions[1].Lines)
	}
	if len(p.End) != 2 {
		t.Fatalf("End 应含 upload 与闭标签: %q", p.End)
	}
	if len(d.Footer) != 3 {
		t.Fatalf("Footer 应含游离行、闭标签与尾随空行: %q", d.Footer)
	}
	if render(t, d) != src {
		t.Fatalf("回环不一致")
	}
}

// UT-PRS-03: 无页面文档。
func TestParseNoPages(t *testing.T) {
	d, err := parse(t, header+"</mediawiki>")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(d.Pages) != 0 || len(d.Footer) != 1 {
		t.Fatalf("got %+v", d)
	}
}

// UT-PRS-04: 结构错误均为 ErrMalformed，并带行号。
func TestParseMalformed(t *testing.T) {
	rev := "    <revision>\n      <id>1</id>\n    </revision>\n"
	cases := []struct {
		name string
		src  string
		line int
	}{
		{"no header end", "<mediawiki>\n<siteinfo>\n", 2},
		{"page in header", "<mediawiki>\n<page>\n", 2},
		{"no document end", header + "  <page>\n" + rev + "  </page>\n", 9},
		{"unclosed page", header + "  <page>\n" + rev + "</mediawiki>\n", 9},
		{"nested revision", header + "  <page>\n    <revision>\n    <revision>\n", 7},
		{"close without open", header + "  <page>\n    </revision>\n", 6},
		{"revision outside page", header + "    <revision>\n", 5},
		{"nested page", header + "  <page>\n  <page>\n", 6},
		{"page close in revision", header + "  <page>\n    <revision>\n  </page>\n", 7},
		{"spanning tag", header + "  <page>\n    <revision\n", 6},
		{"content after end", header + "</mediawiki>\ntrailing\n", 6},
		{"second siteinfo", header + "  </siteinfo>\n", 5},
		{"eof in revision", header + "  <page>\n    <revision>\n", 6},
		{"revision on page line", header + "  <page><revision>\n", 5},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.src)
			if !errors.Is(err, contract.ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
			var pe *contract.ParseError
			if !errors.As(err, &pe) || pe.Line != tt.line {
				t.Fatalf("行号错误: %+v, 预期 %d", pe, tt.line)
			}
		})
	}
}

// UT-PRS-05: 非法 UTF-8 默认报错，可通过选项关闭。
func TestParseInvalidUTF8(t *testing.T) {
	src := header + "  <page>\n    <title>\xff</title>\n  </page>\n</mediawiki>\n"
	if _, err := parse(t, src); !errors.Is(err, contract.ErrMalformed) {
		t.Fatalf("应拒绝非法 UTF-8: %v", err)
	}
	d, err := New(&Options{AllowInvalidUTF8: true}).Parse(context.Background(), "t", strings.NewReader(src))
	if err != nil || len(d.Pages) != 1 {
		t.Fatalf("关闭校验后应成功: %v", err)
	}
}

// 错误信息携带正在处理的页面标题。
func TestParseErrorCarriesPage(t *testing.T) {
	src := header + "  <page>\n    <title>Broken</title>\n    <revision>\n    <revision>\n"
	_, err := parse(t, src)
	var pe *contract.ParseError
	if !errors.As(err, &pe) || pe.Page != "Broken" {
		t.Fatalf("应带页面标题: %v", err)
	}
}

func TestParseCanceled(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(header)
	for i := 0; i < 5000; i++ {
		sb.WriteString("<!-- filler -->\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Parse(ctx, "t", strings.NewReader(sb.String())); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消: %v", err)
	}
}
