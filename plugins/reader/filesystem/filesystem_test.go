package filesystem

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"

	"wikishard/pkg/contract"
)

const sample = "<mediawiki>\n</mediawiki>\n"

func collect(t *testing.T, r *FileSystem, roots ...string) map[string]string {
	t.Helper()
	got := map[string]string{}
	err := r.Iterate(context.Background(), roots, func(id contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		got[string(id)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return got
}

// UT-RD-01: 单文件读取，FileID 规范化。
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.xml")
	os.WriteFile(fp, []byte(sample), 0o644)
	got := collect(t, New(nil), fp)
	if got[string(contract.NormalizeFileID(fp))] != sample {
		t.Fatalf("内容或 FileID 错误: %#v", got)
	}
}

// UT-RD-02: xz / gzip 按魔数透明解压（与扩展名无关）。
func TestIterateDecompress(t *testing.T) {
	dir := t.TempDir()

	var xb bytes.Buffer
	xw, err := xz.NewWriter(&xb)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	io.WriteString(xw, sample)
	xw.Close()
	os.WriteFile(filepath.Join(dir, "a.xml.xz"), xb.Bytes(), 0o644)

	var gb bytes.Buffer
	gw := gzip.NewWriter(&gb)
	io.WriteString(gw, sample)
	gw.Close()
	os.WriteFile(filepath.Join(dir, "b.xml.gz"), gb.Bytes(), 0o644)

	got := collect(t, New(nil), dir)
	if len(got) != 2 {
		t.Fatalf("文件数错误: %#v", got)
	}
	for id, s := range got {
		if s != sample {
			t.Fatalf("%s 解压内容错误: %q", id, s)
		}
	}

	raw := collect(t, New(&Options{NoDecompress: true}), filepath.Join(dir, "b.xml.gz"))
	for _, s := range raw {
		if s == sample {
			t.Fatalf("关闭解压后不应解压")
		}
	}
}

// UT-RD-03: 目录扫描按后缀过滤、跳过排除目录、字典序。
func TestWalkFilterAndOrder(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.xml"), []byte("b"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.XML"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("n"), 0o644)
	os.Mkdir(filepath.Join(dir, "skip"), 0o755)
	os.WriteFile(filepath.Join(dir, "skip", "c.xml"), []byte("c"), 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "d.xml"), []byte("d"), 0o644)

	var order []string
	r := New(&Options{ExcludeDirNames: []string{"SKIP"}})
	err := r.Iterate(context.Background(), []string{dir}, func(id contract.FileID, rc io.ReadCloser) error {
		rc.Close()
		order = append(order, filepath.Base(string(id)))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if strings.Join(order, ",") != "d.xml,a.XML,b.xml" {
		t.Fatalf("顺序或过滤错误: %v", order)
	}

	got := collect(t, New(&Options{AllowExts: []string{"txt"}}), dir)
	if len(got) != 1 {
		t.Fatalf("AllowExts 未生效: %#v", got)
	}
}

func TestIterateSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.xml")
	os.WriteFile(target, []byte("x"), 0o644)
	link := filepath.Join(dir, "l.xml")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if got := collect(t, New(nil), link); len(got) != 1 {
		t.Fatalf("符号链接文件应被读取: %#v", got)
	}
	sub := filepath.Join(dir, "d")
	os.Mkdir(sub, 0o755)
	dl := filepath.Join(dir, "dl")
	os.Symlink(sub, dl)
	if got := collect(t, New(nil), dl); len(got) != 0 {
		t.Fatalf("目录符号链接应忽略: %#v", got)
	}
}

func TestIterateDashMix(t *testing.T) {
	err := New(nil).Iterate(context.Background(), []string{"-", "x"}, func(contract.FileID, io.ReadCloser) error { return nil })
	if err == nil {
		t.Fatalf("expect error")
	}
}

func TestIterateStdin(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "in")
	f.WriteString(sample)
	f.Seek(0, 0)
	old := os.Stdin
	os.Stdin = f
	defer func() { os.Stdin = old; f.Close() }()

	got := collect(t, New(nil), "-")
	if got["stdin"] != sample {
		t.Fatalf("stdin 内容错误: %#v", got)
	}
}

func TestIterateCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(nil).Iterate(ctx, []string{t.TempDir()}, func(contract.FileID, io.ReadCloser) error { return nil }); err == nil {
		t.Fatalf("expect ctx error")
	}
}

func TestIterateMissing(t *testing.T) {
	if err := New(nil).Iterate(context.Background(), []string{filepath.Join(t.TempDir(), "none.xml")}, func(contract.FileID, io.ReadCloser) error { return nil }); !os.IsNotExist(err) {
		t.Fatalf("expect not exist, got %v", err)
	}
}
