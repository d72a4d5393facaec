package filesystem

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"wikishard/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过的目录基名（大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// AllowExts: 扫描目录时仅收集这些后缀的文件（大小写不敏感）。
	// 为空时使用 DefaultExts。单文件 root 不受限制。
	AllowExts []string `json:"allow_exts"`
	// NoDecompress: 关闭按魔数透明解压。
	NoDecompress bool `json:"no_decompress"`
}

// DefaultExts 目录扫描的默认后缀。
var DefaultExts = []string{".xml", ".xml.xz", ".xml.bz2", ".xml.gz"}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       []string
	decompress bool
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	r := &FileSystem{bufSize: 64 * 1024, excludeDir: map[string]struct{}{}, decompress: true}
	exts := DefaultExts
	if opts != nil {
		if opts.BufSize > 0 {
			r.bufSize = opts.BufSize
		}
		for _, name := range opts.ExcludeDirNames {
			if name != "" {
				r.excludeDir[strings.ToLower(name)] = struct{}{}
			}
		}
		if len(opts.AllowExts) > 0 {
			exts = opts.AllowExts
		}
		r.decompress = !opts.NoDecompress
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.exts = append(r.exts, e)
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Iterate 遍历 roots，按稳定顺序对每个常规文件调用 yield。
// roots 为空或仅为 "-" 时读取 STDIN（FileID 为 "stdin"）。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		rc, err := r.wrap(io.NopCloser(os.Stdin))
		if err != nil {
			return fmt.Errorf("reader: stdin: %w", err)
		}
		return yield(contract.FileID("stdin"), rc)
	}
	for _, s := range roots {
		if s == "-" {
			return errors.New("stdin '-' cannot be mixed with other roots")
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// 仅跟随到常规文件；目录符号链接忽略
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.emit(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.emit(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !r.allowed(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		t, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			continue
		}
		if err := r.emit(p, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) allowed(name string) bool {
	name = strings.ToLower(name)
	for _, e := range r.exts {
		if strings.HasSuffix(name, e) {
			return true
		}
	}
	return false
}

func (r *FileSystem) emit(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	rc, err := r.wrap(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("reader: %s: %w", p, err)
	}
	if err := yield(contract.NormalizeFileID(p), rc); err != nil {
		_ = rc.Close()
		return err
	}
	return nil
}

var (
	magicXZ    = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	magicGzip  = []byte{0x1F, 0x8B}
	magicBzip2 = []byte("BZh")
)

// wrap 为 rc 加缓冲，并按魔数透明解压 xz/gzip/bzip2。
func (r *FileSystem) wrap(rc io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(rc, r.bufSize)
	if !r.decompress {
		return &bufferedCloser{Reader: br, c: rc}, nil
	}
	head, _ := br.Peek(len(magicXZ))
	var dec io.Reader
	switch {
	case bytes.HasPrefix(head, magicXZ):
		zr, err := xz.NewReader(br)
		if err != nil {
			return nil, err
		}
		dec = zr
	case bytes.HasPrefix(head, magicGzip):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &bufferedCloser{Reader: bufio.NewReaderSize(zr, r.bufSize), c: multiCloser{zr, rc}}, nil
	case bytes.HasPrefix(head, magicBzip2):
		dec = bzip2.NewReader(br)
	default:
		return &bufferedCloser{Reader: br, c: rc}, nil
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(dec, r.bufSize), c: rc}, nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
