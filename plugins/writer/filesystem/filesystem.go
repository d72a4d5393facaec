package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"wikishard/pkg/contract"
)

// Options: 分片落盘选项。
type Options struct {
	// OutputDir: 分片目录（必需；由编排层默认为 <cache_dir>/xml）。
	OutputDir string `json:"output_dir"`
	// Atomic: 同目录临时文件 + rename。默认 true，显式 false 关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 仅保留文件名。默认 true。
	Flat *bool `json:"flat,omitempty"`
	// MaxBytes: 单个工件的字节上限；>0 时超出即中止写入并删除临时文件。
	MaxBytes int64 `json:"max_bytes,omitempty"`
	// PermFile/PermDir: 为 0 时使用 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用 64KiB。
	BufSize int `json:"buf_size,omitempty"`
}

// FS 将分片写入本地目录。
type FS struct {
	root     string
	atomic   bool
	flat     bool
	maxBytes int64
	permF    os.FileMode
	permD    os.FileMode
	bufSize  int
}

// New 创建文件系统 Writer。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("writer: output_dir required: %w", contract.ErrInvalidInput)
	}
	if opts.MaxBytes < 0 {
		return nil, fmt.Errorf("writer: max_bytes %d: %w", opts.MaxBytes, contract.ErrInvalidInput)
	}
	w := &FS{
		root:     opts.OutputDir,
		atomic:   true,
		flat:     true,
		maxBytes: opts.MaxBytes,
		permF:    opts.PermFile,
		permD:    opts.PermDir,
		bufSize:  opts.BufSize,
	}
	if w.bufSize <= 0 {
		w.bufSize = 64 * 1024
	}
	if w.permF == 0 {
		w.permF = 0o644
	}
	if w.permD == 0 {
		w.permD = 0o755
	}
	if opts.Flat != nil {
		w.flat = *opts.Flat
	}
	if opts.Atomic != nil {
		w.atomic = *opts.Atomic
	}
	return w, nil
}

var _ contract.Writer = (*FS)(nil)

// Root 返回分片目录。
func (w *FS) Root() string { return w.root }

// Path 返回 id 映射到的目标路径（不创建任何文件）。
func (w *FS) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// Write 将 r 的全部字节写入 id 对应的文件。
// 超过 MaxBytes 时返回包装 ErrInvariantViolation 的错误，目标文件不被创建或替换。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	src := readerWithCtx(ctx, r)
	if w.maxBytes > 0 {
		src = &capReader{r: src, left: w.maxBytes, max: w.maxBytes, id: id}
	}
	if w.atomic {
		return w.writeAtomic(dest, src)
	}
	return w.writeOverwrite(dest, src)
}

// mapPath: Clean + Join + 越界校验。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	if w.flat {
		rel = filepath.Base(rel)
		if rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator) {
			return "", contract.ErrPathInvalid
		}
		return filepath.Join(w.root, rel), nil
	}
	if rel == "." || rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *FS) writeOverwrite(dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, r); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *FS) writeAtomic(dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, r); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// os.Rename 在各平台均替换已存在的目标。
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// syncDir 尽力 fsync 父目录（Windows 上打开目录会失败，忽略即可）。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// capReader 在读出超过 max 字节时报错。
type capReader struct {
	r    io.Reader
	left int64
	max  int64
	id   contract.ArtifactID
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, c.err()
	}
	// 多读 1 字节以识别越界。
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return 0, c.err()
	}
	return n, err
}

func (c *capReader) err() error {
	return fmt.Errorf("writer: %s exceeds %d bytes: %w", c.id, c.max, contract.ErrInvariantViolation)
}
