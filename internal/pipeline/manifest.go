package pipeline

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"wikishard/pkg/contract"
	wfs "wikishard/plugins/writer/filesystem"
)

// Manifest 描述一个源文件的分片集，写在分片旁：<stem>.manifest.json。
// 写出中途失败时 Partial=true，Shards 只列出已落盘的连续前缀。
type Manifest struct {
	Source       string          `json:"source"`
	Partial      bool            `json:"partial,omitempty"`
	Stem         string          `json:"stem"`
	Hard         int64           `json:"hard"`
	Target       int64           `json:"target"`
	SourceBytes  int64           `json:"source_bytes"`
	SourceBlake3 string          `json:"source_blake3"`
	CreatedAt    string          `json:"created_at"`
	Shards       []ManifestShard `json:"shards"`
}

// ManifestShard 为单个分片的清单项。
type ManifestShard struct {
	Index      int    `json:"index"`
	FileName   string `json:"file_name"`
	SizeBytes  int64  `json:"size_bytes"`
	Pages      int    `json:"pages"`
	Revisions  int    `json:"revisions"`
	FirstTitle string `json:"first_title"`
	LastTitle  string `json:"last_title"`
	Split      bool   `json:"split"`
	Blake3     string `json:"blake3"`
}

// ShardName 返回第 n 个分片的文件名：<stem>_<n>.xml（n 从 0 起）。
func ShardName(stem string, n int) string { return fmt.Sprintf("%s_%d.xml", stem, n) }

// ManifestName 返回清单文件名。
func ManifestName(stem string) string { return stem + ".manifest.json" }

var reShard = regexp.MustCompile(`^(.+)_([0-9]+)\.xml$`)

// ParseShardName 解析分片文件名；不符合命名规则时 ok=false。
func ParseShardName(name string) (stem string, n int, ok bool) {
	m := reShard.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// shardEntry 为分片目录中的一个待导入文件。
type shardEntry struct {
	Name  string
	Stem  string
	Index int
}

// listShards 列出目录下全部 *.xml，按 (stem, 分片序, 文件名) 排序。
// 不符合命名规则的 .xml 以文件名为 stem、序号 0 参与排序。
func listShards(dir string) ([]shardEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []shardEntry
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".xml") || strings.HasPrefix(name, ".") {
			continue
		}
		sf := shardEntry{Name: name, Stem: strings.TrimSuffix(name, filepath.Ext(name))}
		if stem, n, ok := ParseShardName(name); ok {
			sf.Stem, sf.Index = stem, n
		}
		out = append(out, sf)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Stem != b.Stem {
			return a.Stem < b.Stem
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Name < b.Name
	})
	return out, nil
}

// removeStale 删除目录中属于 stem 的旧分片与清单。
func removeStale(dir, stem string) error {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		s, _, ok := ParseShardName(name)
		if (ok && s == stem) || name == ManifestName(stem) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

// writeManifest 以原子方式写出清单（不受分片字节上限约束）。
func writeManifest(ctx context.Context, dir string, m *Manifest) error {
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return w.Write(ctx, contract.ArtifactID(ManifestName(m.Stem)), bytes.NewReader(append(b, '\n')))
}

// readManifest 读取清单；不存在时返回 (nil, nil)。
func readManifest(dir, stem string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestName(stem)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w: %v", ManifestName(stem), contract.ErrMalformed, err)
	}
	return &m, nil
}

// lookup 返回清单中 fileName 对应的项。
func (m *Manifest) lookup(fileName string) (ManifestShard, bool) {
	if m == nil {
		return ManifestShard{}, false
	}
	for _, s := range m.Shards {
		if s.FileName == fileName {
			return s, true
		}
	}
	return ManifestShard{}, false
}

// digestReader 边读边计算 BLAKE3 与字节数。
type digestReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, h: blake3.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		_, _ = d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

func (d *digestReader) Sum() string { return hex.EncodeToString(d.h.Sum(nil)) }

// digest 读完 r 并返回 BLAKE3（hex）与字节数。
func digest(r io.Reader) (string, int64, error) {
	d := newDigestReader(r)
	if _, err := io.Copy(io.Discard, d); err != nil {
		return "", 0, err
	}
	return d.Sum(), d.n, nil
}

// digestFile 返回文件的 BLAKE3 与大小。
func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return digest(f)
}
