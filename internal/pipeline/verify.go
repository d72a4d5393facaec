package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"wikishard/internal/diag"
	"wikishard/internal/index"
	"wikishard/pkg/contract"
)

// VerifyReport 汇总一次回环校验。
type VerifyReport struct {
	Sources int
	Shards  int
	// Mismatched: 重组结果与源字节不一致的源文件。
	Mismatched []string
}

// Verify 对每个源文件：按清单顺序解析其分片，逐个检查尺寸 ≤ Hard、
// Header/Footer 与源一致、摘要与清单一致，再经 Assembler 重组并与源字节比对 BLAKE3。
// 分片缺失（例如已导入删除）、清单缺失或清单为 Partial 时返回错误。
func Verify(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (VerifyReport, error) {
	var rep VerifyReport
	if comp.Reader == nil || comp.Parser == nil || comp.Assembler == nil {
		return rep, errors.New("pipeline: missing components")
	}
	if err := requireDir(set); err != nil {
		return rep, err
	}
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		n, same, err := verifyOne(ctx, comp, set, logger, fid, rc)
		if err != nil {
			fail(logger, "verify", "verify failed", nil, string(fid), "", err)
			return err
		}
		rep.Sources++
		rep.Shards += n
		if !same {
			rep.Mismatched = append(rep.Mismatched, string(fid))
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("verify: %w", err)
	}
	if len(rep.Mismatched) > 0 {
		return rep, fmt.Errorf("%w: round trip differs for %v", contract.ErrInvariantViolation, rep.Mismatched)
	}
	return rep, nil
}

func verifyOne(ctx context.Context, comp Components, set Settings, logger *diag.Logger,
	fid contract.FileID, rc io.Reader) (int, bool, error) {
	vtimer := logger.StartWith("verify", "source", string(fid), "")
	src := newDigestReader(rc)
	doc, err := comp.Parser.Parse(ctx, fid, src)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", fid, err)
	}
	stem := fid.Stem()
	m, err := readManifest(set.ShardDir, stem)
	if err != nil {
		return 0, false, err
	}
	if m == nil {
		return 0, false, fmt.Errorf("%w: no manifest for %s", contract.ErrInvalidInput, stem)
	}
	if m.Partial {
		return 0, false, fmt.Errorf("%w: manifest of %s is partial (%d shards kept)", contract.ErrInvalidInput, stem, len(m.Shards))
	}
	hard := set.Limits.Hard
	if hard <= 0 {
		hard = m.Hard
	}
	shards := make([]*contract.Document, 0, len(m.Shards))
	for _, e := range m.Shards {
		sd, err := parseShard(ctx, comp.Parser, set.ShardDir, e, hard)
		if err != nil {
			return 0, false, err
		}
		if !slices.Equal(sd.Header, doc.Header) || !slices.Equal(sd.Footer, doc.Footer) {
			return 0, false, fmt.Errorf("%w: %s header/footer differ from source", contract.ErrInvariantViolation, e.FileName)
		}
		shards = append(shards, sd)
	}
	var sum string
	if len(shards) == 0 {
		// 无页面的源不产生分片
		if len(doc.Pages) != 0 {
			return 0, false, fmt.Errorf("%w: manifest of %s lists no shards", contract.ErrInvariantViolation, stem)
		}
		sum, _, err = digest(doc.RenderAll())
	} else {
		r, aerr := comp.Assembler.Assemble(ctx, shards)
		if aerr != nil {
			return 0, false, fmt.Errorf("assemble %s: %w", stem, aerr)
		}
		sum, _, err = digest(r)
	}
	if err != nil {
		return 0, false, err
	}
	same := sum == src.Sum()
	if !same {
		logger.Warn("verify", "round trip differs", string(fid), map[string]string{
			"source_blake3": src.Sum(),
			"rebuilt":       sum,
		})
	}
	vtimer.FinishKV("source", int64(len(shards)), map[string]string{"same": strconv.FormatBool(same)})
	return len(shards), same, nil
}

// parseShard 读取并解析一个分片，校验尺寸与清单摘要。
func parseShard(ctx context.Context, p contract.Parser, dir string, e ManifestShard, hard int64) (*contract.Document, error) {
	path := filepath.Join(dir, e.FileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", e.FileName, err)
	}
	defer f.Close()
	d := newDigestReader(f)
	sd, err := p.Parse(ctx, contract.FileID(e.FileName), d)
	if err != nil {
		return nil, fmt.Errorf("parse shard %s: %w", e.FileName, err)
	}
	if d.n > hard {
		return nil, fmt.Errorf("%w: %s is %d bytes, hard limit %d", contract.ErrInvariantViolation, e.FileName, d.n, hard)
	}
	if d.Sum() != e.Blake3 || d.n != e.SizeBytes {
		return nil, fmt.Errorf("%w: %s digest/size differ from manifest", contract.ErrInvariantViolation, e.FileName)
	}
	return sd, nil
}

// IndexReport 汇总一次元数据索引。
type IndexReport struct {
	Files     int
	Pages     int
	Revisions int
}

// Index 解析源导出并将页面/修订元数据写入 SQLite（幂等）。
func Index(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (IndexReport, error) {
	var rep IndexReport
	if comp.Reader == nil || comp.Parser == nil {
		return rep, errors.New("pipeline: missing components")
	}
	if set.IndexPath == "" {
		return rep, fmt.Errorf("pipeline: %w: index path empty", contract.ErrInvalidInput)
	}
	store, err := index.Open(ctx, set.IndexPath)
	if err != nil {
		return rep, err
	}
	defer store.Close()
	err = comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		t := logger.StartWith("index", "document", string(fid), "")
		doc, err := comp.Parser.Parse(ctx, fid, rc)
		if err != nil {
			fail(logger, "parser", "parse failed", t.Since(), string(fid), "", err)
			return fmt.Errorf("parser parse: %w", err)
		}
		st, err := store.IndexDocument(ctx, doc)
		if err != nil {
			fail(logger, "index", "write failed", t.Since(), string(fid), "", err)
			return err
		}
		t.FinishKV("document", int64(st.Pages), map[string]string{"revisions": strconv.Itoa(st.Revisions)})
		rep.Files++
		rep.Pages += st.Pages
		rep.Revisions += st.Revisions
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("index: %w", err)
	}
	return rep, nil
}
