package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"wikishard/internal/diag"
	"wikishard/internal/index"
	"wikishard/pkg/contract"
)

// ShardReport 汇总一次分片运行。
type ShardReport struct {
	Files     int
	Shards    int
	Pages     int
	Revisions int
	Bytes     int64
	Manifests []*Manifest
}

// Shard 执行：Reader → Parser → Partitioner → (并发) Writer → 清单/台账。
// 约束：
//   - 每个分片落盘字节数 == 预测尺寸 ≤ Hard；否则 ErrInvariantViolation；
//   - 同一 stem 的旧分片先清除；
//   - 写出中途失败时保留已落盘的连续前缀 0..k-1（各自有效），其后的分片删除，
//     清单标记 Partial；
//   - 同一次运行中 stem 冲突视为 ErrInvalidInput（否则会互相覆盖）。
func Shard(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (ShardReport, error) {
	var rep ShardReport
	if comp.Reader == nil || comp.Parser == nil || comp.Partitioner == nil || comp.Writer == nil {
		return rep, errors.New("pipeline: missing components")
	}
	if len(set.Inputs) == 0 {
		return rep, errors.New("pipeline: empty inputs")
	}
	if err := requireDir(set); err != nil {
		return rep, err
	}
	if err := set.Limits.Validate(); err != nil {
		return rep, fmt.Errorf("pipeline: limits hard=%d target=%d: %w", set.Limits.Hard, set.Limits.Target, err)
	}
	var store *index.Store
	if set.IndexPath != "" {
		s, err := index.Open(ctx, set.IndexPath)
		if err != nil {
			return rep, err
		}
		defer s.Close()
		store = s
	}

	stems := map[string]contract.FileID{}
	rtimer := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		stem := fid.Stem()
		if prev, dup := stems[stem]; dup {
			return fmt.Errorf("%w: %s and %s both shard as %q", contract.ErrInvalidInput, prev, fid, stem)
		}
		stems[stem] = fid
		m, err := shardFile(ctx, comp, set, logger, store, fid, rc)
		if err != nil {
			return err
		}
		rep.Files++
		rep.Shards += len(m.Shards)
		for _, s := range m.Shards {
			rep.Pages += s.Pages
			rep.Revisions += s.Revisions
			rep.Bytes += s.SizeBytes
		}
		rep.Manifests = append(rep.Manifests, m)
		return nil
	})
	if err != nil {
		fail(logger, "reader", "iterate failed", nil, "", "", err)
		return rep, fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(rep.Files))
	diag.IncOp("reader", "finish", "success")
	return rep, nil
}

// shardFile 处理单个源文件。
func shardFile(ctx context.Context, comp Components, set Settings, logger *diag.Logger, store *index.Store,
	fid contract.FileID, rc io.Reader) (*Manifest, error) {
	stem := fid.Stem()
	src := newDigestReader(rc)
	ptimer := logger.StartWith("parser", "parse", string(fid), "")
	doc, err := comp.Parser.Parse(ctx, fid, src)
	if err != nil {
		fail(logger, "parser", "parse failed", nil, string(fid), "", err)
		return nil, fmt.Errorf("parser parse: %w", err)
	}
	ptimer.Finish("parse", int64(len(doc.Pages)))
	diag.IncOp("parser", "finish", "success")

	gtimer := logger.StartWith("partitioner", "partition", string(fid), "")
	groups, err := comp.Partitioner.Partition(ctx, doc, set.Limits)
	if err != nil {
		kv := map[string]string{"hard": strconv.FormatInt(set.Limits.Hard, 10)}
		var le *contract.LimitError
		if errors.As(err, &le) {
			kv["page"] = le.Page
			kv["revision"] = le.Revision
			kv["size"] = strconv.FormatInt(le.Size, 10)
		}
		logger.ErrorWithKV("partitioner", string(diag.Classify(err)), "partition failed: "+err.Error(), nil, string(fid), "", kv)
		return nil, fmt.Errorf("partitioner partition: %w", err)
	}
	gtimer.Finish("partition", int64(len(groups)))
	diag.IncOp("partitioner", "finish", "success")

	if err := removeStale(set.ShardDir, stem); err != nil {
		fail(logger, "writer", "remove stale shards failed", nil, string(fid), "", err)
		return nil, fmt.Errorf("remove stale shards: %w", err)
	}

	if t := diag.GetTerminal(); t != nil {
		t.FileStart(string(fid), len(groups))
	}
	fileStart := time.Now()
	ok := false
	var written int64
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.FileFinish(ok, time.Since(fileStart), written)
		}
	}()

	entries, err := writeShards(ctx, comp.Writer, set, logger, doc, stem, groups)
	for _, e := range entries {
		written += e.SizeBytes
	}
	m := &Manifest{
		Source:       string(fid),
		Stem:         stem,
		Partial:      err != nil,
		Hard:         set.Limits.Hard,
		Target:       set.Limits.Target,
		SourceBytes:  src.n,
		SourceBlake3: src.Sum(),
		CreatedAt:    diag.NowUTC(),
		Shards:       entries,
	}
	if err != nil {
		logger.Warn("writer", "partial shard set kept", string(fid), map[string]string{
			"kept":  strconv.Itoa(len(entries)),
			"total": strconv.Itoa(len(groups)),
		})
		if len(entries) > 0 {
			// 源已读完，摘要可用；清单仅登记保留下来的前缀
			if merr := writeManifest(context.WithoutCancel(ctx), set.ShardDir, m); merr != nil {
				logger.Warn("writer", "partial manifest: "+merr.Error(), string(fid), nil)
			}
		}
		return nil, err
	}

	if err := writeManifest(ctx, set.ShardDir, m); err != nil {
		fail(logger, "writer", "manifest failed", nil, string(fid), ManifestName(stem), err)
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if store != nil {
		if err := recordShards(ctx, store, m); err != nil {
			fail(logger, "index", "record shards failed", nil, string(fid), "", err)
			return nil, err
		}
	}
	logger.Info("shard", "file done", string(fid), map[string]string{
		"shards":    strconv.Itoa(len(entries)),
		"pages":     strconv.Itoa(len(doc.Pages)),
		"src_bytes": strconv.FormatInt(src.n, 10),
	})
	ok = true
	return m, nil
}

// writeShards 以有界 worker 池写出全部分片，结果按分片序返回。
// 出错时返回已落盘的连续前缀（0..k-1）与首个错误；序号 ≥ k 的分片文件被删除。
func writeShards(ctx context.Context, w contract.Writer, set Settings, logger *diag.Logger,
	doc *contract.Document, stem string, groups []contract.Group) ([]ManifestShard, error) {
	if len(groups) == 0 {
		return []ManifestShard{}, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type res struct {
		idx   int
		entry ManifestShard
		err   error
	}
	n := set.workers()
	inCh := make(chan int, n*2)
	outCh := make(chan res, n*2)

	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			for i := range inCh {
				e, err := writeOne(ctx, w, set.Limits, logger, doc, stem, i, groups[i])
				outCh <- res{idx: i, entry: e, err: err}
			}
		}()
	}
	go func() {
		defer close(inCh)
		for i := range groups {
			select {
			case <-ctx.Done():
				return
			case inCh <- i:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	entries := make([]ManifestShard, len(groups))
	got := make([]bool, len(groups))
	var firstErr error
	done, errs := 0, 0
	for r := range outCh {
		done++
		if r.err != nil {
			errs++
			if firstErr == nil {
				firstErr = r.err
				cancel()
			}
		} else {
			entries[r.idx] = r.entry
			got[r.idx] = true
		}
		if t := diag.GetTerminal(); t != nil {
			t.FileProgress(done, len(groups), errs)
		}
	}
	k := 0
	for k < len(got) && got[k] {
		k++
	}
	if firstErr == nil && k < len(groups) {
		// 生产者因取消提前退出
		if err := ctx.Err(); err != nil {
			firstErr = err
		} else {
			firstErr = fmt.Errorf("%w: shard %d not written", contract.ErrInvariantViolation, k)
		}
	}
	if firstErr != nil {
		dropShards(set.ShardDir, stem, k, len(groups), logger, string(doc.FileID))
		return entries[:k], firstErr
	}
	return entries, nil
}

// dropShards 删除序号 [from, to) 的分片文件：缺口之后写出的分片与未通过校验的分片。
func dropShards(dir, stem string, from, to int, logger *diag.Logger, fid string) {
	for i := from; i < to; i++ {
		name := ShardName(stem, i)
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("writer", "remove shard after failure: "+err.Error(), fid, map[string]string{"shard": name})
		}
	}
}

// writeOne 渲染并写出单个分片，校验字节数与预测一致。
func writeOne(ctx context.Context, w contract.Writer, lim contract.Limits, logger *diag.Logger,
	doc *contract.Document, stem string, i int, g contract.Group) (ManifestShard, error) {
	name := ShardName(stem, i)
	want := doc.ShardSize(g)
	if want > lim.Hard {
		err := fmt.Errorf("%w: %s predicted %d bytes, hard limit %d", contract.ErrInvariantViolation, name, want, lim.Hard)
		fail(logger, "writer", "size check failed", nil, string(doc.FileID), name, err)
		return ManifestShard{}, err
	}
	wtimer := logger.StartWithKV("writer", "write", string(doc.FileID), name, map[string]string{
		"predicted": strconv.FormatInt(want, 10),
		"split":     strconv.FormatBool(g.Split),
	})
	d := newDigestReader(doc.Render(g))
	if err := w.Write(ctx, contract.ArtifactID(name), d); err != nil {
		fail(logger, "writer", "write failed", wtimer.Since(), string(doc.FileID), name, err)
		return ManifestShard{}, fmt.Errorf("writer write %s: %w", name, err)
	}
	if d.n != want {
		err := fmt.Errorf("%w: %s wrote %d bytes, predicted %d", contract.ErrInvariantViolation, name, d.n, want)
		fail(logger, "writer", "size mismatch", wtimer.Since(), string(doc.FileID), name, err)
		return ManifestShard{}, err
	}
	wtimer.Finish("write", d.n)
	diag.IncOp("writer", "finish", "success")
	return ManifestShard{
		Index:      i,
		FileName:   name,
		SizeBytes:  d.n,
		Pages:      len(g.Pages),
		Revisions:  g.Revisions(),
		FirstTitle: g.Pages[0].Title,
		LastTitle:  g.Pages[len(g.Pages)-1].Title,
		Split:      g.Split,
		Blake3:     d.Sum(),
	}, nil
}

func recordShards(ctx context.Context, store *index.Store, m *Manifest) error {
	if err := store.DeleteShards(ctx, m.Source); err != nil {
		return err
	}
	for _, s := range m.Shards {
		if err := store.RecordShard(ctx, index.Shard{
			FileName:  s.FileName,
			Source:    m.Source,
			Index:     s.Index,
			SizeBytes: s.SizeBytes,
			Pages:     s.Pages,
			Revisions: s.Revisions,
			Blake3:    s.Blake3,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Clean 删除分片目录（递归）。
func Clean(set Settings, logger *diag.Logger) error {
	if err := requireDir(set); err != nil {
		return err
	}
	dir := filepath.Clean(set.ShardDir)
	if dir == "." || dir == string(filepath.Separator) || filepath.Dir(dir) == dir {
		return fmt.Errorf("pipeline: refuse to clean %q: %w", set.ShardDir, contract.ErrPathInvalid)
	}
	if err := os.RemoveAll(dir); err != nil {
		fail(logger, "clean", "remove failed", nil, dir, "", err)
		return err
	}
	logger.Info("clean", "removed", dir, nil)
	return nil
}
