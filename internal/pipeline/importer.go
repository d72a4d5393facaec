package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wikishard/internal/diag"
	"wikishard/internal/index"
	"wikishard/internal/rate"
	"wikishard/pkg/contract"
)

// ImportReport 汇总一次导入运行。
type ImportReport struct {
	Found     int
	Imported  int
	Failed    int
	Skipped   int
	Pages     int
	Revisions int
	// FailedShards: 失败的分片文件名（按提交顺序）。
	FailedShards []string
}

// Import 按 (stem, 分片序) 逐个提交分片目录中的 *.xml。
// 约束：
//   - 清单登记的分片先比对 BLAKE3，不一致视为失败且不提交；
//   - 每次提交前 Gate.Wait；仅网络/限流类错误重试，远端拒绝不重试；
//   - 成功：删除文件并在索引中标记；失败：保留文件；
//   - KeepGoing=false 时首个失败即停止（其余分片计入 Skipped）。
//
// 任一分片失败时返回包装 ErrIncomplete 的错误（连同首个失败原因）。
func Import(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (ImportReport, error) {
	var rep ImportReport
	if comp.Importer == nil {
		return rep, errors.New("pipeline: missing importer")
	}
	if err := requireDir(set); err != nil {
		return rep, err
	}
	files, err := listShards(set.ShardDir)
	if err != nil {
		fail(logger, "import", "list shards failed", nil, set.ShardDir, "", err)
		return rep, fmt.Errorf("list shards: %w", err)
	}
	rep.Found = len(files)
	var store *index.Store
	if set.IndexPath != "" {
		s, err := index.Open(ctx, set.IndexPath)
		if err != nil {
			return rep, err
		}
		defer s.Close()
		store = s
	}

	if t := diag.GetTerminal(); t != nil {
		t.FileStart(set.ShardDir, len(files))
	}
	runStart := time.Now()
	var sent int64
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.FileFinish(rep.Failed == 0 && rep.Skipped == 0, time.Since(runStart), sent)
		}
	}()

	manifests := map[string]*Manifest{}
	var firstErr error
	for i, sf := range files {
		if err := ctx.Err(); err != nil {
			rep.Skipped += len(files) - i
			return rep, err
		}
		m, seen := manifests[sf.Stem]
		if !seen {
			if m, err = readManifest(set.ShardDir, sf.Stem); err != nil {
				logger.Warn("import", "manifest unreadable: "+err.Error(), sf.Stem, nil)
				m = nil
			}
			manifests[sf.Stem] = m
		}
		res, size, err := importOne(ctx, comp.Importer, set, logger, m, sf)
		if err == nil {
			rep.Imported++
			rep.Pages += res.Pages
			rep.Revisions += res.Revisions
			sent += size
			if store != nil {
				if merr := store.MarkImported(ctx, sf.Name); merr != nil && !errors.Is(merr, index.ErrNotFound) {
					logger.Warn("index", "mark imported: "+merr.Error(), sf.Name, nil)
				}
			}
		} else {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				rep.Skipped += len(files) - i
				return rep, err
			}
			rep.Failed++
			rep.FailedShards = append(rep.FailedShards, sf.Name)
			if firstErr == nil {
				firstErr = err
			}
			if store != nil {
				if merr := store.MarkFailed(ctx, sf.Name); merr != nil && !errors.Is(merr, index.ErrNotFound) {
					logger.Warn("index", "mark failed: "+merr.Error(), sf.Name, nil)
				}
			}
		}
		if t := diag.GetTerminal(); t != nil {
			t.FileProgress(i+1, len(files), rep.Failed)
		}
		if err != nil && !set.KeepGoing {
			rep.Skipped = len(files) - i - 1
			break
		}
	}
	logger.Info("import", "run done", set.ShardDir, map[string]string{
		"found":     strconv.Itoa(rep.Found),
		"imported":  strconv.Itoa(rep.Imported),
		"failed":    strconv.Itoa(rep.Failed),
		"skipped":   strconv.Itoa(rep.Skipped),
		"pages":     strconv.Itoa(rep.Pages),
		"revisions": strconv.Itoa(rep.Revisions),
	})
	if firstErr != nil {
		return rep, fmt.Errorf("%w: %d of %d shards failed: %w", ErrIncomplete, rep.Failed, rep.Found, firstErr)
	}
	return rep, nil
}

// importOne 校验并提交单个分片；成功后删除文件。返回远端统计与分片字节数。
func importOne(ctx context.Context, imp contract.Importer, set Settings, logger *diag.Logger,
	m *Manifest, sf shardEntry) (contract.ImportResult, int64, error) {
	path := filepath.Join(set.ShardDir, sf.Name)
	if entry, ok := m.lookup(sf.Name); ok {
		sum, n, err := digestFile(path)
		if err != nil {
			fail(logger, "import", "digest failed", nil, m.Source, sf.Name, err)
			return contract.ImportResult{}, 0, err
		}
		if sum != entry.Blake3 || n != entry.SizeBytes {
			err := fmt.Errorf("%w: %s digest/size differ from manifest", contract.ErrInvariantViolation, sf.Name)
			fail(logger, "import", "verify failed", nil, m.Source, sf.Name, err)
			return contract.ImportResult{}, 0, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		fail(logger, "import", "open failed", nil, "", sf.Name, err)
		return contract.ImportResult{}, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return contract.ImportResult{}, 0, err
	}
	size := st.Size()

	attempts := set.MaxRetries + 1
	var (
		res     contract.ImportResult
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if set.Gate != nil {
			logger.DebugStart("gate", "ask", "", sf.Name, map[string]string{
				"bytes":   strconv.FormatInt(size, 10),
				"attempt": strconv.Itoa(attempt + 1),
			})
			if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Bytes: size}); err != nil {
				fail(logger, "gate", "wait failed", nil, "", sf.Name, err)
				lastErr = err
				break // Gate 错误不重试（取消或超过单请求上限）
			}
		}
		if _, err := f.Seek(0, 0); err != nil {
			lastErr = err
			break
		}
		itimer := logger.StartWithKV("importer", "submit", "", sf.Name, map[string]string{
			"bytes":   strconv.FormatInt(size, 10),
			"attempt": strconv.Itoa(attempt + 1),
		})
		res, lastErr = imp.Submit(ctx, contract.ArtifactID(sf.Name), f)
		if lastErr == nil {
			itimer.FinishKV("submit", int64(res.Pages), map[string]string{"revisions": strconv.Itoa(res.Revisions)})
			diag.IncOp("importer", "finish", "success")
			break
		}
		fail(logger, "importer", "submit failed", itimer.Since(), "", sf.Name, lastErr)
		if attempt+1 < attempts && diag.Retryable(lastErr) {
			if err := sleepWithCtx(ctx, set.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
			continue
		}
		break
	}
	f.Close()
	if lastErr != nil {
		return contract.ImportResult{}, size, fmt.Errorf("import %s: %w", sf.Name, lastErr)
	}
	if err := os.Remove(path); err != nil {
		// 已导入但删除失败：下次运行会重复提交。
		logger.Warn("import", "remove imported shard: "+err.Error(), "", nil)
	}
	return res, size, nil
}
