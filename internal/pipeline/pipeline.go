package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wikishard/internal/diag"
	"wikishard/internal/rate"
	"wikishard/pkg/contract"
)

// - 分片：逐文件解析、分组；分片写出由有界 worker 池并发执行，结果按分片序提交（清单/台账/进度）。
// - 首错取消：任一分片写出失败即 cancel 该文件的其余写出，已写分片清除，不留半套。
// - 导入：严格按 (stem, 分片序) 串行提交；仅网络/限流类错误按指数退避重试。
// - 不变量：落盘字节数必须等于尺寸预测，且不超过硬上限。

// ErrIncomplete 表示导入结束时仍有分片失败（文件保留在分片目录）。
var ErrIncomplete = errors.New("import incomplete")

// Components 聚合运行所需的原子组件；各操作只要求其用到的组件非空。
type Components struct {
	Reader      contract.Reader
	Parser      contract.Parser
	Partitioner contract.Partitioner
	Writer      contract.Writer
	Importer    contract.Importer
	Assembler   contract.Assembler
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// Inputs: 源导出文件/目录/"-"。
	Inputs []string
	// ShardDir: 分片目录（<cache_dir>/xml）。Writer 需写入同一目录。
	ShardDir string
	Limits   contract.Limits
	// Concurrency: 分片写出并发度；<1 视为 1。
	Concurrency int
	// MaxRetries: 单个分片导入的最大重试次数（>=0）。
	MaxRetries int
	// RetryBackoff: 首次重试等待；之后每次翻倍，封顶 MaxBackoff。
	RetryBackoff time.Duration
	// KeepGoing: 导入失败后继续后续分片；默认首个失败即停止。
	KeepGoing bool
	// IndexPath: SQLite 索引库路径；空表示不记录。
	IndexPath string
	// 限流闸门（可选）：每次提交前 Gate.Wait。
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// MaxBackoff 为重试等待上限。
const MaxBackoff = 30 * time.Second

func (s Settings) workers() int {
	if s.Concurrency < 1 {
		return 1
	}
	return s.Concurrency
}

// backoff 返回第 attempt 次（0 起）失败后的等待时长。
func (s Settings) backoff(attempt int) time.Duration {
	d := s.RetryBackoff
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

func requireDir(s Settings) error {
	if strings.TrimSpace(s.ShardDir) == "" {
		return fmt.Errorf("pipeline: %w: shard dir empty", contract.ErrInvalidInput)
	}
	return nil
}

// fail 记录组件失败：结构化日志（含上游状态码/消息）+ 指标。
func fail(logger *diag.Logger, comp, msg string, since *time.Time, fileID, shard string, err error) {
	code := diag.Classify(err)
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		logger.ErrorWithKV(comp, string(code), msg+": "+err.Error(), since, fileID, shard, kv)
	} else {
		var re *contract.RejectedError
		if errors.As(err, &re) {
			logger.ErrorWithKV(comp, string(code), msg+": "+err.Error(), since, fileID, shard, map[string]string{"api_code": re.Code})
		} else {
			logger.ErrorWith(comp, string(code), msg+": "+err.Error(), since, fileID, shard)
		}
	}
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
