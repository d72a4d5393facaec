package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"wikishard/pkg/contract"
	"wikishard/plugins/importer/mock"
)

// Options 定义可选项。
type Options struct {
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Importer 是带状态的导入实现：
// 第一次 Submit 返回 ErrRateLimited；
// 第二次返回 503 上游错误（net.Error，Temporary）；
// 之后委托给 mock。
type Importer struct {
	logPath string
	count   atomic.Int32
	next    *mock.Importer
}

// New 构造 Importer。
func New(raw json.RawMessage) (*Importer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	next, err := mock.New(nil)
	if err != nil {
		return nil, err
	}
	return &Importer{logPath: o.LogPath, next: next}, nil
}

func (c *Importer) log(s string) {
	if c.logPath == "" {
		return
	}
	_ = appendFile(c.logPath, s+"\n")
}

func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// unavailable 模拟 HTTP 503。
type unavailable struct{}

func (unavailable) Error() string           { return "flaky upstream 503: service unavailable" }
func (unavailable) Timeout() bool           { return false }
func (unavailable) Temporary() bool         { return true }
func (unavailable) UpstreamStatus() int     { return http.StatusServiceUnavailable }
func (unavailable) UpstreamMessage() string { return "service unavailable" }

// Submit 实现 contract.Importer。
func (c *Importer) Submit(ctx context.Context, id contract.ArtifactID, r io.Reader) (contract.ImportResult, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited " + string(id))
		return contract.ImportResult{}, fmt.Errorf("flaky: %w", contract.ErrRateLimited)
	case 2:
		c.log("unavailable " + string(id))
		return contract.ImportResult{}, unavailable{}
	default:
		c.log("ok " + string(id))
		return c.next.Submit(ctx, id, r)
	}
}

var _ contract.Importer = (*Importer)(nil)
