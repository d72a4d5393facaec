package contract

import (
	"context"
	"io"
)

// ImportResult: 远端确认导入的统计。
type ImportResult struct {
	Pages     int
	Revisions int
}

// Importer: 把一个分片提交到导入端点。
// 失败需可区分：
//   - 传输/HTTP 失败：实现 UpstreamError（5xx/408 同时实现 net.Error）或直接返回网络错误；
//   - 远端拒绝载荷：*RejectedError（包装 ErrRejected）；
//   - 响应不可解析：包装 ErrResponseInvalid。
//
// 是否重试由编排层决定，实现内部不重试。
type Importer interface {
	Submit(ctx context.Context, id ArtifactID, r io.Reader) (ImportResult, error)
}
