package contract

import (
	"context"
	"io"
)

// Parser: 将单个导出文件的字节流解析为恰好一个 Document。
// 约束：
//  1. 逐行工作，保留原始行尾，不依赖缩进/美化格式；
//  2. 结构错误（缺少 </siteinfo> 或 </mediawiki>、修订嵌套等）立即返回 *ParseError；
//  3. 不重排、不去重、不做 XML Schema 校验；
//  4. 无内部并发。
type Parser interface {
	Parse(ctx context.Context, fileID FileID, r io.Reader) (*Document, error)
}
