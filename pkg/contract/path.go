package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// Stem 返回 FileID 的基名去掉压缩后缀与 .xml 后缀后的部分，用于分片命名。
func (f FileID) Stem() string {
	base := path.Base(string(f))
	for _, ext := range []string{".xz", ".bz2", ".gz"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	if strings.HasSuffix(strings.ToLower(base), ".xml") {
		base = base[:len(base)-len(".xml")]
	}
	if base == "" || base == "." || base == "/" {
		return "dump"
	}
	return base
}
