package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// CacheDir: 工作目录；分片位于 <cache_dir>/xml。
	CacheDir string `json:"cache_dir"`
	Limits   Limits `json:"limits"`
	// Concurrency: 分片写出并发度。
	Concurrency int `json:"concurrency"`
	// MaxRetries: 单个分片导入的最大重试次数（>=0）。0 表示不重试。
	MaxRetries     int `json:"max_retries"`
	RetryBackoffMS int `json:"retry_backoff_ms"`
	// KeepGoing: 导入失败后是否继续其余分片；nil 表示未设置。
	KeepGoing    *bool        `json:"keep_going,omitempty"`
	Logging      Logging      `json:"logging"`
	Index        Index        `json:"index"`
	ImportLimits ImportLimits `json:"import_limits"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Limits: 分片字节上限。Hard 为绝对上限，Target 为期望上限（T ≤ H）。
type Limits struct {
	Hard   ByteSize `json:"hard"`
	Target ByteSize `json:"target"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Index: SQLite 元数据索引；Path 为空表示不记录。
type Index struct {
	Path string `json:"path"`
}

// ImportLimits: 导入限流（仅承载；执行位于 rate.Gate）。0 表示该维度不启用。
type ImportLimits struct {
	RPM            int      `json:"rpm"`
	BPM            ByteSize `json:"bpm"`
	MaxBytesPerReq ByteSize `json:"max_bytes_per_req"`
}

func (l ImportLimits) enabled() bool {
	return l.RPM > 0 || l.BPM > 0 || l.MaxBytesPerReq > 0
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader      string `json:"reader"`
	Parser      string `json:"parser"`
	Partitioner string `json:"partitioner"`
	Writer      string `json:"writer"`
	Importer    string `json:"importer"`
	Assembler   string `json:"assembler"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader      json.RawMessage `json:"reader,omitempty"`
	Parser      json.RawMessage `json:"parser,omitempty"`
	Partitioner json.RawMessage `json:"partitioner,omitempty"`
	Writer      json.RawMessage `json:"writer,omitempty"`
	Importer    json.RawMessage `json:"importer,omitempty"`
	Assembler   json.RawMessage `json:"assembler,omitempty"`
}

// ByteSize 为字节数；JSON 中可写整数或带单位字符串（"200MB"、"195 MiB"）。
// 输出始终为整数。
type ByteSize int64

// ParseByteSize 解析整数或带单位的字节数。
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty byte size")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("config: negative byte size %d", n)
		}
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: byte size %q: %w", s, err)
	}
	if n > uint64(1<<63-1) {
		return 0, fmt.Errorf("config: byte size %q overflows", s)
	}
	return ByteSize(n), nil
}

func (b *ByteSize) UnmarshalJSON(p []byte) error {
	s := strings.TrimSpace(string(p))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(p, &str); err != nil {
			return err
		}
		v, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = v
		return nil
	}
	// YAML 转 JSON 后整数可能带小数点（如 2e+08）
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("config: byte size %s: %w", s, err)
	}
	if f < 0 || f != float64(int64(f)) {
		return fmt.Errorf("config: byte size %s must be a non-negative integer", s)
	}
	*b = ByteSize(int64(f))
	return nil
}

// String 以 IEC 单位输出，仅用于日志。
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }
