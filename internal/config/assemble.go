package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"wikishard/internal/pipeline"
	"wikishard/internal/rate"
	"wikishard/pkg/contract"
	"wikishard/pkg/registry"
)

// Mode 为一次运行的操作类型；决定校验范围与需要装配的组件。
type Mode string

const (
	ModeShard  Mode = "shard"
	ModeImport Mode = "import"
	ModeVerify Mode = "verify"
	ModeIndex  Mode = "index"
	ModeClean  Mode = "clean"
)

// ShardDirName 为 cache_dir 下的分片子目录。
const ShardDirName = "xml"

func (m Mode) needsInputs() bool { return m == ModeShard || m == ModeVerify || m == ModeIndex }

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config, mode Mode) error {
	if mode.needsInputs() {
		if len(cfg.Inputs) == 0 {
			return errors.New("config: inputs empty")
		}
		// 输入路径不得为空字符串；"-" 不能与其他根混用
		dash := false
		for _, r := range cfg.Inputs {
			switch strings.TrimSpace(r) {
			case "":
				return errors.New("config: input path cannot be empty")
			case "-":
				dash = true
			}
		}
		if dash && len(cfg.Inputs) > 1 {
			return errors.New("config: '-' cannot be mixed with other roots")
		}
	}
	if mode != ModeIndex && strings.TrimSpace(cfg.CacheDir) == "" {
		return errors.New("config: cache_dir empty")
	}
	if mode == ModeShard {
		lim := contract.Limits{Hard: int64(cfg.Limits.Hard), Target: int64(cfg.Limits.Target)}
		if err := lim.Validate(); err != nil {
			return fmt.Errorf("config: limits hard=%d target=%d: %w", lim.Hard, lim.Target, err)
		}
	}
	if mode == ModeIndex && strings.TrimSpace(cfg.Index.Path) == "" {
		return errors.New("config: index.path empty")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.RetryBackoffMS < 0 {
		return errors.New("config: retry_backoff_ms must be >= 0")
	}
	if cfg.ImportLimits.RPM < 0 {
		return errors.New("config: import_limits.rpm must be >= 0")
	}
	switch lv := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lv {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", lv)
	}
	d := Defaults().Components
	checks := []struct {
		kind string
		name string
		ok   func(string) bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), func(n string) bool { return registry.Reader[n] != nil }},
		{"parser", effName(cfg.Components.Parser, d.Parser), func(n string) bool { return registry.Parser[n] != nil }},
		{"partitioner", effName(cfg.Components.Partitioner, d.Partitioner), func(n string) bool { return registry.Partitioner[n] != nil }},
		{"writer", effName(cfg.Components.Writer, d.Writer), func(n string) bool { return registry.Writer[n] != nil }},
		{"importer", effName(cfg.Components.Importer, d.Importer), func(n string) bool { return registry.Importer[n] != nil }},
		{"assembler", effName(cfg.Components.Assembler, d.Assembler), func(n string) bool { return registry.Assembler[n] != nil }},
	}
	for _, c := range checks {
		if !c.ok(c.name) {
			return fmt.Errorf("config: %s %q not registered", c.kind, c.name)
		}
	}
	return nil
}

// ShardDir 返回生效的分片目录：options.writer.output_dir 优先，否则 <cache_dir>/xml。
func ShardDir(cfg Config) string {
	if dir := writerOutputDir(cfg.Options.Writer); dir != "" {
		return dir
	}
	return filepath.Join(cfg.CacheDir, ShardDirName)
}

func writerOutputDir(raw json.RawMessage) string {
	var o struct {
		OutputDir string `json:"output_dir"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	return strings.TrimSpace(o.OutputDir)
}

// Assemble 按 mode 构造所需组件与 Settings（含限流 Gate+Key）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, mode Mode) (pipeline.Components, pipeline.Settings, error) {
	var comp pipeline.Components
	if err := Validate(cfg, mode); err != nil {
		return comp, pipeline.Settings{}, err
	}
	d := Defaults().Components
	set := pipeline.Settings{
		Inputs:       cloneStrings(cfg.Inputs),
		ShardDir:     ShardDir(cfg),
		Limits:       contract.Limits{Hard: int64(cfg.Limits.Hard), Target: int64(cfg.Limits.Target)},
		Concurrency:  cfg.Concurrency,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		KeepGoing:    cfg.KeepGoing != nil && *cfg.KeepGoing,
		IndexPath:    strings.TrimSpace(cfg.Index.Path),
	}

	var err error
	if mode.needsInputs() {
		if comp.Reader, err = registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader); err != nil {
			return comp, set, fmt.Errorf("reader options: %w", err)
		}
		if comp.Parser, err = registry.Parser[effName(cfg.Components.Parser, d.Parser)](cfg.Options.Parser); err != nil {
			return comp, set, fmt.Errorf("parser options: %w", err)
		}
	}
	switch mode {
	case ModeShard:
		if comp.Partitioner, err = registry.Partitioner[effName(cfg.Components.Partitioner, d.Partitioner)](cfg.Options.Partitioner); err != nil {
			return comp, set, fmt.Errorf("partitioner options: %w", err)
		}
		wopts, err := writerOptions(cfg.Options.Writer, set.ShardDir, set.Limits.Hard)
		if err != nil {
			return comp, set, err
		}
		if comp.Writer, err = registry.Writer[effName(cfg.Components.Writer, d.Writer)](wopts); err != nil {
			return comp, set, fmt.Errorf("writer options: %w", err)
		}
	case ModeImport:
		name := effName(cfg.Components.Importer, d.Importer)
		if comp.Importer, err = registry.Importer[name](cfg.Options.Importer); err != nil {
			return comp, set, fmt.Errorf("importer options: %w", err)
		}
		if cfg.ImportLimits.enabled() {
			// 分组键从 api_url 主机派生；无法派生时退化为 importer 名称。
			key, derr := rate.DeriveKey(name, cfg.Options.Importer)
			if derr != nil {
				key = rate.LimitKey(name)
			}
			set.GateKey = key
			set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{key: {
				RPM:            cfg.ImportLimits.RPM,
				BPM:            int64(cfg.ImportLimits.BPM),
				MaxBytesPerReq: int64(cfg.ImportLimits.MaxBytesPerReq),
			}}, nil)
		}
	case ModeVerify:
		if comp.Assembler, err = registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)](cfg.Options.Assembler); err != nil {
			return comp, set, fmt.Errorf("assembler options: %w", err)
		}
	}
	return comp, set, nil
}

// writerOptions 在原样 Options 上补齐 output_dir 与 max_bytes（已设置的键保持不变）。
func writerOptions(raw json.RawMessage, dir string, hard int64) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("writer options: %w", err)
		}
	}
	if _, ok := obj["output_dir"]; !ok {
		b, _ := json.Marshal(dir)
		obj["output_dir"] = b
	}
	if _, ok := obj["max_bytes"]; !ok {
		obj["max_bytes"] = json.RawMessage(fmt.Sprint(hard))
	}
	return json.Marshal(obj)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
