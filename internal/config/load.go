package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 为环境变量覆盖的前缀。
const EnvPrefix = "WIKISHARD_"

// DefaultFiles 为未显式指定时依次查找的配置文件。
var DefaultFiles = []string{"wikishard.json", "wikishard.yaml", "wikishard.yml"}

// 默认上限：hard = 200·1024·1000，target = 200·1000·1000。
const (
	DefaultHard   ByteSize = 200 * 1024 * 1000
	DefaultTarget ByteSize = 200 * 1000 * 1000
)

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	return Config{
		CacheDir:       "cache",
		Limits:         Limits{Hard: DefaultHard, Target: DefaultTarget},
		Concurrency:    1,
		MaxRetries:     2,
		RetryBackoffMS: 500,
		Logging:        Logging{Level: "info"},
		Components: Components{
			Reader:      "fs",
			Parser:      "mwxml",
			Partitioner: "greedy",
			Writer:      "fs",
			Importer:    "mediawiki",
			Assembler:   "linear",
		},
	}
}

// LoadFile 按扩展名解析 JSON 或 YAML 配置（严格拒绝未知字段）。
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	default:
		return LoadJSON(b)
	}
}

// LoadJSON 从原始 JSON 解析 Config（严格拒绝未知字段）。
// 缺省的 max_retries 保持为 -1（未覆盖），以便 Merge 区分显式 0。
func LoadJSON(raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, errors.New("config: empty source")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadYAML 将 YAML 转为 JSON 后按 LoadJSON 严格解析；options 子树随之转为 JSON。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{MaxRetries: -1}, fmt.Errorf("config: yaml: %w", err)
	}
	if doc == nil {
		return Config{MaxRetries: -1}, errors.New("config: empty source")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Config{MaxRetries: -1}, fmt.Errorf("config: yaml to json: %w", err)
	}
	return LoadJSON(b)
}

// FindFile 返回 dir 下第一个存在的默认配置文件；均不存在时返回 ""。
func FindFile(dir string) string {
	for _, name := range DefaultFiles {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if s := strings.TrimSpace(over.CacheDir); s != "" {
		out.CacheDir = s
	}
	if over.Limits.Hard > 0 {
		out.Limits.Hard = over.Limits.Hard
	}
	if over.Limits.Target > 0 {
		out.Limits.Target = over.Limits.Target
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// MaxRetries 的 0 具有语义（禁用重试）：over.MaxRetries >= 0 视为“存在”，-1 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.RetryBackoffMS != 0 {
		out.RetryBackoffMS = over.RetryBackoffMS
	}
	if over.KeepGoing != nil {
		v := *over.KeepGoing
		out.KeepGoing = &v
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Index.Path); s != "" {
		out.Index.Path = s
	}
	if over.ImportLimits.RPM != 0 {
		out.ImportLimits.RPM = over.ImportLimits.RPM
	}
	if over.ImportLimits.BPM != 0 {
		out.ImportLimits.BPM = over.ImportLimits.BPM
	}
	if over.ImportLimits.MaxBytesPerReq != 0 {
		out.ImportLimits.MaxBytesPerReq = over.ImportLimits.MaxBytesPerReq
	}

	// 组件名（空不覆盖）
	mergeName(&out.Components.Reader, over.Components.Reader)
	mergeName(&out.Components.Parser, over.Components.Parser)
	mergeName(&out.Components.Partitioner, over.Components.Partitioner)
	mergeName(&out.Components.Writer, over.Components.Writer)
	mergeName(&out.Components.Importer, over.Components.Importer)
	mergeName(&out.Components.Assembler, over.Components.Assembler)

	// Options（完整替换对应键）
	mergeRaw(&out.Options.Reader, over.Options.Reader)
	mergeRaw(&out.Options.Parser, over.Options.Parser)
	mergeRaw(&out.Options.Partitioner, over.Options.Partitioner)
	mergeRaw(&out.Options.Writer, over.Options.Writer)
	mergeRaw(&out.Options.Importer, over.Options.Importer)
	mergeRaw(&out.Options.Assembler, over.Options.Assembler)
	return out
}

func mergeName(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

func mergeRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 前缀 WIKISHARD_；集合之外的键忽略，空值视为未设置。
// 支持：INPUTS, CACHE_DIR, LIMITS_HARD, LIMITS_TARGET, CONCURRENCY, MAX_RETRIES,
// RETRY_BACKOFF_MS, KEEP_GOING, LOG_LEVEL, INDEX_PATH, IMPORT_LIMITS_{RPM,BPM,MAX_BYTES_PER_REQ},
// COMPONENTS_<KIND>, OPTIONS_<KIND>_JSON。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	over.MaxRetries = -1
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		if err := applyEnv(&over, key, val); err != nil {
			return over, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
	}
	return over, nil
}

func applyEnv(over *Config, key, val string) error {
	var err error
	switch key {
	case "INPUTS":
		over.Inputs = splitComma(val)
	case "CACHE_DIR":
		over.CacheDir = val
	case "LIMITS_HARD":
		over.Limits.Hard, err = ParseByteSize(val)
	case "LIMITS_TARGET":
		over.Limits.Target, err = ParseByteSize(val)
	case "CONCURRENCY":
		over.Concurrency, err = atoi(val)
	case "MAX_RETRIES":
		over.MaxRetries, err = atoi(val)
	case "RETRY_BACKOFF_MS":
		over.RetryBackoffMS, err = atoi(val)
	case "KEEP_GOING":
		var b bool
		if b, err = strconv.ParseBool(val); err == nil {
			over.KeepGoing = &b
		}
	case "LOG_LEVEL":
		over.Logging.Level = val
	case "INDEX_PATH":
		over.Index.Path = val
	case "IMPORT_LIMITS_RPM":
		over.ImportLimits.RPM, err = atoi(val)
	case "IMPORT_LIMITS_BPM":
		over.ImportLimits.BPM, err = ParseByteSize(val)
	case "IMPORT_LIMITS_MAX_BYTES_PER_REQ":
		over.ImportLimits.MaxBytesPerReq, err = ParseByteSize(val)
	case "COMPONENTS_READER":
		over.Components.Reader = val
	case "COMPONENTS_PARSER":
		over.Components.Parser = val
	case "COMPONENTS_PARTITIONER":
		over.Components.Partitioner = val
	case "COMPONENTS_WRITER":
		over.Components.Writer = val
	case "COMPONENTS_IMPORTER":
		over.Components.Importer = val
	case "COMPONENTS_ASSEMBLER":
		over.Components.Assembler = val
	case "OPTIONS_READER_JSON":
		over.Options.Reader, err = rawJSON(val)
	case "OPTIONS_PARSER_JSON":
		over.Options.Parser, err = rawJSON(val)
	case "OPTIONS_PARTITIONER_JSON":
		over.Options.Partitioner, err = rawJSON(val)
	case "OPTIONS_WRITER_JSON":
		over.Options.Writer, err = rawJSON(val)
	case "OPTIONS_IMPORTER_JSON":
		over.Options.Importer, err = rawJSON(val)
	case "OPTIONS_ASSEMBLER_JSON":
		over.Options.Assembler, err = rawJSON(val)
	}
	return err
}

func rawJSON(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, errors.New("invalid JSON")
	}
	return json.RawMessage(s), nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
