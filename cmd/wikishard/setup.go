package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	cfgpkg "wikishard/internal/config"
)

// InitConfigCmd: wikishard init-config [dir]
type InitConfigCmd struct {
	Dir  string `arg:"" optional:"" default:"." help:"输出目录（不存在则创建）"`
	YAML bool   `name:"yaml" help:"生成 wikishard.yaml（默认 wikishard.json）"`
}

func (c *InitConfigCmd) Run(a *app) error {
	dir := strings.TrimSpace(c.Dir)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return configErr(fmt.Errorf("生成默认配置失败: %w", err))
	}
	name := "wikishard.json"
	if c.YAML {
		name = "wikishard.yaml"
	}
	path := filepath.Join(dir, name)
	if err := writeConfig(path, cfgpkg.DefaultTemplateConfig(), c.YAML); err != nil {
		return configErr(fmt.Errorf("生成默认配置失败: %w", err))
	}
	// .env 模板失败不影响配置文件
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(a.stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	fprintf(a.stdout, "init-config: wrote %s\n", path)
	return nil
}

// writeConfig 写出配置模板；已存在则返回错误（不覆盖）。
func writeConfig(path string, c cfgpkg.Config, asYAML bool) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if asYAML {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		if b, err = yaml.Marshal(plainNumbers(doc)); err != nil {
			return err
		}
	} else {
		b = append(b, '\n')
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// plainNumbers 把 json.Number 换成 int64/float64，使 YAML 输出整数而非字符串或科学计数。
func plainNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = plainNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = plainNumbers(e)
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	}
	return v
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	// options 可能含凭据，不输出
	c.Options = cfgpkg.Options{}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "有效配置:\n%s\n", b)
	return err
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "。
// - 仅按首个 '=' 分割；value 若被成对的单/双引号包裹则去除，双引号内处理 \n/\t/\r/\"/\\。
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:eq])
	val := strings.TrimSpace(line[eq+1:])
	if key == "" {
		return "", "", false
	}
	if len(val) >= 2 {
		q := val[0]
		if (q == '\'' || q == '"') && val[len(val)-1] == q {
			val = val[1 : len(val)-1]
			if q == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
	}
	return key, val, true
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# wikishard .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件；空值表示未设置。\n\n")

	b.WriteString("# 配置来源\n")
	b.WriteString(p + "CONFIG_FILE=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUTS", "CACHE_DIR", "LIMITS_HARD", "LIMITS_TARGET", "CONCURRENCY",
		"MAX_RETRIES", "RETRY_BACKOFF_MS", "KEEP_GOING", "LOG_LEVEL", "INDEX_PATH",
		"IMPORT_LIMITS_RPM", "IMPORT_LIMITS_BPM", "IMPORT_LIMITS_MAX_BYTES_PER_REQ",
	} {
		b.WriteString(p + k + "=\n")
	}

	b.WriteString("\n# 组件选择与选项（原样 JSON）\n")
	for _, k := range []string{"READER", "PARSER", "PARTITIONER", "WRITER", "IMPORTER", "ASSEMBLER"} {
		b.WriteString(p + "COMPONENTS_" + k + "=\n")
		b.WriteString(p + "OPTIONS_" + k + "_JSON=\n")
	}

	b.WriteString("\n# MediaWiki 登录密码（由 importer.password_env 指定的变量读取）\n")
	b.WriteString("MW_PASSWORD=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir 在分片前检查分片目录可写性。
// 目录存在：尝试创建并删除临时文件；不存在：沿父目录向上找到最近的已存在目录并做同样检查。
func preflightCheckOutputDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("分片目录为空")
	}
	for {
		st, err := os.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return fmt.Errorf("路径存在但不是目录: %s", dir)
			}
			f, err := os.CreateTemp(dir, ".wcheck-*")
			if err != nil {
				return err
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("无法确定父目录: %s", dir)
		}
		dir = parent
	}
}
