package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "wikishard/internal/config"
	"wikishard/internal/diag"
	"wikishard/internal/pipeline"
)

const smallDump = "../../testdata/dumps/small.xml"

// 令首个页面按修订拆分、其余页面各自成片的上限（共 4 片）。
const splitHard = "1037"

// workdir 把样例导出复制为 wiki.xml 并切换到临时目录。
func workdir(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(smallDump)
	if err != nil {
		t.Fatalf("读取样例失败: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wiki.xml"), b, 0o644); err != nil {
		t.Fatalf("写入样例失败: %v", err)
	}
	t.Chdir(dir)
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := run(append(args, "--no-status"), &out, &errb)
	return code, out.String(), errb.String()
}

func shardFiles(t *testing.T, dir string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	if code != 0 || !strings.Contains(out, version) {
		t.Fatalf("version: %d %q", code, out)
	}
}

// UT-CLI-01: shard → verify → import → index → clean
func TestRunFullCycle(t *testing.T) {
	dir := workdir(t)
	t.Setenv("WIKISHARD_COMPONENTS_IMPORTER", "mock")
	shardDir := filepath.Join(dir, "cache", "xml")

	code, out, errs := runCLI(t, "shard", "--hard", splitHard, "--target", splitHard, "--concurrency", "2", "wiki.xml")
	if code != 0 {
		t.Fatalf("shard 退出码 %d: %s", code, errs)
	}
	if !strings.Contains(out, "shards=4") || len(shardFiles(t, shardDir)) != 4 {
		t.Fatalf("shard 输出: %s", out)
	}

	code, out, errs = runCLI(t, "verify", "wiki.xml")
	if code != 0 || !strings.Contains(out, "mismatched=0") {
		t.Fatalf("verify %d: %s %s", code, out, errs)
	}

	code, out, errs = runCLI(t, "import")
	if code != 0 || !strings.Contains(out, "imported=4") {
		t.Fatalf("import %d: %s %s", code, out, errs)
	}
	if left := shardFiles(t, shardDir); len(left) != 0 {
		t.Fatalf("导入成功后分片应删除: %v", left)
	}

	code, out, errs = runCLI(t, "index", "--index", "meta.db", "wiki.xml")
	if code != 0 || !strings.Contains(out, "pages=3 revisions=3") {
		t.Fatalf("index %d: %s %s", code, out, errs)
	}

	if code, _, errs = runCLI(t, "clean"); code != 0 {
		t.Fatalf("clean %d: %s", code, errs)
	}
	if _, err := os.Stat(shardDir); !os.IsNotExist(err) {
		t.Fatalf("clean 后分片目录应不存在: %v", err)
	}
}

// UT-CLI-02: 远端拒绝 → 退出码 1，失败分片保留
func TestRunImportRejected(t *testing.T) {
	dir := workdir(t)
	if code, _, errs := runCLI(t, "shard", "--hard", splitHard, "--target", splitHard, "wiki.xml"); code != 0 {
		t.Fatalf("shard: %s", errs)
	}
	t.Setenv("WIKISHARD_COMPONENTS_IMPORTER", "mock")
	t.Setenv("WIKISHARD_OPTIONS_IMPORTER_JSON", `{"reject":["wiki_1.xml"]}`)
	code, out, _ := runCLI(t, "import")
	if code != exitRuntime {
		t.Fatalf("期望退出码 1，得到 %d", code)
	}
	for _, want := range []string{"imported=1", "failed=1", "skipped=2", "failed_shards=wiki_1.xml"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %s: %s", want, out)
		}
	}
	if left := shardFiles(t, filepath.Join(dir, "cache", "xml")); len(left) != 3 {
		t.Fatalf("应保留 3 个未导入分片: %v", left)
	}

	code, out, _ = runCLI(t, "import", "--keep-going")
	if code != exitRuntime || !strings.Contains(out, "imported=2") || !strings.Contains(out, "skipped=0") {
		t.Fatalf("keep-going %d: %s", code, out)
	}
}

// UT-CLI-03: CLI 覆盖优先于 ENV 与配置文件
func TestRunImportOverrides(t *testing.T) {
	workdir(t)
	if err := os.WriteFile("wikishard.yaml", []byte("components:\n  importer: mock\nmax_retries: 5\ncache_dir: work\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WIKISHARD_MAX_RETRIES", "3")
	var got pipeline.Settings
	orig := importRun
	importRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (pipeline.ImportReport, error) {
		got = set
		return pipeline.ImportReport{}, nil
	}
	defer func() { importRun = orig }()

	if code, _, errs := runCLI(t, "import", "--max-retries", "0", "--keep-going"); code != 0 {
		t.Fatalf("import: %s", errs)
	}
	if got.MaxRetries != 0 || !got.KeepGoing || got.ShardDir != filepath.Join("work", "xml") {
		t.Fatalf("settings 错误: %+v", got)
	}

	if code, _, _ := runCLI(t, "import"); code != 0 || got.MaxRetries != 3 || got.KeepGoing {
		t.Fatalf("ENV 应覆盖配置文件: %+v", got)
	}
}

func TestRunConfigErrors(t *testing.T) {
	workdir(t)
	cases := []struct {
		desc string
		env  map[string]string
		args []string
		code int
	}{
		{"配置文件不存在", nil, []string{"shard", "--config", "missing.json", "wiki.xml"}, exitConfig},
		{"target > hard", nil, []string{"shard", "--hard", "10", "--target", "20", "wiki.xml"}, exitConfig},
		{"非法字节数", nil, []string{"shard", "--hard", "lots", "wiki.xml"}, exitConfig},
		{"缺少输入", nil, []string{"shard"}, exitConfig},
		{"index 无路径", nil, []string{"index", "wiki.xml"}, exitConfig},
		{"非法 ENV", map[string]string{"WIKISHARD_LIMITS_HARD": "big"}, []string{"shard", "wiki.xml"}, exitConfig},
		{"未知组件", map[string]string{"WIKISHARD_COMPONENTS_PARTITIONER": "nope"}, []string{"shard", "wiki.xml"}, exitConfig},
		{"缺少 api_url", nil, []string{"import"}, exitConfig},
		{"未知命令", nil, []string{"explode"}, exitUsage},
		{"不可满足的上限", nil, []string{"shard", "--hard", "600", "--target", "600", "wiki.xml"}, exitRuntime},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			if code, _, errs := runCLI(t, c.args...); code != c.code {
				t.Fatalf("期望 %d 得到 %d: %s", c.code, code, errs)
			}
		})
	}
}

// UT-CLI-04: init-config 不覆盖已有文件
func TestRunInitConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if code, _, errs := runCLI(t, "init-config", "out"); code != 0 {
		t.Fatalf("init-config: %s", errs)
	}
	for _, name := range []string{"wikishard.json", ".env"} {
		if _, err := os.Stat(filepath.Join(dir, "out", name)); err != nil {
			t.Fatalf("%s 未生成: %v", name, err)
		}
	}
	if code, _, _ := runCLI(t, "init-config", "out"); code != exitConfig {
		t.Fatalf("已存在时应返回 3，得到 %d", code)
	}

	if code, _, errs := runCLI(t, "init-config", "--yaml", "y"); code != 0 {
		t.Fatalf("init-config --yaml: %s", errs)
	}
	cfg, err := cfgpkg.LoadFile(filepath.Join(dir, "y", "wikishard.yaml"))
	if err != nil {
		t.Fatalf("YAML 模板无法回读: %v", err)
	}
	if err := cfgpkg.Validate(cfgpkg.Merge(cfgpkg.Defaults(), cfg), cfgpkg.ModeShard); err != nil {
		t.Fatalf("YAML 模板校验失败: %v", err)
	}
}

func TestParseDotEnvLine(t *testing.T) {
	cases := []struct {
		line, key, val string
		ok             bool
	}{
		{"A=1", "A", "1", true},
		{"export B = two ", "B", "two", true},
		{`C="x\ty"`, "C", "x\ty", true},
		{`D='raw\n'`, "D", `raw\n`, true},
		{"# comment", "", "", false},
		{"=novalue", "", "", false},
		{"", "", "", false},
	}
	for _, c := range cases {
		k, v, ok := parseDotEnvLine(c.line)
		if k != c.key || v != c.val || ok != c.ok {
			t.Fatalf("%q => %q %q %v", c.line, k, v, ok)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WIKISHARD_KEPT", "orig")
	t.Setenv("WIKISHARD_NEW", "")
	os.Unsetenv("WIKISHARD_NEW")
	if err := os.WriteFile(".env", []byte("WIKISHARD_KEPT=file\nWIKISHARD_NEW=\"v\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := loadDotEnv(".env"); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if os.Getenv("WIKISHARD_KEPT") != "orig" || os.Getenv("WIKISHARD_NEW") != "v" {
		t.Fatalf("ENV 注入错误: %q %q", os.Getenv("WIKISHARD_KEPT"), os.Getenv("WIKISHARD_NEW"))
	}
	if err := loadDotEnv("missing.env"); err != nil {
		t.Fatalf("缺失文件应忽略: %v", err)
	}
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	if err := preflightCheckOutputDir(filepath.Join(dir, "a", "b")); err != nil {
		t.Fatalf("不存在的子目录应可创建: %v", err)
	}
	f := filepath.Join(dir, "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := preflightCheckOutputDir(f); err == nil {
		t.Fatal("文件路径应失败")
	}
	if err := preflightCheckOutputDir(" "); err == nil {
		t.Fatal("空路径应失败")
	}
}
