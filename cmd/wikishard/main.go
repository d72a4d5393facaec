package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	cfgpkg "wikishard/internal/config"
	"wikishard/internal/diag"
	"wikishard/internal/pipeline"
)

const version = "0.3.0"

// 可在测试中替换的操作入口。
var (
	shardRun  = pipeline.Shard
	importRun = pipeline.Import
	verifyRun = pipeline.Verify
	indexRun  = pipeline.Index
)

// 退出码：0 成功；1 运行期失败；2 命令行用法错误；3 配置/装配错误。
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
	exitConfig  = 3
)

// CLI 为命令树；全局旗标可出现在子命令之后。
type CLI struct {
	Config   string `name:"config" short:"c" help:"配置文件（JSON/YAML）；缺省依次查找 ./wikishard.json、./wikishard.yaml、./wikishard.yml"`
	CacheDir string `name:"cache-dir" help:"工作目录（分片位于 <cache-dir>/xml）"`
	IndexDB  string `name:"index" help:"SQLite 索引库路径（覆盖 index.path）"`
	LogLevel string `name:"log-level" help:"日志级别：debug|info|warn|error"`
	LogDir   string `name:"log-dir" default:"logs" help:"日志目录"`
	Status   bool   `name:"status" negatable:"" default:"true" help:"终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出"`

	Shard      ShardCmd      `cmd:"" help:"将导出切分为不超过硬上限的分片"`
	Import     ImportCmd     `cmd:"" help:"按 (stem, 分片序) 导入分片目录中的分片"`
	Verify     VerifyCmd     `cmd:"" help:"校验分片可逐字节重组为源导出"`
	Index      IndexCmd      `cmd:"" help:"将页面/修订元数据写入 SQLite"`
	Clean      CleanCmd      `cmd:"" help:"删除分片目录"`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"生成配置模板与 .env（已存在则不覆盖）"`
	Version    VersionCmd    `cmd:"" help:"打印版本"`
}

// app 为一次运行的共享上下文，经 kong 绑定注入各命令的 Run。
type app struct {
	cli    *CLI
	stdout io.Writer
	stderr io.Writer
	corrID string
	start  time.Time
}

// configError 标记配置/装配阶段错误（退出码 3）。
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func configErr(err error) error { return &configError{err: err} }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{cli: &CLI{}, stdout: stdout, stderr: stderr, corrID: uuid.NewString(), start: time.Now()}
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")

	parser, err := kong.New(a.cli,
		kong.Name("wikishard"),
		kong.Description("MediaWiki XML 导出分片与导入工具"),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	if err != nil {
		fprintf(stderr, "命令定义错误: %v\n", err)
		return exitUsage
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fprintf(stderr, "参数错误: %v\n", err)
		return exitUsage
	}
	err = kctx.Run(a)
	if err == nil {
		return exitOK
	}
	logger := diag.NewLoggerDir(a.cli.LogDir, a.corrID, "info")
	defer logger.Close()
	var ce *configError
	if errors.As(err, &ce) {
		fprintf(stderr, "配置错误: %v\n", ce.err)
		logger.Error("config", string(diag.Classify(ce.err)), "first error: "+ce.err.Error(), &a.start)
		return exitConfig
	}
	if !errors.Is(err, context.Canceled) {
		fprintf(stderr, "运行失败: %v\n", err)
	}
	return exitRuntime
}

// newOverlay 返回空覆盖；MaxRetries=-1 表示未覆盖。
func newOverlay() cfgpkg.Config { return cfgpkg.Config{MaxRetries: -1} }

// loadConfig 合并：默认 < 文件 < ENV < 全局旗标 < 子命令旗标。
func (a *app) loadConfig(over cfgpkg.Config) (cfgpkg.Config, error) {
	path := a.cli.Config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		path = cfgpkg.FindFile(".")
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败 %s: %w", path, err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	env, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, env)

	g := newOverlay()
	g.CacheDir = a.cli.CacheDir
	g.Logging.Level = a.cli.LogLevel
	g.Index.Path = a.cli.IndexDB
	cfg = cfgpkg.Merge(cfg, g)
	return cfgpkg.Merge(cfg, over), nil
}

type runFunc func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (string, error)

// execute 装配配置并运行一个操作；摘要行写到 stdout。
func (a *app) execute(mode cfgpkg.Mode, over cfgpkg.Config, fn runFunc) error {
	cfg, err := a.loadConfig(over)
	if err != nil {
		return configErr(err)
	}
	comp, set, err := cfgpkg.Assemble(cfg, mode)
	if err != nil {
		_ = dumpConfig(a.stderr, cfg)
		return configErr(err)
	}
	if mode == cfgpkg.ModeShard {
		if err := preflightCheckOutputDir(set.ShardDir); err != nil {
			return configErr(fmt.Errorf("分片目录不可写或无法创建: %w", err))
		}
	}

	logger := diag.NewLoggerDir(a.cli.LogDir, a.corrID, cfg.Logging.Level)
	defer logger.Close()
	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg, mode, set))

	term := diag.NewTerminal(a.stderr, a.cli.Status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(string(mode), runTarget(cfg, mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := logger.Start(string(mode), "run")
	summary, err := fn(ctx, comp, set, logger)
	if summary != "" {
		fprintf(a.stdout, "%s\n", summary)
	}
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error(string(mode), code, "first error: "+err.Error(), &a.start)
		diag.IncOp(string(mode), "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError(string(mode), code)
		}
		term.RunFinish(false, time.Since(a.start))
		return err
	}
	t.Finish("run", 0)
	diag.IncOp(string(mode), "finish", "success")
	diag.ObserveDuration(string(mode), "finish", time.Since(a.start).Milliseconds())
	term.RunFinish(true, time.Since(a.start))
	return nil
}

// ShardCmd: wikishard shard [input...]
type ShardCmd struct {
	Inputs      []string `arg:"" optional:"" name:"input" help:"源导出文件/目录；'-' 表示 STDIN"`
	Hard        string   `name:"hard" help:"硬上限（字节或带单位，如 200MB）"`
	Target      string   `name:"target" help:"期望上限（≤ 硬上限）"`
	Concurrency int      `name:"concurrency" help:"分片写出并发度"`
}

func (c *ShardCmd) Run(a *app) error {
	over := newOverlay()
	over.Inputs = c.Inputs
	over.Concurrency = c.Concurrency
	if err := limitFlags(&over, c.Hard, c.Target); err != nil {
		return configErr(err)
	}
	return a.execute(cfgpkg.ModeShard, over, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (string, error) {
		rep, err := shardRun(ctx, comp, set, logger)
		return fmt.Sprintf("shard: files=%d shards=%d pages=%d revisions=%d bytes=%s dir=%s",
			rep.Files, rep.Shards, rep.Pages, rep.Revisions, humanize.Bytes(uint64(rep.Bytes)), set.ShardDir), err
	})
}

// ImportCmd: wikishard import
type ImportCmd struct {
	MaxRetries int  `name:"max-retries" default:"-1" help:"单个分片的最大重试次数（0 表示不重试）"`
	KeepGoing  bool `name:"keep-going" help:"某个分片失败后继续导入其余分片"`
}

func (c *ImportCmd) Run(a *app) error {
	over := newOverlay()
	over.MaxRetries = c.MaxRetries
	if c.KeepGoing {
		v := true
		over.KeepGoing = &v
	}
	return a.execute(cfgpkg.ModeImport, over, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (string, error) {
		rep, err := importRun(ctx, comp, set, logger)
		s := fmt.Sprintf("import: found=%d imported=%d failed=%d skipped=%d pages=%d revisions=%d",
			rep.Found, rep.Imported, rep.Failed, rep.Skipped, rep.Pages, rep.Revisions)
		if len(rep.FailedShards) > 0 {
			s += " failed_shards=" + strings.Join(rep.FailedShards, ",")
		}
		return s, err
	})
}

// VerifyCmd: wikishard verify [input...]
type VerifyCmd struct {
	Inputs []string `arg:"" optional:"" name:"input" help:"源导出文件/目录"`
	Hard   string   `name:"hard" help:"校验用硬上限；缺省取清单记录值"`
}

func (c *VerifyCmd) Run(a *app) error {
	over := newOverlay()
	over.Inputs = c.Inputs
	if err := limitFlags(&over, c.Hard, ""); err != nil {
		return configErr(err)
	}
	return a.execute(cfgpkg.ModeVerify, over, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (string, error) {
		if c.Hard == "" {
			// 未显式指定时以清单记录的上限为准
			set.Limits.Hard = 0
		}
		rep, err := verifyRun(ctx, comp, set, logger)
		s := fmt.Sprintf("verify: sources=%d shards=%d mismatched=%d", rep.Sources, rep.Shards, len(rep.Mismatched))
		return s, err
	})
}

// IndexCmd: wikishard index [input...]
type IndexCmd struct {
	Inputs []string `arg:"" optional:"" name:"input" help:"源导出文件/目录"`
}

func (c *IndexCmd) Run(a *app) error {
	over := newOverlay()
	over.Inputs = c.Inputs
	return a.execute(cfgpkg.ModeIndex, over, func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (string, error) {
		rep, err := indexRun(ctx, comp, set, logger)
		return fmt.Sprintf("index: files=%d pages=%d revisions=%d db=%s", rep.Files, rep.Pages, rep.Revisions, set.IndexPath), err
	})
}

// CleanCmd: wikishard clean
type CleanCmd struct{}

func (c *CleanCmd) Run(a *app) error {
	return a.execute(cfgpkg.ModeClean, newOverlay(), func(_ context.Context, _ pipeline.Components, set pipeline.Settings, logger *diag.Logger) (string, error) {
		if err := pipeline.Clean(set, logger); err != nil {
			return "", err
		}
		return "clean: removed " + set.ShardDir, nil
	})
}

// VersionCmd: wikishard version
type VersionCmd struct{}

func (c *VersionCmd) Run(a *app) error {
	fprintf(a.stdout, "wikishard %s\n", version)
	return nil
}

func limitFlags(over *cfgpkg.Config, hard, target string) error {
	if hard != "" {
		v, err := cfgpkg.ParseByteSize(hard)
		if err != nil {
			return fmt.Errorf("--hard: %w", err)
		}
		over.Limits.Hard = v
	}
	if target != "" {
		v, err := cfgpkg.ParseByteSize(target)
		if err != nil {
			return fmt.Errorf("--target: %w", err)
		}
		over.Limits.Target = v
	}
	return nil
}

func runTarget(cfg cfgpkg.Config, mode cfgpkg.Mode) string {
	switch mode {
	case cfgpkg.ModeShard:
		return "hard=" + cfg.Limits.Hard.String() + " target=" + cfg.Limits.Target.String()
	case cfgpkg.ModeImport:
		return cfg.Components.Importer
	case cfgpkg.ModeIndex:
		return cfg.Index.Path
	}
	return cfgpkg.ShardDir(cfg)
}

// effectiveKV 输出运行时配置（不含 options 原文，避免泄露凭据）。
func effectiveKV(cfg cfgpkg.Config, mode cfgpkg.Mode, set pipeline.Settings) map[string]string {
	kv := map[string]string{
		"mode":         string(mode),
		"inputs_count": strconv.Itoa(len(cfg.Inputs)),
		"shard_dir":    set.ShardDir,
		"hard":         strconv.FormatInt(set.Limits.Hard, 10),
		"target":       strconv.FormatInt(set.Limits.Target, 10),
		"concurrency":  strconv.Itoa(cfg.Concurrency),
		"max_retries":  strconv.Itoa(cfg.MaxRetries),
		"keep_going":   strconv.FormatBool(set.KeepGoing),
		"reader":       cfg.Components.Reader,
		"parser":       cfg.Components.Parser,
		"partitioner":  cfg.Components.Partitioner,
		"writer":       cfg.Components.Writer,
		"importer":     cfg.Components.Importer,
		"assembler":    cfg.Components.Assembler,
	}
	if set.IndexPath != "" {
		kv["index"] = set.IndexPath
	}
	if set.GateKey != "" {
		kv["gate_key"] = string(set.GateKey)
	}
	return kv
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }
