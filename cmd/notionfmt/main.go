package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "notionfmt/internal/config"
	"notionfmt/internal/diag"
	"notionfmt/internal/journal"
	"notionfmt/internal/pipeline"
	"notionfmt/pkg/contract"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行失败或仍有失败记录；3 配置/装配错误。
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

// run 构造并执行命令，返回退出码。
func run(args []string, stdin io.Reader, stderr io.Writer) int {
	code := exitOK
	root := &cobra.Command{
		Use:   "notionfmt <page-id>",
		Short: "为 Notion 文档中的中英文混排自动补空格",
		Long: "notionfmt 遍历指定页面下的全部块，在中文与英文/数字之间插入空格并写回。\n" +
			"配置来自 notionfmt.yaml / NOTIONFMT_* 环境变量；令牌默认读取 NOTION_TOKEN。",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			code = format(cmd.Context(), args[0], stdin, stderr)
			return nil
		},
	}
	root.AddCommand(&cobra.Command{
		Use:           "init-config [dir]",
		Short:         "生成 notionfmt.yaml 与 .env 模板（不覆盖已有文件）",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			code = initConfig(dir, stderr)
			return nil
		},
	})
	if args == nil {
		// cobra 对 nil 会回退到 os.Args
		args = []string{}
	}
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stderr)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fprintf(stderr, "参数错误: %v\n", err)
		return exitConfig
	}
	return code
}

func initConfig(dir string, stderr io.Writer) int {
	written, err := cfgpkg.WriteTemplate(dir)
	if err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if len(written) == 0 {
		fprintf(stderr, "配置模板已存在，未做修改\n")
	}
	for _, p := range written {
		fprintf(stderr, "已生成 %s\n", p)
	}
	return exitOK
}

// format 执行一次完整运行。
func format(ctx context.Context, arg string, stdin io.Reader, stderr io.Writer) int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := cfgpkg.LoadDotEnv(".env"); err != nil {
		fprintf(stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}

	cfg, err := cfgpkg.Load(os.Environ())
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(stderr, "配置校验失败: %v\n", err)
		dumpConfig(stderr, cfg)
		return exitConfig
	}
	logger := diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()
	defer func() {
		if err := diag.WriteMetricsFile(cfg.Metrics.Textfile); err != nil {
			fprintf(stderr, "指标写出失败: %v\n", err)
		}
	}()

	root := rootID(arg)
	if root == "" {
		fprintf(stderr, "页面 ID 不能为空\n")
		return exitConfig
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble failed: "+err.Error(), &start)
		return exitConfig
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			fprintf(stderr, "打开运行记录失败: %v\n", err)
			logger.Error("journal", string(diag.Classify(err)), "open failed: "+err.Error(), &start)
			return exitConfig
		}
		defer j.Close()
		set.Journal = j
	}
	set.RunID = corrID
	set.Confirm = confirmer(stdin, stderr)

	term := diag.NewTerminal(stderr, true)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	logger.DebugStart("config", "effective", string(root), "", map[string]string{
		"service":        set.Service,
		"batch_size":     fmt.Sprint(cfg.BatchSize),
		"batch_pause_ms": fmt.Sprint(cfg.BatchPauseMS),
		"max_attempts":   fmt.Sprint(cfg.MaxAttempts),
		"backoff_ms":     fmt.Sprint(cfg.BackoffMS),
		"max_fanout":     fmt.Sprint(cfg.MaxFanout),
		"retry_failed":   cfg.RetryFailed,
		"journal":        cfg.Journal.Path,
	})

	sum, err := pipelineRun(ctx, root, comp, set, logger)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "运行失败: %v\n", err)
		}
		return exitFailed
	}
	report(stderr, sum)
	if !sum.OK() {
		return exitFailed
	}
	return exitOK
}

// report 输出运行汇总与失败明细。
func report(w io.Writer, sum pipeline.Summary) {
	fprintf(w, "标题: %s | 扫描 %d | 待更新 %d | 成功 %d（无需写入 %d）| 失败 %d | 跳过 %d\n",
		sum.Title, sum.Scanned, sum.Queued, sum.Succeeded, sum.Unchanged, len(sum.Failed), sum.Skipped)
	for _, f := range sum.Failed {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		fprintf(w, "  失败 %s (%s, %d 次尝试): %s\n", f.Update.NodeID, f.Update.NodeType, f.Attempts, msg)
	}
}

// confirmer 返回交互式 y/n 确认函数；读取失败或非 y 时视为拒绝。
func confirmer(in io.Reader, out io.Writer) func(int) bool {
	r := bufio.NewReader(in)
	return func(failed int) bool {
		fprintf(out, "%d 个块写回失败，是否重试一次？[y/N] ", failed)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			fprintf(out, "\n")
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// Notion 页面 ID：32 位十六进制，可带连字符；URL 中位于路径末尾。
var idPattern = regexp.MustCompile(`([0-9a-fA-F]{8}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{12})/?(?:[?#].*)?$`)

// rootID 从参数中取出页面 ID；支持直接粘贴页面 URL。
func rootID(arg string) contract.NodeID {
	s := strings.TrimSpace(arg)
	if strings.Contains(s, "/") {
		if m := idPattern.FindStringSubmatch(s); m != nil {
			return contract.NodeID(m[1])
		}
	}
	return contract.NodeID(s)
}

// dumpConfig 打印有效配置，options 中的 token 脱敏。
func dumpConfig(w io.Writer, c cfgpkg.Config) {
	svcs := make(map[string]cfgpkg.Service, len(c.Services))
	for name, sv := range c.Services {
		var opts map[string]any
		if json.Unmarshal(sv.Options, &opts) == nil {
			if tok, ok := opts["token"].(string); ok && tok != "" {
				opts["token"] = "***"
				sv.Options, _ = json.Marshal(opts)
			}
		}
		svcs[name] = sv
	}
	c.Services = svcs
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fprintf(w, "有效配置:\n%s\n", b)
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }
