package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/config"
	"github.com/any-hub/prefetch/internal/engine"
	"github.com/any-hub/prefetch/internal/fetch"
	"github.com/any-hub/prefetch/internal/logging"
	"github.com/any-hub/prefetch/internal/server"
	"github.com/any-hub/prefetch/internal/server/routes"
	"github.com/any-hub/prefetch/internal/version"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 控制服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return exitCode(runServe(ctx, configPath()))
		},
	}
}

// fetchOptions 汇总 fetch 子命令的参数。
type fetchOptions struct {
	url     string
	output  string
	refresh bool
	headers []string
}

func newFetchCmd(configPath func() string) *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "下载一个 URL（命中缓存时直接返回）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.url = args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return exitCode(runFetch(ctx, configPath(), opts))
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "输出文件路径，缺省写到标准输出")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "跳过缓存重新下载")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, `附加请求头，格式 "Name: value"，可重复`)
	return cmd
}

func newCheckConfigCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitCode(runCheckConfig(configPath()))
		},
	}
}

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return exitError{code: code}
}

// loadRuntimeConfig 加载配置并初始化日志，失败时已向 stdErr 输出原因。
func loadRuntimeConfig(configPath string, opts ...logging.Option) (*config.Config, *logrus.Logger, int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil, 1
	}
	logger, err := logging.InitLogger(cfg.Global, opts...)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil, 1
	}
	return cfg, logger, 0
}

func configFields(action, configPath string, cfg *config.Config) logrus.Fields {
	g := cfg.Global
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = g.ListenPort
	fields["storage_path"] = g.StoragePath
	fields["ram_cache"] = g.RamCacheSize.String()
	fields["file_cache"] = g.FileCacheSize.String()
	fields["cache_ttl"] = cfg.CacheTTLValue().String()
	fields["network_source"] = g.NetworkSource
	fields["fetch_timeout"] = g.FetchTimeout.DurationValue().String()
	fields["download_info_list"] = g.DownloadInfoListSize
	return fields
}

// runCheckConfig 校验配置并输出摘要。
func runCheckConfig(configPath string) int {
	cfg, logger, code := loadRuntimeConfig(configPath)
	if code != 0 {
		return code
	}
	fields := configFields("check_config", configPath, cfg)
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// runServe 先等网络来源首次上报，再启动 Fiber 服务，直到 ctx 结束或任一部分失败。
func runServe(ctx context.Context, configPath string) int {
	cfg, logger, code := loadRuntimeConfig(configPath)
	if code != 0 {
		return code
	}

	svc, err := newServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close(context.Background())

	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}
	routes.RegisterTaskRoutes(app, svc.engine, logger)
	routes.RegisterDiagnosticRoutes(app, svc.engine, svc.telemetry, logger)

	fields := configFields("startup", configPath, cfg)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	listen := func() error {
		logger.WithFields(logrus.Fields{
			"action":    "listen",
			"port":      cfg.Global.ListenPort,
			"reachable": svc.gate.IsReachable(),
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}
	if err := svc.serve(ctx, listen, app.ShutdownWithContext); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stdErr, "HTTP 服务运行失败: %v\n", err)
		return 1
	}
	logger.WithFields(logging.BaseFields("shutdown", configPath)).Info("服务已停止")
	return 0
}

// runFetch 在进程内完成一次下载，正文写入文件或标准输出，进度输出到 stdErr。
func runFetch(ctx context.Context, configPath string, opts fetchOptions) int {
	headers := make([]fetch.Header, 0, len(opts.headers))
	for _, raw := range opts.headers {
		header, err := fetch.ParseHeader(raw)
		if err != nil {
			fmt.Fprintf(stdErr, "无效的请求头: %v\n", err)
			return 2
		}
		headers = append(headers, header)
	}

	// 正文可能写到 stdout，控制台日志改走 stderr。
	cfg, logger, code := loadRuntimeConfig(configPath, logging.WithConsole(stdErr))
	if code != 0 {
		return code
	}

	svc, err := newServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close(context.Background())

	netCtx, stopNetwork := context.WithCancel(ctx)
	waitNetwork := svc.startNetwork(netCtx)
	defer func() {
		stopNetwork()
		_ = waitNetwork()
	}()

	var (
		data    *cache.Data
		failure error
	)
	handle, err := svc.engine.Download(opts.url, engine.Options{
		Headers: headers,
		Refresh: opts.refresh,
	}, engine.Callbacks{
		OnProgress: func(received, total int64) {
			fmt.Fprintf(stdErr, "\r%s", formatProgress(received, total))
		},
		OnSuccess: func(d *cache.Data) { data = d },
		OnFail:    func(err error) { failure = err },
	})
	if err != nil {
		fmt.Fprintf(stdErr, "下载请求无效: %v\n", err)
		if errors.Is(err, cache.ErrInvalidKey) {
			return 2
		}
		return 1
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		handle.Cancel()
		<-handle.Done()
	}

	switch handle.State() {
	case engine.StateSuccess:
		if !handle.FromCache() {
			fmt.Fprintln(stdErr)
		}
		if err := writeOutput(opts.output, data); err != nil {
			fmt.Fprintf(stdErr, "写入输出失败: %v\n", err)
			return 1
		}
		return 0
	case engine.StateFail:
		fmt.Fprintf(stdErr, "\n下载失败: %v\n", failure)
		return 1
	default:
		fmt.Fprintln(stdErr, "\n下载已取消")
		return 130
	}
}

func formatProgress(received, total int64) string {
	if total < 0 {
		return humanize.IBytes(uint64(received))
	}
	return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(received)), humanize.IBytes(uint64(total)))
}

func writeOutput(path string, data *cache.Data) error {
	if path == "" || path == "-" {
		_, err := stdOut.Write(data.Bytes())
		return err
	}
	return os.WriteFile(path, data.Bytes(), 0o644)
}
