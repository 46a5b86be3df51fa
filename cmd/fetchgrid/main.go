package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fetchgrid/fetchgrid/internal/brain"
	"github.com/fetchgrid/fetchgrid/internal/config"
	"github.com/fetchgrid/fetchgrid/internal/controller"
	"github.com/fetchgrid/fetchgrid/internal/logging"
	"github.com/fetchgrid/fetchgrid/internal/model"
	"github.com/fetchgrid/fetchgrid/internal/scheduler"
	"github.com/fetchgrid/fetchgrid/internal/tui"
)

var (
	version = "dev"
	commit  = "none"

	cfgFile string
	logger  *slog.Logger
	cfg     *config.Config

	headerFlags []string
	useTUI      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fetchgrid",
	Short:   "A concurrent, segmented multi-connection download manager core",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			if home, err := os.UserHomeDir(); err == nil {
				v.AddConfigPath(filepath.Join(home, ".config", "fetchgrid"))
			}
			v.AddConfigPath(".")
		}
		v.SetEnvPrefix("FETCHGRID")
		v.AutomaticEnv()
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return fmt.Errorf("read config: %w", err)
			}
		}

		cfg = config.New(
			config.WithOutputDir(v.GetString("output")),
			config.WithFormat(v.GetString("format")),
			config.WithMaxConnectionsPerItem(v.GetInt("max-connections")),
			config.WithMaxConcurrentDownloads(v.GetInt("max-concurrent")),
			config.WithMaxBandwidth(v.GetInt64("bandwidth")),
			config.WithUserAgent(v.GetString("user-agent")),
			config.WithReferer(v.GetString("referer")),
			config.WithCookieFile(v.GetString("cookie-file")),
			config.WithInsecureSkipVerify(v.GetBool("insecure")),
			config.WithRefreshURLRetries(v.GetInt("refresh-url-retries")),
			config.WithTranscoderPath(v.GetString("transcoder")),
			config.WithOnCompletionCmd(v.GetString("on-completion-cmd")),
			config.WithShutdownPC(v.GetBool("shutdown-on-complete")),
			config.WithLogging(config.LoggingConfig{
				Level:    v.GetString("log-level"),
				Format:   v.GetString("log-format"),
				FilePath: v.GetString("log-file"),
			}),
		)
		for _, h := range headerFlags {
			parts := strings.SplitN(h, ":", 2)
			if len(parts) == 2 {
				cfg.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
			}
		}
		if proxyURL := v.GetString("proxy"); proxyURL != "" {
			cfg.Proxy = &config.Proxy{URL: proxyURL, ResolveHostname: v.GetBool("proxy-resolve-hostname")}
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger = logging.New(logging.Config{
			Level:    cfg.Logging.Level,
			Format:   cfg.Logging.Format,
			FilePath: cfg.Logging.FilePath,
		})

		v.WatchConfig()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.config/fetchgrid/config.yaml)")
	rootCmd.PersistentFlags().String("output", ".", "output directory for downloaded files")
	rootCmd.PersistentFlags().String("format", config.DefaultFormat, "output container format")
	rootCmd.PersistentFlags().Int("max-connections", config.DefaultMaxConnectionsPerItem, "max connections per item")
	rootCmd.PersistentFlags().Int("max-concurrent", config.DefaultMaxConcurrentDownloads, "max concurrent downloads")
	rootCmd.PersistentFlags().Int64("bandwidth", 0, "per-item bandwidth cap in bytes/sec, split across its connections (0 = unlimited)")
	rootCmd.PersistentFlags().StringArrayVar(&headerFlags, "header", nil, "custom request header \"Key: Value\" (repeatable)")
	rootCmd.PersistentFlags().String("user-agent", "", "override User-Agent header")
	rootCmd.PersistentFlags().String("referer", "", "override Referer header")
	rootCmd.PersistentFlags().String("cookie-file", "", "Netscape-format cookie jar file")
	rootCmd.PersistentFlags().String("proxy", "", "proxy URL (http://, https://, socks5://)")
	rootCmd.PersistentFlags().Bool("proxy-resolve-hostname", false, "accepted but not read; hostnames are always passed to the proxy unresolved")
	rootCmd.PersistentFlags().Bool("insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().Int("refresh-url-retries", 3, "stale-URL refresh attempts before giving up")
	rootCmd.PersistentFlags().String("transcoder", "ffmpeg", "path to the ffmpeg binary used for muxing/decryption")
	rootCmd.PersistentFlags().String("on-completion-cmd", "", "shell command to run once the queue drains")
	rootCmd.PersistentFlags().Bool("shutdown-on-complete", false, "exit once the queue drains")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "text or json")
	rootCmd.PersistentFlags().String("log-file", "", "rotate logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&useTUI, "tui", false, "render a live bubbletea progress view")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(resumeCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <url> [url...]",
	Short: "Download one or more progressive, HLS, or DASH streams",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runItems(args)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every item the last persisted run did not complete or fail",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runItems(nil)
	},
}

func runItems(urls []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown requested, cancelling in-flight transfers")
		cancel()
	}()

	b, err := brain.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("build brain: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		OnCompletionCommand:    cfg.OnCompletionCmd,
		ShutdownOnComplete:     cfg.ShutdownPC,
	}, b)
	go sched.Run(ctx)

	statePath := filepath.Join(cfg.OutputDir, ".fetchgrid", "registry.json")
	ctrl := controller.New(statePath, sched)

	if err := ctrl.Restore(func(rec controller.RestoredItem) (*model.DownloadItem, error) {
		it := model.New(rec.Folder, rec.Name, rec.Extension)
		it.URL = rec.URL
		it.Headers = rec.Headers
		it.TotalSize = rec.TotalSize
		return it, nil
	}); err != nil {
		logger.Warn("failed to restore previous registry", "error", err)
	}

	for _, raw := range urls {
		folder := cfg.OutputDir
		name, ext := deriveName(raw)
		it := model.New(folder, name, ext)
		it.URL = raw
		it.Headers = cfg.Headers
		it.Policy.MaxConnections = cfg.MaxConnectionsPerItem
		it.Policy.RefreshURLRetries = cfg.RefreshURLRetries
		if strings.Contains(strings.ToLower(raw), ".m3u8") {
			it.ManifestURL = raw
		} else if strings.Contains(strings.ToLower(raw), ".mpd") {
			it.ManifestURL = raw
		}
		ctrl.Add(it, time.Time{})
		logger.Info("queued download", "uid", it.UID, "url", raw)
	}

	items := ctrl.All()
	if len(items) == 0 {
		fmt.Println("nothing to download")
		return nil
	}

	var runErr error
	if useTUI {
		runErr = runWithTUI(ctx, ctrl, items)
	} else {
		runErr = runPlain(ctx, ctrl, items)
	}

	if err := ctrl.Save(); err != nil {
		logger.Warn("failed to persist registry", "error", err)
	}
	return runErr
}

func runPlain(ctx context.Context, ctrl *controller.Controller, items []*model.DownloadItem) error {
	ctrl.AddObserver(model.SinkFunc(func(ev model.ChangeEvent) {
		switch ev.Kind {
		case model.EventState:
			logger.Info("state change", "uid", ev.UID, "state", ev.State.String())
		case model.EventError:
			logger.Error("item failed", "uid", ev.UID, "error", ev.Err)
		}
	}))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if allTerminal(items) {
				return summarize(items)
			}
			printProgress(items)
		}
	}
}

func runWithTUI(ctx context.Context, ctrl *controller.Controller, items []*model.DownloadItem) error {
	events := make(chan model.ChangeEvent, 256)
	ctrl.AddObserver(model.SinkFunc(func(ev model.ChangeEvent) {
		select {
		case events <- ev:
		default:
		}
	}))

	m := tui.NewModel(items, events)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui error: %w", err)
	}
	return summarize(items)
}

func printProgress(items []*model.DownloadItem) {
	var downloaded, total int64
	for _, it := range items {
		downloaded += it.Downloaded()
		total += it.TotalSize
	}
	fmt.Printf("\r%s / %s", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)))
}

func allTerminal(items []*model.DownloadItem) bool {
	for _, it := range items {
		if !it.State().Terminal() {
			return false
		}
	}
	return true
}

func summarize(items []*model.DownloadItem) error {
	fmt.Println()
	var failed int
	for _, it := range items {
		status := "ok"
		if it.State() == model.Error {
			status = fmt.Sprintf("error: %v", it.LastError())
			failed++
		}
		fmt.Printf("%s  %s%s  %s\n", it.UID[:8], it.Name, it.Extension, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d item(s) failed", failed)
	}
	return nil
}

func deriveName(raw string) (name, ext string) {
	u, err := url.Parse(raw)
	base := raw
	if err == nil && u.Path != "" {
		base = u.Path
	}
	base = filepath.Base(base)
	ext = filepath.Ext(base)
	name = strings.TrimSuffix(base, ext)
	if name == "" {
		name = "download"
	}
	if ext == "" || ext == ".m3u8" || ext == ".mpd" {
		ext = ".mp4"
	}
	return name, ext
}
