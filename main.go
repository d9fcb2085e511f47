// Package main implements a command that reads the planned delivery window of
// the open Albert Heijn order and prints it as JSON, or serves it over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"bezorgmoment/email"
	"bezorgmoment/pkg/delivery"
	"bezorgmoment/poll"
	"bezorgmoment/scraper"
	"bezorgmoment/server"
	bstorage "bezorgmoment/storage"
)

type options struct {
	flags      poll.Flags
	configPath string
	logJSON    bool
}

// errCheckFailed marks a run that printed an error record.
var errCheckFailed = errors.New("delivery check failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errCheckFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "bezorgmoment",
		Short:         "Reports the delivery window of the open Albert Heijn order.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), opts, stdout)
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVar(&opts.flags.PDF, "pdf", false, "print the order to PDF")
	pf.BoolVar(&opts.flags.Compare, "compare", false, "compare with the previously stored result")
	pf.BoolVar(&opts.flags.Cached, "cached", false, "return the stored result without browsing when there is one")
	pf.BoolVar(&opts.flags.Faster, "faster", false, "skip images, fonts and media while browsing")
	pf.BoolVar(&opts.flags.Debug, "debug", false, "show the browser, log verbosely and redact the address")
	pf.BoolVar(&opts.flags.Daemon, "daemon", false, "keep the browser running between runs")
	pf.StringVar(&opts.flags.Locale, "locale", "", "locale for labels (nl, en)")
	pf.StringVar(&opts.flags.ServerURL, "server-url", "", "prefix for output location hints")
	pf.StringVar(&opts.configPath, "config", "config.json5", "configuration file")
	pf.BoolVar(&opts.logJSON, "log-json", false, "log JSON lines instead of text")

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Runs one check and prints the result as JSON.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), opts, stdout)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serves /delivery over HTTP and checks on a schedule.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	})
	return root
}

func newLogger(w io.Writer, jsonLines, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if jsonLines {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// app holds everything a check needs.
type app struct {
	cfg     Config
	monitor *poll.Monitor
	store   *bstorage.Store
	loc     *time.Location
	logger  *slog.Logger
	close   func()
}

func setup(ctx context.Context, opts *options) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, opts.logJSON, opts.flags.Debug)
	slog.SetDefault(logger)

	if opts.flags.Locale == "" {
		opts.flags.Locale = cfg.Locale
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	runner := scraper.New(scraper.Credentials{Username: cfg.Username, Password: cfg.Password}, logger)
	runner.Timeouts = scraper.Timeouts{
		Classify:   duration(cfg.Timeouts.Classify),
		AuthResult: duration(cfg.Timeouts.AuthResult),
	}

	launcher := &poll.RodLauncher{
		Bin:        cfg.Browser.Bin,
		RemoteURL:  cfg.Browser.RemoteURL,
		UserAgent:  cfg.Browser.UserAgent,
		Navigation: duration(cfg.Timeouts.Navigation),
		Handles:    &bstorage.HandleFile{Path: cfg.SessionHandle},
		Logger:     logger,
	}

	outputs := poll.Outputs{
		JSON:          baseName(cfg.Outputs.JSON),
		Screenshot:    baseName(cfg.Outputs.Screenshot),
		PDF:           baseName(cfg.Outputs.PDF),
		CalendarTitle: cfg.Outputs.CalendarTitle,
	}

	var n poll.Notifier
	if notifier != nil {
		n = notifier
	}
	monitor := poll.New(launcher, runner, store, n, outputs, loc, logger)

	return &app{cfg: cfg, monitor: monitor, store: store, loc: loc, logger: logger, close: closeStore}, nil
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// openStore uses GCS when a bucket is configured and a local directory
// otherwise.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (*bstorage.Store, func(), error) {
	if cfg.Storage.Bucket == "" {
		dir := cfg.Storage.Local
		if dir == "" {
			dir = "./data"
		}
		logger.Debug("Using local storage", "storage_path", dir)
		return bstorage.New(nil, "", dir, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	logger.Debug("Using cloud storage", "bucket", cfg.Storage.Bucket)
	return bstorage.New(client, cfg.Storage.Bucket, "", logger), closeFn, nil
}

// newNotifier returns nil when no recipient is configured.
func newNotifier(ctx context.Context, cfg Config, logger *slog.Logger) (*email.Sender, error) {
	if cfg.Notify.To == "" {
		return nil, nil
	}

	provider := cfg.Notify.Provider
	if provider == "" {
		switch {
		case cfg.BrevoAPIKey != "":
			provider = "brevo"
		case cfg.GoogleCredsJSON != "":
			provider = "gmail"
		default:
			provider = "mock"
		}
	}

	var p email.Provider
	switch provider {
	case "brevo":
		if cfg.BrevoAPIKey == "" {
			return nil, errors.New("BREVO_API_KEY required for the brevo provider")
		}
		p = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.Notify.From, cfg.Notify.FromName, logger)
	case "gmail":
		if cfg.GoogleCredsJSON == "" {
			return nil, errors.New("GOOGLE_CREDENTIALS_JSON required for the gmail provider")
		}
		gp, err := email.NewGmailProviderFromJSON(ctx, []byte(cfg.GoogleCredsJSON), logger)
		if err != nil {
			return nil, err
		}
		p = gp
	default:
		logger.Info("Mock email mode enabled")
		p = email.NewMockProvider(logger)
	}
	logger.Debug("Notifications enabled", "provider", provider, "to", cfg.Notify.To)
	return email.New(p, logger, cfg.Notify.To, cfg.Outputs.CalendarTitle), nil
}

func runCheck(ctx context.Context, opts *options, stdout io.Writer) error {
	a, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(ctx, duration(a.cfg.Timeouts.Check))
	defer cancel()

	rec, err := a.monitor.Check(ctx, opts.flags)
	if err != nil {
		a.logger.Error("Check ended with a fault", "error", err)
	}
	if werr := writeRecord(stdout, rec); werr != nil {
		return fmt.Errorf("write result: %w", werr)
	}
	if rec.Error != "" {
		return errCheckFailed
	}
	return nil
}

func writeRecord(w io.Writer, rec *delivery.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runServe(ctx context.Context, opts *options) error {
	a, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	timeout := duration(a.cfg.Timeouts.Check)
	if a.cfg.Schedule != "" {
		flags := opts.flags
		flags.Compare = true
		sched, err := poll.NewScheduler(a.monitor, a.cfg.Schedule, flags, timeout, a.loc, a.logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		a.logger.Info("Scheduled checks enabled", "schedule", a.cfg.Schedule)
	}

	srv := server.New(&server.Config{
		Checker:    a.monitor,
		Files:      a.store,
		Flags:      opts.flags,
		Timeout:    timeout,
		Logger:     a.logger,
		IsNotFound: bstorage.IsNotFound,
	})
	if err := srv.ListenAndServe(ctx, a.cfg.Port); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
