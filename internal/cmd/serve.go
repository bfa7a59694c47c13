package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/gtwatch/internal/config"
	"github.com/steveyegge/gtwatch/internal/service"
)

var serveFlags struct {
	port     int
	gtDir    string
	logLevel string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the watcher service",
	Long: `Starts the poller, the feed and log watchers, and the HTTP and
WebSocket server, then runs until interrupted. A second SIGINT or
SIGTERM during shutdown is ignored; the first one wins.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "listen port (default from config)")
	serveCmd.Flags().StringVar(&serveFlags.gtDir, "gt-dir", "", "Gas Town workspace root (default from config)")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "debug, info, warn, or error")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if serveFlags.port > 0 {
		cfg.Port = serveFlags.port
	}
	if serveFlags.gtDir != "" {
		cfg.GTDir = serveFlags.gtDir
	}
	if serveFlags.logLevel != "" {
		cfg.LogLevel = config.ParseLogLevel(serveFlags.logLevel)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignal(cancel)

	return svc.Run(ctx)
}

// cancelOnSignal arranges for the first SIGINT or SIGTERM to cancel the
// run context. Later signals are ignored rather than restored to the
// default disposition, so a second Ctrl-C cannot kill the process before
// state persistence and history flush finish.
func cancelOnSignal(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
		cancel()
	}()
}

// newLogger builds the service logger: human-readable on stderr plus a
// rotating file under the state dir.
func newLogger(cfg config.Config) *slog.Logger {
	rotating := &lumberjack.Logger{
		Filename:   cfg.LogPath(),
		MaxSize:    20, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, rotating), &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(handler)
}
