// cmd/pricing-stream/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/app"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/config"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// reported: ошибка, уже выведенная в stderr или лог.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

type options struct {
	configPath  string
	envFile     string
	printConfig bool
}

func bindFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVar(&o.configPath, "config", "", "path to config file (YAML/JSON/TOML)")
	fs.StringVar(&o.envFile, "env-file", "", "path to .env file loaded before reading the environment")
	fs.BoolVar(&o.printConfig, "print-config", false, "print effective config (secrets redacted)")
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "pricing-stream",
		Short:         "Streams OANDA prices and republishes them to local subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	bindFlags(cmd.Flags(), &opts)
	return cmd
}

func run(parent context.Context, opts options) error {
	// 1) Конфиг
	cfg, err := config.Load(config.Options{File: opts.configPath, EnvFile: opts.envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return reported{err}
	}

	// 2) Логгер
	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		DevMode: cfg.Logging.DevMode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		return reported{err}
	}
	defer log.Sync()

	if opts.printConfig || cfg.Logging.DevMode {
		cfg.Print()
	}

	log.Info("starting pricing-stream service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
		zap.String("config.path", opts.configPath),
	)

	// 3) Контекст с отменой по SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 4) Запуск приложения
	if err := app.Run(ctx, cfg, log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("interrupted", zap.Error(err))
		} else {
			log.Error("application exited with error", zap.Error(err))
		}
		return reported{err}
	}

	log.Info("shutdown complete")
	return nil
}

// exitCode: 0 при закрытии стрима сервером, 130 при прерывании, иначе 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	var r reported
	if err != nil && !errors.As(err, &r) {
		fmt.Fprintf(os.Stderr, "pricing-stream: %v\n", err)
	}
	os.Exit(exitCode(err))
}
