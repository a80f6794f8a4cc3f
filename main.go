package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"Parlor/commands"
	"Parlor/internal/config"
	"Parlor/internal/game"
	"Parlor/internal/logger"
	"Parlor/internal/metrics"
	"Parlor/internal/web"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownGrace = 5 * time.Second

var (
	version = "dev"

	configPath string
	timeout    int
	bind       string
	tcpPort    int
	httpPort   int
	verbosity  int
	useTLS     bool

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of parlor",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parlor version %s\n", version)
		},
	}

	rootCmd = &cobra.Command{
		Use:           "parlor",
		Short:         "Multi-room chat server",
		Long:          `Parlor accepts line-oriented clients over TCP, WebSocket and HTTP and lets them talk to the other people in their room.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")
	rootCmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "shut down after this many seconds")
	rootCmd.Flags().StringVarP(&bind, "bind", "b", "", "address to bind")
	rootCmd.Flags().IntVar(&tcpPort, "tcp-port", 0, "port for line connections")
	rootCmd.Flags().IntVar(&httpPort, "http-port", 0, "port for the HTTP front-end")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "log debug output")
	rootCmd.Flags().BoolVar(&useTLS, "tls", false, "serve line connections over TLS")
	rootCmd.AddCommand(versionCmd)
}

// applyFlags overlays explicitly set flags on cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("bind") {
		cfg.Bind = bind
	}
	if flags.Changed("tcp-port") {
		cfg.TCPPort = tcpPort
	}
	if flags.Changed("http-port") {
		cfg.HTTPPort = httpPort
	}
	if flags.Changed("tls") {
		cfg.TLS.Enabled = useTLS
	}
	if verbosity > 0 {
		cfg.Logger.Level = logger.Verbosity(verbosity)
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	m := metrics.New(cfg.Metrics.Namespace)
	world := game.NewWorld(log,
		game.WithMetrics(m),
		game.WithHashParams(game.HashParams{
			Time:      cfg.Hash.Time,
			MemoryKiB: cfg.Hash.MemoryKiB,
			Threads:   cfg.Hash.Threads,
			KeyLen:    cfg.Hash.KeyLen,
		}),
	)
	lines, err := game.NewServer(world, commands.Dispatch, log,
		game.WithLoginTimeout(cfg.LoginTimeout),
		game.WithTelnetNegotiation(cfg.Telnet.Negotiate),
	)
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	listeners := 1
	go func() {
		if cfg.TLS.Enabled {
			errs <- lines.ListenAndServeTLS(cfg.TCPAddr(), cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		errs <- lines.ListenAndServe(cfg.TCPAddr())
	}()
	if cfg.HTTP.Enabled {
		listeners++
		front := web.New(world, lines, commands.Dispatch, log,
			web.WithSessionTTL(cfg.HTTP.SessionTTL),
			web.WithSweepInterval(cfg.HTTP.SweepInterval),
			web.WithVersion(version),
		)
		go func() { errs <- front.ListenAndServe(cfg.HTTPAddr()) }()
	}

	if after := cfg.ShutdownAfter(); after > 0 {
		log.Info("shutdown scheduled", zap.Duration("after", after))
		timer := time.AfterFunc(after, func() {
			log.Info("timeout reached")
			world.Shutdown()
		})
		defer timer.Stop()
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownGrace, map[string]gfshutdown.Operation{
		"world": func(ctx context.Context) error {
			world.Shutdown()
			return waitForSessions(ctx, lines)
		},
	})

	log.Info("parlor started",
		zap.String("version", version),
		zap.String("tcp", cfg.TCPAddr()),
		zap.Bool("http", cfg.HTTP.Enabled))

	for {
		select {
		case code := <-wait:
			log.Info("exited on signal", zap.Int("code", code))
			_ = log.Sync()
			os.Exit(code)
		case err := <-errs:
			listeners--
			if err != nil {
				log.Error("listener failed", zap.Error(err))
				world.Shutdown()
				return err
			}
			if listeners > 0 {
				continue
			}
			return finish(log, lines)
		case <-world.Done():
			return finish(log, lines)
		}
	}
}

func finish(log *zap.Logger, lines *game.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := waitForSessions(ctx, lines); err != nil {
		log.Warn("sessions still open at exit", zap.Error(err))
	}
	log.Info("parlor stopped")
	return nil
}

func waitForSessions(ctx context.Context, lines *game.Server) error {
	done := make(chan struct{})
	go func() {
		lines.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for sessions")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
