// Command npkd is the container runtime daemon: it loads repositories,
// owns the container lifecycle state machine, and serves the console
// control protocol on its configured listeners.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/npk-runtime/npkd/internal/console"
	"github.com/npk-runtime/npkd/internal/fork"
	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/metrics"
	"github.com/npk-runtime/npkd/internal/repository"
	"github.com/npk-runtime/npkd/internal/runtime"
	"github.com/npk-runtime/npkd/internal/store"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "npkd",
	Short:   "npkd is a lightweight Linux container runtime daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("npkd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("config", "", "Path to npkd.yaml configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initHelperCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the npkd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDaemon(configPath)
	},
}

// initHelperCmd is the hidden re-exec target Fork uses to apply a
// container's mount plan and execve its entrypoint (internal/fork).
// It is never invoked directly by an operator.
var initHelperCmd = &cobra.Command{
	Use:    "__init",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		planPath := os.Getenv(fork.InitEnvVar)
		if planPath == "" {
			return fmt.Errorf("%s not set", fork.InitEnvVar)
		}
		return fork.RunInit(planPath)
	},
}

func runDaemon(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tokenKey, err := loadTokenKey(cfg.TokenKeyFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DataDir, cfg.NotificationHistory)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine := runtime.NewEngine(runtime.Config{
		RunDir:          cfg.RunDir,
		DataDir:         cfg.DataDir,
		ShutdownGrace:   cfg.shutdownGrace(),
		MaxInstallBytes: cfg.MaxInstallSize,
	}, nil, st)

	forker, err := fork.New(engine, []string{"__init"})
	if err != nil {
		return err
	}
	engine.SetForker(forker)

	for _, rc := range cfg.Repositories {
		key, err := loadTokenKey(rc.KeyFile)
		if err != nil {
			return err
		}
		repo, err := repository.Open(rc.ID, rc.Dir, key)
		if err != nil {
			return fmt.Errorf("open repository %s: %w", rc.ID, err)
		}
		if err := engine.State().AddRepository(repo); err != nil {
			return err
		}
		for identity, entry := range repo.Containers {
			_ = st.PutContainer(rc.ID, identity, entry.Path, entry.Npk.Manifest)
		}
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	srv := console.NewServer(console.Config{
		Listeners:            cfg.consoleListeners(),
		HandshakeTimeout:     cfg.handshakeTimeout(),
		MaxRequestSize:       uint32(cfg.MaxRequestSize),
		MaxInstallSize:       cfg.MaxInstallSize,
		InstallIdleTimeout:   cfg.installIdleTimeout(),
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
		ShutdownGrace:        cfg.shutdownGrace(),
		TokenKey:             tokenKey,
		NotificationHistory:  st,
	}, engine, cancel)
	engine.SetContainerConsole(srv)

	go engine.Run(ctx)
	go autostart(ctx, engine)

	log.Logger.Info().Str("run_dir", cfg.RunDir).Str("data_dir", cfg.DataDir).Msg("npkd starting")
	err = srv.ListenAndServe(ctx)
	_ = metricsServer.Close()
	return err
}

// autostart mounts and starts every container whose manifest asks for
// it, once the event loop is consuming.
func autostart(ctx context.Context, engine *runtime.Engine) {
	listReply, err := engine.Submit(ctx, runtime.Request{Op: runtime.OpList})
	if err != nil {
		return
	}
	var list runtime.Response
	select {
	case list = <-listReply:
	case <-ctx.Done():
		return
	}
	for _, status := range list.Statuses {
		if !status.Manifest.Autostart {
			continue
		}
		for _, op := range []runtime.Op{runtime.OpMount, runtime.OpStart} {
			reply, err := engine.Submit(ctx, runtime.Request{Op: op, Identity: status.Identity})
			if err != nil {
				return
			}
			var resp runtime.Response
			select {
			case resp = <-reply:
			case <-ctx.Done():
				return
			}
			if resp.Err != nil {
				log.Logger.Warn().Str("container", status.Identity.String()).Err(resp.Err).Msg("autostart failed")
				break
			}
		}
	}
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
