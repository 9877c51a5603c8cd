package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/vttd"
	"pkt.systems/vttd/internal/lockfile"
	"pkt.systems/vttd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("VTTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "vttd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the backend
// itself rather than a subcommand. The first bare token decides; flags
// that take a value consume the following token so it is never mistaken
// for a subcommand name.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			if flag := root.Flags().Lookup(name); flag != nil {
				return flag
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if flag := root.Flags().ShorthandLookup(sh); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case arg != "-" && strings.HasPrefix(arg, "-"):
			if strings.ContainsRune(arg, '=') {
				continue
			}
			flag := lookup(arg)
			if flag == nil {
				// An unrecognized root flag still belongs to the root
				// invocation unless a subcommand name follows it.
				for _, rest := range args[i+1:] {
					if isSubcommandName(root, rest) {
						return false
					}
				}
				return true
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandName(root, arg)
		}
	}
	return true
}

func isSubcommandName(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := vttd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, vttd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg vttd.Config

	cmd := &cobra.Command{
		Use:           "vttd",
		Short:         "vttd is the machine-local bridge daemon between AI assistants and a virtual-tabletop host application",
		SilenceErrors: true,
		Example: `
  # Run the backend on the well-known loopback ports
  vttd

  # Run with a Prometheus scrape endpoint and verbose logs
  vttd --metrics-listen 127.0.0.1:30543 --log-level debug

  # Exit on our own after ten idle minutes
  vttd --idle-timeout 10m

  # Speak MCP over stdio for one AI client, starting the backend on demand
  vttd proxy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to vttd",
				"app", "vttd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := vttd.NewServer(cfg, vttd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if errors.Is(err, lockfile.ErrAlreadyOwned) {
				owner := server.ExistingOwner()
				return fmt.Errorf("another backend owns this machine: pid %d, control %s, bridge %s",
					owner.PID, owner.ControlAddr, owner.BridgeAddr)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.vttd/"+vttd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "", "log level (trace|debug|info|warn|error)")

	flags := cmd.Flags()
	flags.String("control-listen", vttd.DefaultControlListen, "control endpoint listen address (loopback only)")
	flags.String("bridge-listen", vttd.DefaultBridgeListen, "bridge endpoint listen address (loopback only)")
	flags.String("metrics-listen", vttd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("lock-path", "", "lock artifact path (defaults to the per-machine runtime directory)")
	flags.Duration("query-timeout", vttd.DefaultQueryTimeout, "default timeout for relayed queries")
	flags.Duration("hello-timeout", vttd.DefaultHelloTimeout, "maximum wait for a hello frame on a new bridge connection")
	flags.Duration("heartbeat-interval", vttd.DefaultHeartbeatInterval, "bridge session ping cadence (0 disables)")
	flags.Duration("session-idle-timeout", vttd.DefaultSessionIdleTimeout, "drop a bridge session after this long without inbound frames")
	flags.Duration("idle-timeout", vttd.DefaultIdleTimeout, "exit after this long with no session and no control query (0 disables)")
	flags.Duration("shutdown-timeout", vttd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("max-query-bytes", humanizeBytes(vttd.DefaultMaxQueryBytes), "maximum control query body size")
	flags.Bool("connguard-enabled", true, "enable listener-level connection guarding")
	flags.Int("connguard-failure-threshold", vttd.DefaultConnguardFailureThreshold, "refused connection attempts before a source is hard-blocked")
	flags.Duration("connguard-failure-window", vttd.DefaultConnguardFailureWindow, "window used to count refused connection attempts")
	flags.Duration("connguard-block-duration", vttd.DefaultConnguardBlockDuration, "time to block a source after reaching the failure threshold")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("VTTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"control-listen", "bridge-listen", "metrics-listen", "lock-path",
		"query-timeout", "hello-timeout", "heartbeat-interval", "session-idle-timeout",
		"idle-timeout", "shutdown-timeout", "max-query-bytes",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newProxyCommand(baseLogger))
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newShutdownCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *vttd.Config) error {
	cfg.ControlListen = viper.GetString("control-listen")
	cfg.BridgeListen = viper.GetString("bridge-listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.MetricsListenSet = viper.IsSet("metrics-listen")
	if lockPath := viper.GetString("lock-path"); lockPath != "" {
		expanded, err := expandPath(lockPath)
		if err != nil {
			return fmt.Errorf("expand lock-path: %w", err)
		}
		cfg.LockPath = expanded
	}
	cfg.QueryTimeout = viper.GetDuration("query-timeout")
	cfg.HelloTimeout = viper.GetDuration("hello-timeout")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	cfg.SessionIdleTimeout = viper.GetDuration("session-idle-timeout")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	if maxBytes := viper.GetString("max-query-bytes"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse max-query-bytes: %w", err)
		}
		cfg.MaxQueryBytes = int64(size)
	}
	cfg.DisableConnguard = !viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
