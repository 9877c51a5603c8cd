package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/vttd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vttd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags, environment and config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg vttd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			data, err := defaultConfigYAML(func(d *configDefaults) {
				d.ControlListen = cfg.ControlListen
				d.BridgeListen = cfg.BridgeListen
				d.MetricsListen = cfg.MetricsListen
				d.LockPath = cfg.LockPath
				d.QueryTimeout = cfg.QueryTimeout.String()
				d.HelloTimeout = cfg.HelloTimeout.String()
				d.HeartbeatInterval = cfg.HeartbeatInterval.String()
				d.SessionIdleTimeout = cfg.SessionIdleTimeout.String()
				d.IdleTimeout = cfg.IdleTimeout.String()
				d.ShutdownTimeout = cfg.ShutdownTimeout.String()
				d.MaxQueryBytes = humanizeBytes(cfg.MaxQueryBytes)
				d.ConnguardEnabled = cfg.ConnguardEnabled()
				d.ConnguardFailureThreshold = cfg.ConnguardFailureThreshold
				d.ConnguardFailureWindow = cfg.ConnguardFailureWindow.String()
				d.ConnguardBlockDuration = cfg.ConnguardBlockDuration.String()
				if lvl := viper.GetString("log-level"); lvl != "" {
					d.LogLevel = lvl
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.vttd/" + vttd.DefaultConfigFileName
	if dir, err := vttd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, vttd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default vttd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := vttd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, vttd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	ControlListen             string `yaml:"control-listen"`
	BridgeListen              string `yaml:"bridge-listen"`
	MetricsListen             string `yaml:"metrics-listen"`
	LockPath                  string `yaml:"lock-path"`
	QueryTimeout              string `yaml:"query-timeout"`
	HelloTimeout              string `yaml:"hello-timeout"`
	HeartbeatInterval         string `yaml:"heartbeat-interval"`
	SessionIdleTimeout        string `yaml:"session-idle-timeout"`
	IdleTimeout               string `yaml:"idle-timeout"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	MaxQueryBytes             string `yaml:"max-query-bytes"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		ControlListen:             vttd.DefaultControlListen,
		BridgeListen:              vttd.DefaultBridgeListen,
		MetricsListen:             vttd.DefaultMetricsListen,
		LockPath:                  "",
		QueryTimeout:              vttd.DefaultQueryTimeout.String(),
		HelloTimeout:              vttd.DefaultHelloTimeout.String(),
		HeartbeatInterval:         vttd.DefaultHeartbeatInterval.String(),
		SessionIdleTimeout:        vttd.DefaultSessionIdleTimeout.String(),
		IdleTimeout:               vttd.DefaultIdleTimeout.String(),
		ShutdownTimeout:           vttd.DefaultShutdownTimeout.String(),
		MaxQueryBytes:             humanizeBytes(vttd.DefaultMaxQueryBytes),
		ConnguardEnabled:          true,
		ConnguardFailureThreshold: vttd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    vttd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    vttd.DefaultConnguardBlockDuration.String(),
		LogLevel:                  "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	return yaml.Marshal(defaults)
}
