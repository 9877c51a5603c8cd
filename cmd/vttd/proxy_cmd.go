package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/vttd"
	vttdmcp "pkt.systems/vttd/mcp"
)

const (
	proxyControlAddrKey = "proxy-control-addr"
	proxyCallerKey      = "proxy-caller"
	proxyNoAutostartKey = "proxy-no-autostart"
)

func newProxyCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Speak MCP over stdio for one AI client, relaying tool calls to the shared vttd backend",
		Long: `proxy runs the per-invocation wrapper: it locates the machine's vttd
backend (starting one in-process when none answers), then serves MCP on
stdin/stdout until the AI client disconnects. An adopted backend is left
running for other wrappers; its own idle policy decides when it exits.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfigFile()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			var backend vttd.Config
			if err := bindConfig(&backend); err != nil {
				return err
			}
			svc, err := vttdmcp.NewServer(vttdmcp.NewServerRequest{
				Config: vttdmcp.Config{
					ControlAddr:      viper.GetString(proxyControlAddrKey),
					Caller:           viper.GetString(proxyCallerKey),
					DisableAutostart: viper.GetBool(proxyNoAutostartKey),
					Backend:          backend,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return svc.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("control-addr", "", "pin the backend control endpoint instead of discovering it")
	flags.String("caller", vttdmcp.DefaultCaller, "caller identity stamped on relayed queries")
	flags.Bool("no-autostart", false, "never start a backend in-process; fail when none answers")

	mustBindFlag(proxyControlAddrKey, flags.Lookup("control-addr"))
	mustBindFlag(proxyCallerKey, flags.Lookup("caller"))
	mustBindFlag(proxyNoAutostartKey, flags.Lookup("no-autostart"))

	return cmd
}

func mustBindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic("mustBindFlag: nil flag for " + key)
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
