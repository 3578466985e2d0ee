// Package cli liveavatar 命令行：serve、chat、avatar-server、config print
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"LiveAvatarGateway/internal/config"
	"LiveAvatarGateway/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app 子命令共享的运行时状态
type app struct {
	configPath string
	manager    *config.ConfigManager
	cfg        *config.Config
}

// NewRootCommand 构建命令树
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "liveavatar",
		Short: "LiveAvatar session gateway and conversation client",
		Long: `liveavatar runs the LiveAvatar gateway and a terminal conversation client.

  liveavatar serve            # token/keep-alive proxy, conversation log store, live feed
  liveavatar chat             # talk to an avatar through the gateway
  liveavatar avatar-server    # scripted avatar stream server for local testing
  liveavatar config print     # show the effective configuration

Configuration is read from ./liveavatar.yaml (or --config), then LIVEAVATAR_* environment
variables, then command line flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.manager = config.NewConfigManager(
				config.WithConfigPath(a.configPath),
				config.WithFlags(cmd.Flags()),
				config.WithWatchEnabled(cmd.Name() == "serve"),
			)
			cfg, err := a.manager.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger.InitLoggerWithWriter(cfg.Logger, cmd.ErrOrStderr())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default ./liveavatar.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "json", "log format: json, console")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCommand(a),
		newChatCommand(a),
		newAvatarServerCommand(a),
		newConfigCommand(a),
	)
	return root
}

// Execute 入口
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
