package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
)

// app carries configuration state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "roomchat",
		Short:         "Real-time room messaging server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./roomchat.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("dsn", "", "SQLite data source for messages and memberships")
	mustBind(a.v, "log.level", flags.Lookup("log-level"))
	mustBind(a.v, "log.format", flags.Lookup("log-format"))
	mustBind(a.v, "store.dsn", flags.Lookup("dsn"))

	root.AddCommand(newServeCmd(a), newMembersCmd(a), newTokenCmd(a))
	return root
}

func (a *app) load() error {
	bootstrap := logging.New(a.v.GetString("log.level"), a.v.GetString("log.format"))
	cfg, err := config.Load(bootstrap, a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.Log.Level, cfg.Log.Format)
	return nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
