package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blingmoon/simple-automation/internal/bootstrap"
	"github.com/blingmoon/simple-automation/internal/config"
)

type cli struct {
	v     *viper.Viper
	cfg   *config.Config
	app   *bootstrap.App
	orgID string
}

func setupFlags(c *cli, cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config-file", "", "Path to config file, defaults to ./workflowctl.yaml when present.")
	flags.String("db-path", "", "sqlite database path")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("lock-kind", "", "execution lock, local or redis")
	flags.String("notifier", "", "notification dispatcher, store, redis or none")
	flags.StringVar(&c.orgID, "org", "org-demo", "organization id")

	bindings := map[string]string{
		"db.path":       "db-path",
		"log.level":     "log-level",
		"lock.kind":     "lock-kind",
		"notifier.kind": "notifier",
	}
	for key, flag := range bindings {
		if err := c.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return errors.WithMessagef(err, "bind flag %s failed", flag)
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, configFile)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.cfg.SlogLevel()})))
	c.app, err = bootstrap.New(cmd.Context(), c.cfg)
	return err
}

func (c *cli) teardown(cmd *cobra.Command, args []string) error {
	if c.app == nil {
		return nil
	}
	return c.app.Close()
}

// print 结果统一以 JSON 输出到 stdout, 日志走 stderr
func (c *cli) print(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newRootCommand() (*cobra.Command, error) {
	c := &cli{v: viper.New()}
	cmd := &cobra.Command{
		Use:                "workflowctl",
		Short:              "Run and inspect recruiting automation workflows",
		SilenceUsage:       true,
		PersistentPreRunE:  c.setupConfig,
		PersistentPostRunE: c.teardown,
	}
	if err := setupFlags(c, cmd); err != nil {
		return nil, err
	}
	cmd.AddCommand(
		c.migrateCommand(),
		c.seedCommand(),
		c.triggerCommand(),
		c.respondCommand(),
		c.cancelCommand(),
		c.pendingCommand(),
		c.sweepCommand(),
		c.showCommand(),
	)
	return cmd, nil
}

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
