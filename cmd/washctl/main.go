// washctl - операторская утилита пайплайна: сессии, задания, миграции, пауза.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"novel-wash/internal/config"
	"novel-wash/internal/platform"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app - общее состояние команд. Заполняется в PersistentPreRunE.
type app struct {
	envFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "washctl",
		Short:         "Novel wash pipeline operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if a.envFile != "" {
				a.cfg, err = config.LoadConfig(a.envFile)
			} else {
				a.cfg, err = config.LoadConfig()
			}
			if err != nil {
				return err
			}
			a.logger, err = platform.NewLogger(a.cfg, "washctl")
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "Path to .env file (default: ./.env if present)")

	cmd.AddCommand(
		a.sessionCmd(),
		a.planCmd(),
		a.enqueueCmd(),
		a.taskCmd(),
		a.migrateCmd(),
		a.pauseCmd(true),
		a.pauseCmd(false),
	)
	return cmd
}

// open открывает только нужные команде подключения.
func (a *app) open(ctx context.Context, needs platform.Needs) (*platform.Infra, error) {
	return platform.Open(ctx, a.cfg, needs, a.logger)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
