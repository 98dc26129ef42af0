package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispenser/app"
	"github.com/kilianp07/dispenser/config"
	"github.com/kilianp07/dispenser/infra/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "dispenser",
	Short: "Remote-controlled ball dispenser agent",
	Long: `Without a subcommand, runs the dispenser agent: it keeps the channel to
the console open, executes dispense, set_ball_count, set_config and ping
commands, and reports status every heartbeat.

  console   run the operator hub and its HTTP API
  sim       run simulated dispensers against a console
  config    print the effective configuration`,
	Example: `  dispenser -c agent.yaml
  dispenser console --addr :8080
  dispenser sim -n 3 --url ws://localhost:8080/ws`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (YAML or JSON); K_ environment overrides always apply")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New("main")
	svc, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("agent %s: %w", cfg.Device.ID, err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Errorf("agent close: %v", err)
		}
	}()
	if cfgPath == "" {
		log.Infof("no config file, using defaults and K_ overrides")
	}
	return svc.Run(ctx)
}
