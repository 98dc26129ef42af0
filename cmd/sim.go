package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/dispenser/app"
	"github.com/kilianp07/dispenser/config"
	"github.com/kilianp07/dispenser/infra/logger"
)

var (
	simCount int
	simURL   string
	simJam   float64
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run simulated dispensers against a console",
	RunE:  runSim,
}

func init() {
	simCmd.Flags().IntVarP(&simCount, "count", "n", 3, "number of simulated dispensers")
	simCmd.Flags().StringVar(&simURL, "url", "", "console websocket URL, overrides channel.conf.url")
	simCmd.Flags().Float64Var(&simJam, "jam", 0, "probability that a ball jams at the gate")
	rootCmd.AddCommand(simCmd)
}

// simConfig loads a fresh configuration for the i-th simulated dispenser.
func simConfig(i int) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg.Device.ID = fmt.Sprintf("esp32-mock-%03d", i+1)
	cfg.Device.Label = fmt.Sprintf("Simulated dispenser %d", i+1)
	cfg.Sentry.DeviceID = cfg.Device.ID
	cfg.Dispenser.OpenAngle = 60
	cfg.Hardware.Type = "sim"
	cfg.Hardware.Conf = map[string]any{"jam_probability": simJam, "seed": int64(i + 1)}
	if simURL != "" && cfg.Channel.Type == "websocket" {
		cfg.Channel.Conf["url"] = simURL
	}
	if i > 0 {
		cfg.Metrics.PrometheusAddr = ""
	}
	if cfg.Journal.Enabled {
		ext := filepath.Ext(cfg.Journal.Path)
		cfg.Journal.Path = strings.TrimSuffix(cfg.Journal.Path, ext) + "-" + cfg.Device.ID + ext
	}
	return cfg, nil
}

func runSim(cmd *cobra.Command, args []string) error {
	if simCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.New("sim")

	services := make([]*app.Service, 0, simCount)
	defer func() {
		for _, svc := range services {
			if err := svc.Close(); err != nil {
				log.Errorf("close: %v", err)
			}
		}
	}()
	for i := 0; i < simCount; i++ {
		cfg, err := simConfig(i)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		svc, err := app.New(cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.Device.ID, err)
		}
		services = append(services, svc)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error { return svc.Run(gctx) })
	}
	log.Infof("%d simulated dispensers running", len(services))
	return g.Wait()
}
