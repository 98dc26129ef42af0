package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispenser/api/devices"
	"github.com/kilianp07/dispenser/config"
	"github.com/kilianp07/dispenser/console"
	"github.com/kilianp07/dispenser/core/tally"
	"github.com/kilianp07/dispenser/infra/logger"
	infratally "github.com/kilianp07/dispenser/infra/tally"
)

var consoleAddr string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the operator hub devices connect to",
	RunE:  runConsole,
}

func init() {
	consoleCmd.Flags().StringVar(&consoleAddr, "addr", "", "listen address, overrides console.addr")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	log := logger.New("console")

	var store tally.Store = tally.NewMemoryStore()
	if cfg.Console.TallyPath != "" {
		sq, err := infratally.NewSQLiteStore(cfg.Console.TallyPath)
		if err != nil {
			return fmt.Errorf("tally store: %w", err)
		}
		defer func() {
			if err := sq.Close(); err != nil {
				log.Errorf("tally close: %v", err)
			}
		}()
		store = sq
	}

	hub := console.NewHub(console.Options{
		AckTimeout:  cfg.Console.AckTimeout,
		HistorySize: cfg.Console.HistorySize,
		Logger:      log,
		Tally:       store,
	})
	mux := http.NewServeMux()
	mux.Handle("/ws", console.NewWSHandler(hub, console.WSOptions{Token: cfg.Console.Token}))
	mux.Handle("/api/", devices.NewHandler(hub, store))

	addr := cfg.Console.Addr
	if consoleAddr != "" {
		addr = consoleAddr
	}
	return hub.Serve(ctx, addr, mux)
}
