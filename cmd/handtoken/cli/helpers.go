package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/majorcontext/handtoken/internal/config"
	"github.com/majorcontext/handtoken/internal/log"
	"github.com/majorcontext/handtoken/internal/store"
	"github.com/majorcontext/handtoken/internal/ui"
)

// loadServiceConfig loads the service configuration and, when debugLogs is
// set, adds the daily debug log under the state directory.
func loadServiceConfig(component string, debugLogs bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	opts := log.Options{
		Verbose:    verbose,
		JSONFormat: jsonOut,
		Component:  component,
	}
	if debugLogs {
		opts.DebugDir = cfg.DebugDir()
		opts.RetentionDays = cfg.Debug.RetentionDays
	}
	if err := log.Init(opts); err != nil {
		ui.Warnf("failed to initialize debug logging: %v", err)
	}
	return cfg, nil
}

// openStore loads the configuration and opens the service database.
func openStore(component string) (*config.Config, *store.Store, error) {
	cfg, err := loadServiceConfig(component, false)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
