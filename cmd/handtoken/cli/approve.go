package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/approval"
	"github.com/majorcontext/handtoken/internal/pin"
	"github.com/majorcontext/handtoken/internal/ui"
)

var approveInterval time.Duration

var approveCmd = &cobra.Command{
	Use:   "approve [pin-dir]",
	Short: "Answer hardware token PIN requests from the signing service",
	Long: `Watch the PIN directory and prompt for the token password whenever the
signing service needs one. Requests are handled one at a time, oldest first.

Type the password and press enter to approve, or 'q' and enter to cancel.
A request the service gave up on is dropped from the prompt automatically.

The PIN directory defaults to pin_dir from the service configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().DurationVar(&approveInterval, "interval", pin.DefaultPollInterval, "how often to look for new requests")
}

func runApprove(cmd *cobra.Command, args []string) error {
	var dir string
	if len(args) > 0 {
		dir = args[0]
	} else {
		cfg, err := loadServiceConfig("approve", false)
		if err != nil {
			return err
		}
		dir = cfg.PinDir
	}

	rv := pin.NewRendezvous(dir)
	if _, err := os.Stat(rv.RequestsDir()); err != nil {
		return fmt.Errorf("PIN directory %s is not ready (is the service running?): %w", dir, err)
	}

	handler := &approval.Handler{
		Session: &approval.Session{Prompter: approval.NewConsole()},
		Out:     os.Stdout,
	}
	w := pin.NewWatcher(rv, handler)
	w.SetInterval(approveInterval)

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Waiting for PIN requests in %s. %s\n\n", ui.Bold(dir), ui.Dim("Ctrl-C to quit."))
	// Run only returns once interrupted.
	_ = w.Run(ctx)
	fmt.Println()
	return nil
}
