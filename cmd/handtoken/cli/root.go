// Package cli implements the handtoken command-line interface using Cobra.
// It covers the signing server, the operator's PIN approval client, the
// admin commands that manage clients and the catalog, and the client-side
// login and sign commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "handtoken",
	Short: "Handtoken - code signing with hardware token approval",
	Long: `Handtoken signs Windows executables and installers on behalf of
authenticated clients. Every upload is scanned, signed with a certificate
from the requested signing profile and recorded in the signing log.

Certificates on hardware tokens need an operator: the server asks for the
token PIN and "handtoken approve" prompts for it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(log.Options{
			Verbose:    verbose,
			JSONFormat: jsonOut,
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "service configuration file (env: HANDTOKEN_CONFIG)")
}
