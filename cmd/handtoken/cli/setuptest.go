package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/catalog"
	"github.com/majorcontext/handtoken/internal/ui"
)

var setupTestDir string

var setupTestCmd = &cobra.Command{
	Use:   "setup-test",
	Short: "Create a test signing profile, client and self-signed certificate",
	Long: `Create the "test-signing" profile, a "test" client with access to it and a
self-signed code-signing certificate valid for ten years.

Existing entries are reused. A new certificate is generated each half
decade, so running this again later adds a fresh one to the profile.`,
	Args: cobra.NoArgs,
	RunE: runSetupTest,
}

func init() {
	rootCmd.AddCommand(setupTestCmd)
	setupTestCmd.Flags().StringVar(&setupTestDir, "cert-dir", "", "where to write the test certificate (default <state_dir>/test-certs)")
}

func runSetupTest(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore("setup-test")
	if err != nil {
		return err
	}
	defer st.Close()

	dir := setupTestDir
	if dir == "" {
		dir = filepath.Join(cfg.StateDir, "test-certs")
	}
	res, err := catalog.SetupTest(cmd.Context(), st, dir, time.Now())
	if err != nil {
		return err
	}

	if res.ClientSecret != "" {
		printSecret(catalog.TestClient, res.ClientSecret)
	} else {
		fmt.Printf("Client %s already exists\n", ui.Bold(catalog.TestClient))
	}
	if res.NewCertificate {
		fmt.Printf("%s Created %s\n    %s\n    %s\n", ui.OKTag(), ui.Bold(res.Certificate.Name),
			res.Certificate.CertPath, res.Certificate.KeyPath)
	} else {
		fmt.Printf("Certificate %s already exists\n", ui.Bold(res.Certificate.Name))
	}
	fmt.Printf("Profile: %s\n", catalog.TestProfile)
	return nil
}
