package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/config"
	"github.com/majorcontext/handtoken/internal/keychain"
	"github.com/majorcontext/handtoken/internal/signclient"
	"github.com/majorcontext/handtoken/internal/ui"
)

var (
	signServer      string
	signProfile     string
	signDescription string
	signURL         string
	signOutput      string
)

var signCmd = &cobra.Command{
	Use:   "sign <file>",
	Short: "Sign a file on a signing server",
	Long: `Upload a file to the signing server and save the signed result.

The signed file is written next to the input as <name>.signed.<ext> unless
--output is given. Credentials come from "handtoken login". For CI,
HANDTOKEN_SECRET overrides the stored secret; it may hold the secret itself
or a secret store reference such as op://CI/handtoken/secret.

Examples:
  handtoken sign -p release setup.exe
  handtoken sign -p release -d "Nightly build" -o dist/setup.exe build/setup.exe`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signServer, "server", "", "signing server URL (env: HANDTOKEN_SERVER)")
	signCmd.Flags().StringVarP(&signProfile, "profile", "p", "", "signing profile")
	signCmd.Flags().StringVarP(&signDescription, "description", "d", "", "program description embedded in the signature")
	signCmd.Flags().StringVar(&signURL, "url", "", "program URL embedded in the signature")
	signCmd.Flags().StringVarP(&signOutput, "output", "o", "", "where to write the signed file")
	_ = signCmd.MarkFlagRequired("profile")
}

func runSign(cmd *cobra.Command, args []string) error {
	user, err := config.LoadUser()
	if err != nil {
		return err
	}
	server := firstNonEmpty(signServer, user.Server)
	if server == "" {
		return errors.New("no signing server configured; run handtoken login --server URL --client NAME")
	}

	client, secret := user.Client, os.Getenv("HANDTOKEN_SECRET")
	if secret != "" {
		if secret, err = resolveSecret(cmd.Context(), secret); err != nil {
			return err
		}
	} else {
		kc, err := keychain.New()
		if err != nil {
			return err
		}
		e, err := kc.Get(server)
		if errors.Is(err, keychain.ErrNotFound) {
			return fmt.Errorf("not logged in to %s; run handtoken login", server)
		}
		if err != nil {
			return err
		}
		client, secret = e.Client, e.Secret
	}
	if client == "" {
		return errors.New("no client name configured; set HANDTOKEN_CLIENT or run handtoken login")
	}

	out := signOutput
	if out == "" {
		out = signclient.SignedPath(args[0])
	}

	fmt.Fprintf(os.Stderr, "Signing %s with profile %s...\n", args[0], ui.Bold(signProfile))
	res, err := signclient.New(server, client, secret).Sign(cmd.Context(), signclient.Request{
		Path:        args[0],
		Profile:     signProfile,
		Description: signDescription,
		URL:         signURL,
	}, out)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(os.Stdout, res)
	}
	fmt.Printf("%s Signed %s (signing log %d)\n", ui.OKTag(), res.Path, res.LogID)
	if res.SHA256 != "" {
		fmt.Printf("    sha256 %s\n", res.SHA256)
	}
	return nil
}
