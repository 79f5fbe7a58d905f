package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/majorcontext/handtoken/internal/config"
	"github.com/majorcontext/handtoken/internal/keychain"
	"github.com/majorcontext/handtoken/internal/secrets"
	"github.com/majorcontext/handtoken/internal/signclient"
	"github.com/majorcontext/handtoken/internal/ui"
)

var (
	loginServer    string
	loginClient    string
	loginSecretRef string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a client secret for a signing server",
	Long: `Verify a client secret against a signing server and store it in the system
keychain (or ~/.handtoken/credentials.yaml when no keychain is available).

The secret is read from the terminal, or from stdin when it is not a
terminal. --secret-ref reads it from a secret store instead:
op://vault/item/field, ssm://[region]/parameter or
awssm://[region]/secret-id[#key]. The server and client name become the defaults for "sign".`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored secret for a signing server",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
	for _, c := range []*cobra.Command{loginCmd, logoutCmd} {
		c.Flags().StringVar(&loginServer, "server", "", "signing server URL (env: HANDTOKEN_SERVER)")
	}
	loginCmd.Flags().StringVar(&loginClient, "client", "", "client name (env: HANDTOKEN_CLIENT)")
	loginCmd.Flags().StringVar(&loginSecretRef, "secret-ref", "", "read the secret from a secret store reference")
}

// resolveSecret returns the plaintext for a secret that may be given as a
// secret store reference.
func resolveSecret(ctx context.Context, v string) (string, error) {
	if !secrets.IsReference(v) {
		return v, nil
	}
	s, err := secrets.Resolve(ctx, v)
	if err != nil {
		return "", fmt.Errorf("resolving client secret: %w", err)
	}
	return s, nil
}

func readSecret() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Client secret: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	user, err := config.LoadUser()
	if err != nil {
		return err
	}
	server := firstNonEmpty(loginServer, user.Server)
	client := firstNonEmpty(loginClient, user.Client)
	if server == "" || client == "" {
		return errors.New("--server and --client are required")
	}
	server = keychain.NormalizeServer(server)

	var secret string
	if loginSecretRef != "" {
		if !secrets.IsReference(loginSecretRef) {
			return fmt.Errorf("--secret-ref %q is not a supported secret reference", loginSecretRef)
		}
		secret, err = resolveSecret(cmd.Context(), loginSecretRef)
	} else {
		secret, err = readSecret()
	}
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("empty secret")
	}

	name, err := signclient.New(server, client, secret).Whoami(cmd.Context())
	if err != nil {
		return fmt.Errorf("checking credentials: %w", err)
	}

	kc, err := keychain.New()
	if err != nil {
		return err
	}
	where, err := kc.Set(keychain.Entry{Server: server, Client: name, Secret: secret})
	if err != nil {
		return err
	}
	user.Server, user.Client = server, name
	if err := config.SaveUser(user); err != nil {
		return err
	}
	fmt.Printf("%s Logged in to %s as %s (stored in %s)\n", ui.OKTag(), server, ui.Bold(name), where)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	user, err := config.LoadUser()
	if err != nil {
		return err
	}
	server := firstNonEmpty(loginServer, user.Server)
	if server == "" {
		return errors.New("--server is required")
	}
	kc, err := keychain.New()
	if err != nil {
		return err
	}
	if err := kc.Delete(server); err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return fmt.Errorf("not logged in to %s", server)
		}
		return err
	}
	fmt.Printf("%s Logged out of %s\n", ui.OKTag(), server)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
