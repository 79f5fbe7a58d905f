package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/credential"
	"github.com/majorcontext/handtoken/internal/ui"
)

var clientRotateEvery time.Duration

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage API clients",
	Long: `Manage the clients allowed to call the signing API.

Each client holds up to two secrets. After every rotation interval the
current secret becomes the previous one, and after two intervals without
use both are cleared. Issue a new secret with "client secret rotate".`,
}

var clientAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a client and print its first secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientAdd,
}

var clientListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List clients",
	Args:    cobra.NoArgs,
	RunE:    runClientList,
}

var clientSecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Change a client's secrets",
}

var clientSecretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Issue a new secret and invalidate all others",
	Args:  cobra.ExactArgs(1),
	RunE:  clientSecretAction(credential.ActionSet),
}

var clientSecretRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Issue a new secret, keeping the current one valid as the previous secret",
	Args:  cobra.ExactArgs(1),
	RunE:  clientSecretAction(credential.ActionRotate),
}

var clientSecretRevokeCmd = &cobra.Command{
	Use:   "revoke <name>",
	Short: "Clear both secrets",
	Args:  cobra.ExactArgs(1),
	RunE:  clientSecretAction(credential.ActionRevoke),
}

var clientDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Stop a client from authenticating without touching its secrets",
	Args:  cobra.ExactArgs(1),
	RunE:  clientSetActive(false),
}

var clientEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Allow a disabled client to authenticate again",
	Args:  cobra.ExactArgs(1),
	RunE:  clientSetActive(true),
}

func init() {
	rootCmd.AddCommand(clientCmd)
	clientCmd.AddCommand(clientAddCmd, clientListCmd, clientSecretCmd, clientDisableCmd, clientEnableCmd)
	clientSecretCmd.AddCommand(clientSecretSetCmd, clientSecretRotateCmd, clientSecretRevokeCmd)

	clientAddCmd.Flags().DurationVar(&clientRotateEvery, "rotate-every", 30*24*time.Hour, "secret rotation interval")
}

func printSecret(name, secret string) {
	fmt.Printf("New secret for %s: %s\n", ui.Bold(name), secret)
	ui.Warn("The secret is shown only once. Store it now.")
}

func runClientAdd(cmd *cobra.Command, args []string) error {
	_, st, err := openStore("client")
	if err != nil {
		return err
	}
	defer st.Close()

	c, secret, err := st.CreateClient(cmd.Context(), args[0], clientRotateEvery)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(os.Stdout, map[string]any{"name": c.Name, "secret": secret})
	}
	printSecret(c.Name, secret)
	return nil
}

type clientView struct {
	Name        string        `json:"name"`
	Active      bool          `json:"active"`
	Secrets     int           `json:"secrets"`
	LastRotated time.Time     `json:"last_rotated"`
	RotateEvery time.Duration `json:"rotate_every"`
}

func runClientList(cmd *cobra.Command, args []string) error {
	_, st, err := openStore("client")
	if err != nil {
		return err
	}
	defer st.Close()

	clients, err := st.ListClients(cmd.Context())
	if err != nil {
		return err
	}
	views := make([]clientView, 0, len(clients))
	for _, c := range clients {
		v := clientView{
			Name:        c.Name,
			Active:      c.Active,
			LastRotated: c.Credential.LastRotated,
			RotateEvery: c.Credential.RotateEvery,
		}
		for _, slot := range []string{c.Credential.Current, c.Credential.Previous} {
			if slot != "" {
				v.Secrets++
			}
		}
		views = append(views, v)
	}
	if jsonOut {
		return printJSON(os.Stdout, views)
	}
	if len(views) == 0 {
		fmt.Println("No clients. Create one with: handtoken client add <name>")
		return nil
	}

	w := newTable(os.Stdout)
	fmt.Fprintln(w, "NAME\tACTIVE\tSECRETS\tLAST ROTATED\tROTATE EVERY")
	for _, v := range views {
		active := ui.Green("yes")
		if !v.Active {
			active = ui.Red("no")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", v.Name, active, v.Secrets,
			v.LastRotated.Local().Format(time.DateTime), v.RotateEvery)
	}
	return w.Flush()
}

func clientSecretAction(action credential.Action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore("client")
		if err != nil {
			return err
		}
		defer st.Close()

		secret, err := st.UpdateClientCredential(cmd.Context(), args[0], action)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(os.Stdout, map[string]any{"name": args[0], "action": action, "secret": secret})
		}
		if secret == "" {
			fmt.Println("Secrets cleared")
			return nil
		}
		printSecret(args[0], secret)
		return nil
	}
}

func clientSetActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore("client")
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SetClientActive(cmd.Context(), args[0], active); err != nil {
			return err
		}
		state := "disabled"
		if active {
			state = "enabled"
		}
		fmt.Printf("%s %s %s\n", ui.OKTag(), args[0], state)
		return nil
	}
}
