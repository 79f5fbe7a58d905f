package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/catalog"
	"github.com/majorcontext/handtoken/internal/ui"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage certificates, timestamp servers and signing profiles",
}

var catalogApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Apply a catalog file",
	Long: `Apply a YAML catalog file. All entries are written in one transaction;
if any entry is invalid nothing changes.

Profile memberships are replaced by the ones listed in the file. A
certificate that has already signed something cannot have its paths,
PKCS#11 settings or expiry changed; add it under a new name instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogApply,
}

var catalogProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List signing profiles",
	Args:  cobra.NoArgs,
	RunE:  runCatalogProfiles,
}

var catalogCertificatesCmd = &cobra.Command{
	Use:     "certificates",
	Aliases: []string{"certs"},
	Short:   "List certificates and their expiry",
	Args:    cobra.NoArgs,
	RunE:    runCatalogCertificates,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogApplyCmd, catalogProfilesCmd, catalogCertificatesCmd)
}

func runCatalogApply(cmd *cobra.Command, args []string) error {
	f, err := catalog.Load(args[0])
	if err != nil {
		return err
	}
	_, st, err := openStore("catalog")
	if err != nil {
		return err
	}
	defer st.Close()

	if err := catalog.Apply(cmd.Context(), st, f); err != nil {
		return err
	}
	fmt.Printf("%s Applied %d certificates, %d timestamp servers, %d profiles\n", ui.OKTag(),
		len(f.Certificates), len(f.TimestampServers), len(f.Profiles))
	return nil
}

func runCatalogProfiles(cmd *cobra.Command, args []string) error {
	_, st, err := openStore("catalog")
	if err != nil {
		return err
	}
	defer st.Close()

	names, err := st.ListProfiles(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(os.Stdout, names)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

type certificateView struct {
	Name    string    `json:"name"`
	PKCS11  bool      `json:"pkcs11"`
	Enabled bool      `json:"enabled"`
	Expires time.Time `json:"expires"`
}

// expiringSoon is how far ahead expiry is highlighted.
const expiringSoon = 30 * 24 * time.Hour

func expiryLabel(expires, now time.Time) string {
	s := expires.Format("2006-01-02")
	switch {
	case !expires.After(now):
		return ui.Red(s + " (expired)")
	case expires.Sub(now) < expiringSoon:
		return ui.Yellow(s)
	}
	return s
}

func runCatalogCertificates(cmd *cobra.Command, args []string) error {
	_, st, err := openStore("catalog")
	if err != nil {
		return err
	}
	defer st.Close()

	certs, err := st.ListCertificates(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		views := make([]certificateView, 0, len(certs))
		for _, c := range certs {
			views = append(views, certificateView{Name: c.Name, PKCS11: c.IsPKCS11, Enabled: c.Enabled, Expires: c.Expires})
		}
		return printJSON(os.Stdout, views)
	}

	now := time.Now()
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "NAME\tTYPE\tENABLED\tEXPIRES")
	for _, c := range certs {
		kind, enabled := "file", "yes"
		if c.IsPKCS11 {
			kind = "pkcs11"
		}
		if !c.Enabled {
			enabled = ui.Dim("no")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, kind, enabled, expiryLabel(c.Expires, now))
	}
	return tw.Flush()
}
