package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/config"
	"github.com/majorcontext/handtoken/internal/doctor"
	"github.com/majorcontext/handtoken/internal/pin"
	"github.com/majorcontext/handtoken/internal/store"
	"github.com/majorcontext/handtoken/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the signing server's configuration and environment",
	Long: `Check what the signing server depends on:

  - the external signer and antivirus scanner
  - the PIN approval directory shared with "handtoken approve"
  - certificates that are expired or about to expire
  - the integrity of the audit chain

Exits non-zero when any check fails.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig("doctor", false)
	if err != nil {
		return err
	}
	fmt.Println(ui.Bold("Handtoken Doctor"))
	fmt.Println()

	reg := doctor.NewRegistry()
	reg.Register(&versionSection{})
	reg.Register(&toolsSection{cfg: cfg})
	reg.Register(&pinSection{rv: pin.NewRendezvous(cfg.PinDir)})

	st, err := store.Open(cfg.Database)
	if err != nil {
		fmt.Printf("%s Database %s: %v\n\n", ui.FailTag(), cfg.Database, err)
	} else {
		defer st.Close()
		reg.Register(&catalogSection{ctx: cmd.Context(), st: st})
		reg.Register(&auditSection{ctx: cmd.Context(), st: st})
	}

	failed := reg.Run(os.Stdout)
	if st == nil {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("%d check%s failed", failed, plural(failed, "", "s"))
	}
	return nil
}

type versionSection struct{}

func (s *versionSection) Name() string { return "Version" }

func (s *versionSection) Print(w io.Writer) error {
	fmt.Fprintf(w, "  handtoken %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

type toolsSection struct {
	cfg *config.Config
}

func (s *toolsSection) Name() string { return "Tools" }

func (s *toolsSection) Print(w io.Writer) error {
	for _, tool := range []string{s.cfg.Tools.Osslsigncode, s.cfg.Tools.Clamscan} {
		path, err := exec.LookPath(tool)
		if err != nil {
			doctor.Check(w, false, tool, "not found")
			continue
		}
		doctor.Check(w, true, tool, path)
	}
	for _, f := range []struct{ label, path string }{
		{"PKCS#11 module", s.cfg.Tools.PKCS11Module},
		{"OpenSSL provider", s.cfg.Tools.OsslProvider},
	} {
		if f.path == "" {
			continue
		}
		_, err := os.Stat(f.path)
		doctor.Check(w, err == nil, f.label, f.path)
	}
	return nil
}

type pinSection struct {
	rv *pin.Rendezvous
}

func (s *pinSection) Name() string { return "PIN approval" }

func (s *pinSection) Print(w io.Writer) error {
	for _, dir := range []string{s.rv.RequestsDir(), s.rv.ResponsesDir()} {
		info, err := os.Stat(dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			doctor.Check(w, false, dir, `missing; "handtoken serve" creates it`)
		case err != nil:
			doctor.Check(w, false, dir, err.Error())
		case !info.IsDir():
			doctor.Check(w, false, dir, "not a directory")
		case info.Mode().Perm()&0o050 != 0o050:
			doctor.Check(w, false, dir, fmt.Sprintf("mode %04o; the approval client's group needs read and search access", info.Mode().Perm()))
		default:
			doctor.Check(w, true, dir, fmt.Sprintf("mode %04o", info.Mode().Perm()))
		}
	}
	return nil
}

type catalogSection struct {
	ctx context.Context
	st  *store.Store
}

func (s *catalogSection) Name() string { return "Certificates" }

func (s *catalogSection) Print(w io.Writer) error {
	certs, err := s.st.ListCertificates(s.ctx)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		doctor.Check(w, false, "catalog", `no certificates; run "handtoken catalog apply"`)
		return nil
	}
	now := time.Now()
	for _, c := range certs {
		if !c.Enabled {
			fmt.Fprintf(w, "  - %s: %s\n", c.Name, ui.Dim("disabled"))
			continue
		}
		switch left := c.Expires.Sub(now); {
		case left <= 0:
			doctor.Check(w, false, c.Name, "expired "+c.Expires.Format("2006-01-02"))
		case left < expiringSoon:
			doctor.Check(w, true, c.Name, ui.Yellow(fmt.Sprintf("expires in %d days", int(left.Hours()/24))))
		default:
			doctor.Check(w, true, c.Name, "expires "+c.Expires.Format("2006-01-02"))
		}
	}
	return nil
}

type auditSection struct {
	ctx context.Context
	st  *store.Store
}

func (s *auditSection) Name() string { return "Audit chain" }

func (s *auditSection) Print(w io.Writer) error {
	res, err := s.st.VerifyAudit(s.ctx)
	if err != nil {
		return err
	}
	if !res.Valid {
		doctor.Check(w, false, "chain", res.Error)
		return nil
	}
	doctor.Check(w, true, "chain", fmt.Sprintf("%d entries verified", res.EntryCount))
	return nil
}
