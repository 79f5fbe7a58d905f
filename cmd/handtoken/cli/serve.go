package cli

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/api"
	"github.com/majorcontext/handtoken/internal/credential"
	"github.com/majorcontext/handtoken/internal/log"
	"github.com/majorcontext/handtoken/internal/metrics"
	"github.com/majorcontext/handtoken/internal/pin"
	"github.com/majorcontext/handtoken/internal/signing"
	"github.com/majorcontext/handtoken/internal/store"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signing API",
	Long: `Run the HTTP signing API.

Uploads are staged under the state directory, scanned with clamdscan and
signed with osslsigncode. Hardware token PINs are requested through the PIN
directory, where "handtoken approve" picks them up.

Endpoints:
  POST /sign?signing-profile=NAME[&description=TEXT][&url=URL]
  GET  /whoami
  GET  /healthz
  GET  /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig("serve", true)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	rv := pin.NewRendezvous(cfg.PinDir)
	if err := rv.Prepare(); err != nil {
		return fmt.Errorf("preparing PIN directory: %w", err)
	}

	orch := signing.New(signing.Config{
		StateDir: cfg.StateDir,
		Tools: signing.Tools{
			OSSLProvider: cfg.Tools.OsslProvider,
			PKCS11Module: cfg.Tools.PKCS11Module,
		},
	}, signing.Deps{
		Catalog: st,
		Logs:    st,
		Scanner: &signing.ClamScanner{Path: cfg.Tools.Clamscan, Timeout: cfg.Timeouts.Scan},
		Signer:  &signing.Osslsigncode{Path: cfg.Tools.Osslsigncode, Timeout: cfg.Timeouts.Sign},
		PINs:    pin.NewRequester(rv, cfg.Timeouts.PIN),
	})
	if err := orch.Prepare(); err != nil {
		return err
	}

	srv := api.New(orch, credential.NewAuthenticator(st), api.Options{
		IPHeaders:         cfg.IPHeaders,
		FailuresPerMinute: cfg.Auth.FailuresPerMinute,
		FailureBurst:      cfg.Auth.Burst,
		Metrics:           promhttp.Handler(),
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	ctx, stop := signalContext()
	defer stop()
	log.Info("starting signing service", "state_dir", cfg.StateDir, "pin_dir", cfg.PinDir, "database", cfg.Database)
	return srv.Serve(ctx, ln)
}
