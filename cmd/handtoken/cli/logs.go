package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/store"
	"github.com/majorcontext/handtoken/internal/ui"
)

var logsFilter store.LogFilter

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List signing log entries",
	Long: `List signing requests, newest first.

Examples:
  handtoken logs                        # Last 50 requests
  handtoken logs --client ci -n 10      # Last 10 requests from client "ci"
  handtoken logs --result av-positive   # Requests rejected by the scanner
  handtoken logs show 42                # Everything recorded for request 42
  handtoken logs verify                 # Check the audit chain`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var logsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one signing log entry in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsShow,
}

var logsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain over signing and credential events",
	Long: `Verify the hash chain that links every finished signing request and every
credential change. Editing or deleting a recorded event breaks the chain.`,
	Args: cobra.NoArgs,
	RunE: runLogsVerify,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsShowCmd, logsVerifyCmd)
	logsCmd.Flags().StringVar(&logsFilter.Client, "client", "", "only requests from this client")
	logsCmd.Flags().StringVar(&logsFilter.Profile, "profile", "", "only requests for this signing profile")
	logsCmd.Flags().StringVar(&logsFilter.Result, "result", "", "only requests with this result")
	logsCmd.Flags().IntVarP(&logsFilter.Limit, "lines", "n", 50, "number of entries to show")
}

func runLogs(cmd *cobra.Command, args []string) error {
	_, st, err := openStore("logs")
	if err != nil {
		return err
	}
	defer st.Close()

	logs, err := st.ListLogs(cmd.Context(), logsFilter)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(os.Stdout, logs)
	}
	if len(logs) == 0 {
		fmt.Println("No signing requests found")
		return nil
	}

	w := newTable(os.Stdout)
	fmt.Fprintln(w, "ID\tCREATED\tCLIENT\tPROFILE\tCERTIFICATE\tFILE\tRESULT")
	for _, l := range logs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", l.ID, l.Created.Local().Format(time.DateTime),
			l.ClientName, dash(l.SigningProfileName), dash(l.CertificateName),
			dash(l.SubmittedFileName), ui.Result(l.Result))
	}
	return w.Flush()
}

func runLogsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid log id %q", args[0])
	}
	_, st, err := openStore("logs")
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := st.GetLog(cmd.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("signing log %d not found", id)
	}
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(os.Stdout, l)
	}

	ui.Section(fmt.Sprintf("Signing request %d", l.ID))
	w := newTable(os.Stdout)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%s\t%s\n", k, v)
		}
	}
	row("Result", ui.Result(l.Result))
	row("Created", l.Created.Local().Format(time.RFC3339))
	if l.Finished != nil {
		row("Finished", fmt.Sprintf("%s (%s)", l.Finished.Local().Format(time.RFC3339),
			l.Finished.Sub(l.Created).Round(time.Millisecond)))
	}
	row("Client", l.ClientName)
	row("IP", l.IP)
	row("User agent", l.UserAgent)
	row("Profile", l.SigningProfileName)
	row("Certificate", l.CertificateName)
	row("Description", l.Description)
	row("URL", l.URL)
	row("File", l.SubmittedFileName)
	row("Input", fileSummary(l.InPath, l.InFileSize, l.InFileSHA256))
	row("Output", fileSummary(l.OutPath, l.OutFileSize, l.OutFileSHA256))
	row("Command", l.OsslsigncodeCommand)
	if l.OsslsigncodeReturncode != nil {
		row("Exit code", strconv.FormatInt(*l.OsslsigncodeReturncode, 10))
	}
	row("Exception", l.Exception)
	if err := w.Flush(); err != nil {
		return err
	}

	for _, out := range []struct{ name, text string }{
		{"osslsigncode stdout", l.OsslsigncodeStdout},
		{"osslsigncode stderr", l.OsslsigncodeStderr},
	} {
		if out.text != "" {
			fmt.Println()
			ui.Section(out.name)
			fmt.Println(out.text)
		}
	}
	return nil
}

func runLogsVerify(cmd *cobra.Command, args []string) error {
	_, st, err := openStore("logs")
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.VerifyAudit(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Printf("%s Audit chain: %d entries, no gaps, all hashes valid\n", ui.OKTag(), res.EntryCount)
	} else {
		fmt.Printf("%s Audit chain: INVALID (%s)\n", ui.FailTag(), res.Error)
	}
	if !res.Valid {
		return errors.New("audit chain verification failed")
	}
	return nil
}

func fileSummary(path string, size *int64, sum string) string {
	if path == "" {
		return ""
	}
	s := path
	if size != nil {
		s += fmt.Sprintf(" (%d bytes)", *size)
	}
	if sum != "" {
		s += "\n\tsha256 " + sum
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
