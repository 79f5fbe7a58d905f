package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/handtoken/internal/retention"
	"github.com/majorcontext/handtoken/internal/ui"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old staged uploads and signed files",
	Long: `Remove uploads and signed files from the state directory's in/ and out/
directories once they are older than --older-than.

Signing log rows are kept, including the paths, sizes and SHA-256 digests
of the removed files.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	cleanOlderThan time.Duration
	cleanForce     bool
	cleanDryRun    bool
)

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().DurationVar(&cleanOlderThan, "older-than", 30*24*time.Hour, "minimum file age to remove")
	cleanCmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "show what would be removed")
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig("clean", false)
	if err != nil {
		return err
	}

	stale, err := retention.FindStale(cfg.StateDir, cleanOlderThan, time.Now())
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		fmt.Println("Nothing to clean.")
		return nil
	}

	fmt.Printf("Found %d staged file%s (%s) older than %s:\n\n", len(stale), plural(len(stale), "", "s"),
		retention.FormatSize(retention.TotalSize(stale)), cleanOlderThan)
	for _, f := range stale {
		fmt.Printf("  %s  %s  %s\n", ui.Dim(f.ModTime.Format("2006-01-02")), f.Path, retention.FormatSize(f.Size))
	}
	fmt.Println()

	if cleanDryRun {
		fmt.Println("Dry run mode - nothing was removed.")
		return nil
	}
	if !cleanForce {
		fmt.Print("Remove these files? [y/N]: ")
		resp, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		resp = strings.ToLower(strings.TrimSpace(resp))
		if resp != "y" && resp != "yes" {
			fmt.Println("Canceled.")
			return nil
		}
	}

	removed, skipped, err := retention.Remove(stale, cleanOlderThan, time.Now())
	for _, p := range skipped {
		ui.Warnf("kept %s: modified since the scan", p)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s Removed %d file%s.\n", ui.OKTag(), removed, plural(removed, "", "s"))
	return nil
}

func plural(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
