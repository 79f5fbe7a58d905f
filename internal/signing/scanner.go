package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ScanResult is the outcome of a malware scan.
type ScanResult struct {
	// Clean is false when the scanner exited non-zero.
	Clean bool
	// Output is the scanner's trimmed standard output.
	Output string
}

// Scanner checks a staged file for malware.
type Scanner interface {
	Scan(ctx context.Context, path string) (ScanResult, error)
}

// DefaultScanTimeout bounds a single scan.
const DefaultScanTimeout = 30 * time.Second

// waitDelay bounds how long a killed tool's children may hold its output
// pipes open.
const waitDelay = 5 * time.Second

// ClamScanner runs clamdscan.
type ClamScanner struct {
	Path    string
	Timeout time.Duration
}

// Scan runs `clamdscan --no-summary path`. Any non-zero exit counts as a
// positive. A scan that exceeds the timeout is an error, not a positive.
func (c *ClamScanner) Scan(ctx context.Context, path string) (ScanResult, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, "--no-summary", path)
	cmd.Stdout = &stdout
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	if ctx.Err() != nil {
		return ScanResult{}, fmt.Errorf("scanning %s: %w", path, ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return ScanResult{Clean: true, Output: strings.TrimSpace(stdout.String())}, nil
	case errors.As(err, &exitErr):
		return ScanResult{Clean: false, Output: strings.TrimSpace(stdout.String())}, nil
	default:
		return ScanResult{}, fmt.Errorf("running %s: %w", c.Path, err)
	}
}
