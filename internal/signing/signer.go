package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/majorcontext/handtoken/internal/store"
)

// SignResult is what a signer run produced.
type SignResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Signer runs the external signing tool.
type Signer interface {
	// Sign runs the tool with args. A non-empty pin is passed through the
	// environment only.
	Sign(ctx context.Context, args []string, pin string) (SignResult, error)
	// Command returns the full command line Sign runs for args.
	Command(args []string) []string
}

// DefaultSignTimeout bounds a signer run.
const DefaultSignTimeout = 10 * time.Minute

// Osslsigncode runs osslsigncode.
type Osslsigncode struct {
	Path    string
	Timeout time.Duration
}

// Command returns the osslsigncode command line for args.
func (o *Osslsigncode) Command(args []string) []string {
	return append([]string{o.Path}, args...)
}

// Sign runs osslsigncode with args. Stdout and stderr are captured in full.
// A non-zero exit is reported in the result, not as an error; errors mean
// the tool could not be run at all.
func (o *Osslsigncode) Sign(ctx context.Context, args []string, pin string) (SignResult, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultSignTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = signerEnv(os.Environ(), pin)
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	res := SignResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("running %s: %w", o.Path, err)
	}
}

// signerEnv returns base plus the PKCS#11 login variables when pin is set.
func signerEnv(base []string, pin string) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "PKCS11_PIN=") || strings.HasPrefix(kv, "PKCS11_FORCE_LOGIN=") {
			continue
		}
		env = append(env, kv)
	}
	if pin != "" {
		env = append(env, "PKCS11_PIN="+pin, "PKCS11_FORCE_LOGIN=1")
	}
	return env
}

// Tools holds defaults used when a certificate does not override them.
type Tools struct {
	OSSLProvider string
	PKCS11Module string
}

// Invocation describes one signing run.
type Invocation struct {
	InPath           string
	OutPath          string
	Certificate      *store.Certificate
	TimestampServers []*store.TimestampServer
	Description      string
	URL              string
}

// BuildArgs returns the osslsigncode arguments for inv. Secrets never appear
// in the result.
func BuildArgs(inv Invocation, tools Tools) []string {
	cert := inv.Certificate
	args := []string{"sign", "-in", inv.InPath, "-out", inv.OutPath}

	if cert.IsPKCS11 {
		provider := cert.OSSLProvider
		if provider == "" {
			provider = tools.OSSLProvider
		}
		module := cert.PKCS11Module
		if module == "" {
			module = tools.PKCS11Module
		}
		args = append(args, "-login", "-provider", provider, "-pkcs11module", module)
	}

	if cert.IsPKCS11 && strings.HasPrefix(cert.CertPath, "pkcs11:") {
		args = append(args, "-pkcs11cert")
	} else {
		args = append(args, "-certs")
	}
	args = append(args, cert.CertPath, "-key", cert.KeyPath)

	for _, ts := range inv.TimestampServers {
		args = append(args, "-ts", ts.URL)
	}
	if inv.Description != "" {
		args = append(args, "-n", inv.Description)
	}
	if inv.URL != "" {
		args = append(args, "-i", inv.URL)
	}
	return args
}
