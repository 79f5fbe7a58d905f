// Package signing runs code-signing requests from intake to a finalized
// signing log row.
package signing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/majorcontext/handtoken/internal/log"
	"github.com/majorcontext/handtoken/internal/metrics"
	"github.com/majorcontext/handtoken/internal/pin"
	"github.com/majorcontext/handtoken/internal/store"
)

// Catalog resolves signing profiles.
type Catalog interface {
	// ProfileForClient returns store.ErrNotFound when the profile is missing
	// or clientID may not use it.
	ProfileForClient(ctx context.Context, name string, clientID int64) (*store.Profile, error)
}

// LogStore persists signing log rows.
type LogStore interface {
	CreateLog(ctx context.Context, l *store.SigningLog) error
	SaveLog(ctx context.Context, l *store.SigningLog) error
}

// PINSource obtains a hardware token PIN from an operator.
type PINSource interface {
	Request(ctx context.Context, req pin.Request) (pin.Response, error)
}

// Submission is one client request to sign a file.
type Submission struct {
	ClientID    int64
	ClientName  string
	IP          string
	UserAgent   string
	Profile     string
	Description string
	URL         string
	FileName    string
	Body        io.Reader
}

// Outcome describes a signed file ready to be returned to the client.
type Outcome struct {
	LogID    int64
	FileName string
	Path     string
	Size     int64
	SHA256   string
}

// Config holds the orchestrator's filesystem and tool settings.
type Config struct {
	// StateDir holds the in/ and out/ staging directories.
	StateDir string
	Tools    Tools
}

// Deps are the orchestrator's collaborators. PINs may be nil when no
// certificate requires a PIN.
type Deps struct {
	Catalog Catalog
	Logs    LogStore
	Scanner Scanner
	Signer  Signer
	PINs    PINSource
}

// Orchestrator runs the signing pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps

	// Now defaults to time.Now.
	Now func() time.Time
	// Pick returns an index in [0, n). Defaults to rand.Intn.
	Pick func(n int) int
	// Shuffle defaults to rand.Shuffle.
	Shuffle func(n int, swap func(i, j int))
}

// New returns an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		Now:     time.Now,
		Pick:    rand.Intn,
		Shuffle: rand.Shuffle,
	}
}

// InDir is where uploads are staged.
func (o *Orchestrator) InDir() string { return filepath.Join(o.cfg.StateDir, "in") }

// OutDir is where signed files are written.
func (o *Orchestrator) OutDir() string { return filepath.Join(o.cfg.StateDir, "out") }

// Prepare creates the staging directories.
func (o *Orchestrator) Prepare() error {
	for _, d := range []string{o.InDir(), o.OutDir()} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// Sign runs sub through the pipeline. Every call creates exactly one signing
// log row before doing anything else and finalizes it before returning.
//
// Recognized failures are returned as *Error. A missing or unauthorized
// profile is ErrProfileNotFound. Anything else is an internal error.
func (o *Orchestrator) Sign(ctx context.Context, sub Submission) (out *Outcome, err error) {
	start := o.Now()
	clientID := sub.ClientID
	l := &store.SigningLog{
		Result:             string(ResultPending),
		IP:                 sub.IP,
		UserAgent:          sub.UserAgent,
		ClientID:           &clientID,
		ClientName:         sub.ClientName,
		SigningProfileName: sub.Profile,
		Description:        sub.Description,
		URL:                sub.URL,
		SubmittedFileName:  sub.FileName,
	}
	if err := o.deps.Logs.CreateLog(ctx, l); err != nil {
		return nil, fmt.Errorf("recording signing request: %w", err)
	}
	logger := log.With("signing_log", l.ID, "client", sub.ClientName, "profile", sub.Profile)
	defer func() {
		err = o.finalize(ctx, l, err, logger, start)
		if err != nil {
			out = nil
		}
	}()

	base, ext := splitName(sub.FileName)
	if !supportedExtension(ext) {
		return nil, newError(ResultUnsupportedExtension, "Unsupported file extensions: '%s'", ext)
	}

	profile, err := o.deps.Catalog.ProfileForClient(ctx, sub.Profile, sub.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, sub.Profile)
	}
	if err != nil {
		return nil, fmt.Errorf("loading signing profile: %w", err)
	}
	l.SigningProfileID = &profile.ID

	cert := o.selectCertificate(profile)
	if cert == nil {
		return nil, newError(ResultNoCertificates, "No valid certificates in signing profile '%s'", profile.Name)
	}
	l.CertificateID = &cert.ID
	l.CertificateName = cert.Name

	servers := o.timestampServers(profile)

	fileName := fmt.Sprintf("%d-%s.%s", l.ID, Slugify(base), ext)
	l.InPath = filepath.Join(o.InDir(), fileName)
	if err := stage(l.InPath, sub.Body); err != nil {
		return nil, err
	}
	size, sum, err := fileDigest(l.InPath)
	if err != nil {
		return nil, fmt.Errorf("hashing upload: %w", err)
	}
	l.InFileSize, l.InFileSHA256 = &size, sum

	scanStart := time.Now()
	scan, err := o.deps.Scanner.Scan(ctx, l.InPath)
	metrics.ScanDuration.Observe(time.Since(scanStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("scanning upload: %w", err)
	}
	if !scan.Clean {
		return nil, newError(ResultAVPositive, "%s", scan.Output)
	}

	l.OutPath = filepath.Join(o.OutDir(), fileName)
	args := BuildArgs(Invocation{
		InPath:           l.InPath,
		OutPath:          l.OutPath,
		Certificate:      cert,
		TimestampServers: servers,
		Description:      sub.Description,
		URL:              sub.URL,
	}, o.cfg.Tools)

	var code string
	if cert.IsPKCS11 {
		description := sub.Description
		if description == "" {
			description = "No description"
		}
		code, err = o.acquirePIN(ctx, pin.Request{
			User:        sub.ClientName,
			Certificate: cert.Name,
			Description: description,
		})
		if err != nil {
			return nil, err
		}
	}

	res, err := o.deps.Signer.Sign(ctx, args, code)
	if err != nil {
		return nil, fmt.Errorf("running signer: %w", err)
	}
	// Only recorded once the tool has actually run.
	l.OsslsigncodeCommand = shellescape.QuoteCommand(o.deps.Signer.Command(args))
	exit := int64(res.ExitCode)
	l.OsslsigncodeReturncode = &exit
	l.OsslsigncodeStdout = res.Stdout
	l.OsslsigncodeStderr = res.Stderr
	if res.TimedOut {
		return nil, newError(ResultSignError, "osslsigncode timed out")
	}
	if res.ExitCode != 0 {
		return nil, newError(ResultSignError, "osslsigncode error code: %d", res.ExitCode)
	}

	outSize, outSum, err := fileDigest(l.OutPath)
	if err != nil {
		return nil, fmt.Errorf("hashing signed file: %w", err)
	}
	l.OutFileSize, l.OutFileSHA256 = &outSize, outSum

	return &Outcome{
		LogID:    l.ID,
		FileName: fileName,
		Path:     l.OutPath,
		Size:     outSize,
		SHA256:   outSum,
	}, nil
}

// selectCertificate picks uniformly among the profile's usable certificates.
func (o *Orchestrator) selectCertificate(p *store.Profile) *store.Certificate {
	now := o.Now()
	var eligible []*store.Certificate
	for _, c := range p.Certificates {
		if c.Usable(now) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[o.Pick(len(eligible))]
}

// timestampServers returns the enabled servers in random order.
func (o *Orchestrator) timestampServers(p *store.Profile) []*store.TimestampServer {
	var servers []*store.TimestampServer
	for _, ts := range p.TimestampServers {
		if ts.Enabled {
			servers = append(servers, ts)
		}
	}
	o.Shuffle(len(servers), func(i, j int) {
		servers[i], servers[j] = servers[j], servers[i]
	})
	return servers
}

func (o *Orchestrator) acquirePIN(ctx context.Context, req pin.Request) (string, error) {
	if o.deps.PINs == nil {
		return "", errors.New("certificate requires a PIN but PIN approval is not configured")
	}
	start := time.Now()
	observe := func(outcome string) {
		metrics.PINWait.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}

	resp, err := o.deps.PINs.Request(ctx, req)
	switch {
	case errors.Is(err, pin.ErrTimeout):
		observe("timeout")
		return "", newError(ResultPINTimeout, "Didn't receive pin on time")
	case errors.Is(err, pin.ErrProtocol):
		observe("error")
		return "", newError(ResultSignError, "Unexpected PIN response: %v", err)
	case err != nil:
		observe("error")
		return "", fmt.Errorf("requesting PIN: %w", err)
	}

	switch resp.Result {
	case pin.ResultApprove:
		observe("approve")
		return resp.Code, nil
	case pin.ResultCancelled:
		observe("cancelled")
		return "", newError(ResultCancelled, "Received cancelled response")
	default:
		observe("error")
		return "", newError(ResultSignError, "Unexpected response result: %q", resp.Result)
	}
}

// finalize records whatever is known about the request and saves the row.
// It runs on every exit path of Sign and returns the error Sign should
// report.
func (o *Orchestrator) finalize(ctx context.Context, l *store.SigningLog, err error, logger *slog.Logger, start time.Time) error {
	if l.InPath != "" && l.InFileSize == nil {
		if size, sum, derr := fileDigest(l.InPath); derr == nil {
			l.InFileSize, l.InFileSHA256 = &size, sum
		}
	}
	if l.OutPath != "" && l.OutFileSize == nil {
		if size, sum, derr := fileDigest(l.OutPath); derr == nil {
			l.OutFileSize, l.OutFileSHA256 = &size, sum
		}
	}

	result := ResultOf(err)
	l.Result = string(result)
	if err != nil {
		l.Exception = err.Error()
	}
	finished := o.Now()
	l.Finished = &finished

	switch {
	case err == nil:
		logger.Info("signed file", "certificate", l.CertificateName, "file", l.SubmittedFileName)
	case errors.Is(err, ErrProfileNotFound):
		logger.Warn("signing profile not found or not authorized")
	case result != ResultInternalError:
		logger.Warn("signing failed", "result", result, "error", err)
	default:
		logger.Error("signing failed with internal error", "error", err)
	}

	// The row must be finalized even if the client went away.
	if serr := o.deps.Logs.SaveLog(context.WithoutCancel(ctx), l); serr != nil {
		logger.Error("saving signing log", "error", serr)
		if err == nil {
			err = fmt.Errorf("saving signing log: %w", serr)
			result = ResultInternalError
		}
	}

	metrics.SigningRequests.WithLabelValues(string(result)).Inc()
	metrics.SigningDuration.WithLabelValues(string(result)).Observe(finished.Sub(start).Seconds())
	return err
}
