// Package approval runs the operator side of the PIN approval channel.
//
// Each request is serviced by a Session that races an interactive prompt
// against a monitor watching for the request to be withdrawn.
package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/handtoken/internal/log"
	"github.com/majorcontext/handtoken/internal/pin"
)

// Outcome is how a session ended.
type Outcome int

const (
	// Approved means the operator entered a PIN and it was sent.
	Approved Outcome = iota + 1
	// Cancelled means the operator declined and the cancellation was sent.
	Cancelled
	// Gone means the request was withdrawn before the operator answered.
	// No reply is sent.
	Gone
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Cancelled:
		return "cancelled"
	case Gone:
		return "gone"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DefaultMonitorInterval is how often the presence monitor checks the
// request file.
const DefaultMonitorInterval = 200 * time.Millisecond

// Prompter asks the operator about req and returns the line they typed.
// It must return promptly with ctx.Err() once ctx is canceled.
type Prompter interface {
	Prompt(ctx context.Context, req pin.Request) (string, error)
}

// Session services a single pending request.
type Session struct {
	Prompter Prompter

	// Reply sends the response datagram. Defaults to pin.Reply.
	Reply func(path string, resp pin.Response) error
	// MonitorInterval defaults to DefaultMonitorInterval.
	MonitorInterval time.Duration
}

var (
	errAnswered = errors.New("operator answered")
	errGone     = errors.New("request withdrawn")
)

// Decide maps an operator's input line to a response. Empty input and "q"
// cancel; anything else approves with the trimmed input as the code.
func Decide(input string) pin.Response {
	line := strings.TrimSpace(input)
	if line == "" || strings.EqualFold(line, "q") {
		return pin.Cancelled()
	}
	return pin.Approved(line)
}

// Run prompts for p until the operator answers or the request disappears,
// whichever happens first. Both activities have finished when Run returns.
// A reply is sent only if the prompt won.
func (s *Session) Run(ctx context.Context, p *pin.Pending) (Outcome, error) {
	reply := s.Reply
	if reply == nil {
		reply = pin.Reply
	}
	interval := s.MonitorInterval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	var input string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		line, err := s.Prompter.Prompt(gctx, p.Request)
		if err != nil {
			return err
		}
		input = line
		return errAnswered
	})
	g.Go(func() error {
		return monitor(gctx, p.RequestPath, interval)
	})

	switch err := g.Wait(); {
	case errors.Is(err, errGone):
		log.Info("PIN request withdrawn", "token", p.Token)
		return Gone, nil
	case errors.Is(err, errAnswered):
	default:
		return 0, err
	}

	resp := Decide(input)
	if err := reply(p.ResponsePath, resp); err != nil {
		if !requestExists(p.RequestPath) {
			log.Info("PIN request withdrawn before reply", "token", p.Token, "error", err)
			return Gone, nil
		}
		return 0, fmt.Errorf("replying to %s: %w", p.Token, err)
	}

	if resp.Result == pin.ResultCancelled {
		log.Info("PIN request cancelled by operator", "token", p.Token)
		return Cancelled, nil
	}
	log.Info("PIN request approved", "token", p.Token)
	return Approved, nil
}

// monitor returns errGone once path no longer exists, or nil when ctx ends.
func monitor(ctx context.Context, path string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !requestExists(path) {
			return errGone
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func requestExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
