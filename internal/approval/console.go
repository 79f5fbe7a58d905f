package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/muesli/cancelreader"

	"github.com/majorcontext/handtoken/internal/pin"
	"github.com/majorcontext/handtoken/internal/term"
	"github.com/majorcontext/handtoken/internal/ui"
)

// Console prompts on a terminal. Input is read without echo.
type Console struct {
	In  *os.File
	Out io.Writer
}

// NewConsole returns a Console on stdin and stdout.
func NewConsole() *Console {
	return &Console{In: os.Stdin, Out: os.Stdout}
}

// Prompt rings the bell, prints a summary of req and reads one masked line.
// A fresh cancellable reader is used per prompt, so an abandoned read never
// consumes input meant for the next request. Anything typed past the first
// line is discarded with the per-prompt buffer.
func (c *Console) Prompt(ctx context.Context, req pin.Request) (string, error) {
	fmt.Fprint(c.Out, "\a")
	fmt.Fprintf(c.Out, "User %s wants to sign a program.\n", ui.Bold(req.User))
	fmt.Fprintf(c.Out, "Selected certificate: %s.\n\n", ui.Bold(req.Certificate))
	fmt.Fprintf(c.Out, "This is the program description: %q\n\n", req.Description)
	fmt.Fprint(c.Out, "Enter the token password to continue. 'q + enter' to cancel.\n\n")

	r, err := cancelreader.NewReader(c.In)
	if err != nil {
		return "", fmt.Errorf("opening input: %w", err)
	}
	defer r.Close()

	if term.IsTerminal(c.In) {
		state, err := term.DisableEcho(c.In)
		if err != nil {
			return "", err
		}
		defer term.RestoreEcho(state)
	}

	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		done <- result{line, err}
	}()

	select {
	case res := <-done:
		fmt.Fprintln(c.Out)
		if res.err != nil {
			return "", fmt.Errorf("reading input: %w", res.err)
		}
		return res.line, nil
	case <-ctx.Done():
		r.Cancel()
		<-done
		return "", ctx.Err()
	}
}

// Handler adapts sessions to a pin.Watcher and prints the outcome of each.
type Handler struct {
	Session *Session
	Out     io.Writer
}

// Handle runs one session for p.
func (h *Handler) Handle(ctx context.Context, p *pin.Pending) error {
	outcome, err := h.Session.Run(ctx, p)
	if err != nil {
		return err
	}
	switch outcome {
	case Approved:
		fmt.Fprint(h.Out, ui.Green("Done"), "\n\n\n\n\n")
	case Cancelled:
		fmt.Fprint(h.Out, ui.Yellow("Cancelled"), "\n\n\n\n\n")
	case Gone:
		fmt.Fprint(h.Out, ui.Dim("Gone"), "\n\n\n\n\n")
	}
	return nil
}
