//go:build linux || darwin || freebsd || netbsd || openbsd

package term

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// EchoState holds the terminal state captured before echo was disabled.
type EchoState struct {
	fd       int
	oldState *term.State
}

// DisableEcho turns off input echo on f while keeping canonical line editing,
// so the operator can still correct a typo before pressing enter.
// The returned state must be passed to RestoreEcho.
func DisableEcho(f *os.File) (*EchoState, error) {
	fd := int(f.Fd())
	oldState, err := term.GetState(fd)
	if err != nil {
		return nil, fmt.Errorf("reading terminal state: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return nil, fmt.Errorf("reading termios: %w", err)
	}
	termios.Lflag &^= unix.ECHO
	termios.Lflag |= unix.ICANON | unix.ISIG
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, termios); err != nil {
		return nil, fmt.Errorf("disabling echo: %w", err)
	}
	return &EchoState{fd: fd, oldState: oldState}, nil
}

// RestoreEcho restores the terminal to the state captured by DisableEcho.
// A nil state is a no-op.
func RestoreEcho(state *EchoState) error {
	if state == nil || state.oldState == nil {
		return nil
	}
	return term.Restore(state.fd, state.oldState)
}

// IsTerminal returns true if the file is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
