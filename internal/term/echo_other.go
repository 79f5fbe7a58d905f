//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package term

import (
	"errors"
	"os"
)

// EchoState holds the previous terminal state for restoration.
type EchoState struct{}

// DisableEcho is not supported on this platform.
func DisableEcho(f *os.File) (*EchoState, error) {
	return nil, errors.New("disabling echo is not supported on this platform")
}

// RestoreEcho is a no-op on this platform.
func RestoreEcho(state *EchoState) error {
	return nil
}

// IsTerminal returns false on this platform.
func IsTerminal(f *os.File) bool {
	return false
}
