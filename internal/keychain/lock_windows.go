//go:build windows

package keychain

import "os"

// lockFile is a no-op on Windows, where Credential Manager is the primary
// backend and the file is rarely written.
func lockFile(_ *os.File) (unlock func(), err error) {
	return func() {}, nil
}
