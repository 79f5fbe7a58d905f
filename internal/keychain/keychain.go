// Package keychain stores client credentials for signing servers.
//
// Credentials are kept per server URL in the system keychain when one is
// available:
//   - macOS: Keychain
//   - Linux: Secret Service (GNOME keyring, KWallet)
//   - Windows: Credential Manager
//
// When the keychain cannot be used (headless hosts, CI, containers) they
// fall back to ~/.handtoken/credentials.yaml with 0600 permissions. The file
// backend refuses to read a file that other users can access.
package keychain

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// ServiceName is the keychain service identifier. HANDTOKEN_KEYRING_SERVICE
// overrides it so tests do not touch real entries.
const ServiceName = "handtoken"

func serviceName() string {
	if name := os.Getenv("HANDTOKEN_KEYRING_SERVICE"); name != "" {
		return name
	}
	return ServiceName
}

// ErrNotFound is returned when no credential is stored for a server.
var ErrNotFound = errors.New("no credential stored for server")

// ErrInsecurePermissions is returned when the credentials file can be read
// by other users.
var ErrInsecurePermissions = errors.New("credentials file has insecure permissions")

// Entry is a client's credential for one server.
type Entry struct {
	Server string `yaml:"-"`
	Client string `yaml:"client"`
	Secret string `yaml:"secret"`
}

// Backend stores entries keyed by server URL.
type Backend interface {
	Get(server string) (*Entry, error)
	Set(e Entry) error
	Delete(server string) error
	Name() string
}

// NormalizeServer canonicalizes a server URL for use as a key.
func NormalizeServer(server string) string {
	return strings.TrimRight(strings.TrimSpace(server), "/")
}

type keychainBackend struct{}

func (keychainBackend) Get(server string) (*Entry, error) {
	v, err := keyring.Get(serviceName(), server)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	client, secret, ok := strings.Cut(v, ":")
	if !ok {
		return nil, fmt.Errorf("keychain entry for %s is malformed", server)
	}
	return &Entry{Server: server, Client: client, Secret: secret}, nil
}

func (keychainBackend) Set(e Entry) error {
	if err := keyring.Set(serviceName(), e.Server, e.Client+":"+e.Secret); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

func (keychainBackend) Delete(server string) error {
	err := keyring.Delete(serviceName(), server)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

func (keychainBackend) Name() string { return "system keychain" }

// fileBackend keeps every server's entry in one YAML file.
type fileBackend struct {
	path string
}

func (f *fileBackend) load() (map[string]Entry, error) {
	info, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has permissions %04o (expected 0600).\n"+
			"  The secrets may have been exposed. Run chmod 600 %s and rotate them with\n"+
			"  handtoken client secret rotate <name>",
			ErrInsecurePermissions, f.path, perm, f.path)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	entries := map[string]Entry{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return entries, nil
}

// update rewrites the file under an exclusive lock.
func (f *fileBackend) update(fn func(map[string]Entry) error) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	lf, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer lf.Close()
	unlock, err := lockFile(lf)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	defer unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(entries); err != nil {
		return err
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *fileBackend) Get(server string) (*Entry, error) {
	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	e, ok := entries[server]
	if !ok {
		return nil, ErrNotFound
	}
	e.Server = server
	return &e, nil
}

func (f *fileBackend) Set(e Entry) error {
	return f.update(func(m map[string]Entry) error {
		m[e.Server] = e
		return nil
	})
}

func (f *fileBackend) Delete(server string) error {
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return ErrNotFound
	}
	return f.update(func(m map[string]Entry) error {
		if _, ok := m[server]; !ok {
			return ErrNotFound
		}
		delete(m, server)
		return nil
	})
}

func (f *fileBackend) Name() string { return "file (" + f.path + ")" }

// DefaultFilePath returns the fallback credentials file path.
func DefaultFilePath() (string, error) {
	name := "credentials.yaml"
	if svc := os.Getenv("HANDTOKEN_KEYRING_SERVICE"); svc != "" {
		name = svc + ".yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory for credential storage: %w", err)
	}
	return filepath.Join(home, ".handtoken", name), nil
}

// Store reads from the keychain first and the file second. Writes go to
// the keychain and fall back to the file only if the keychain fails.
type Store struct {
	primary  Backend
	fallback Backend
}

// New returns a Store using the system keychain and the default file.
func New() (*Store, error) {
	path, err := DefaultFilePath()
	if err != nil {
		return nil, err
	}
	return &Store{primary: keychainBackend{}, fallback: &fileBackend{path: path}}, nil
}

// Get returns the entry for server.
func (s *Store) Get(server string) (*Entry, error) {
	server = NormalizeServer(server)
	e, err := s.primary.Get(server)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		slog.Debug("keychain lookup failed, trying file", "error", err)
	}
	return s.fallback.Get(server)
}

// Set stores e and reports which backend took it.
func (s *Store) Set(e Entry) (string, error) {
	e.Server = NormalizeServer(e.Server)
	primaryErr := s.primary.Set(e)
	if primaryErr == nil {
		// A stale file entry would be shadowed anyway; drop it.
		if err := s.fallback.Delete(e.Server); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Debug("removing stale file credential", "error", err)
		}
		return s.primary.Name(), nil
	}
	slog.Info("system keychain unavailable, using file-based credential storage",
		"fallback", s.fallback.Name())
	if err := s.fallback.Set(e); err != nil {
		return "", fmt.Errorf("storing credential failed.\n"+
			"  Keychain (%s): %v\n"+
			"  File (%s): %v",
			s.primary.Name(), primaryErr, s.fallback.Name(), err)
	}
	return s.fallback.Name(), nil
}

// Delete removes server's entry from both backends. It returns ErrNotFound
// only if neither had one.
func (s *Store) Delete(server string) error {
	server = NormalizeServer(server)
	primaryErr := s.primary.Delete(server)
	fallbackErr := s.fallback.Delete(server)
	if primaryErr == nil || fallbackErr == nil {
		return nil
	}
	if errors.Is(primaryErr, ErrNotFound) && errors.Is(fallbackErr, ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("deleting credential: %w", errors.Join(
		fmt.Errorf("keychain: %w", primaryErr),
		fmt.Errorf("file: %w", fallbackErr),
	))
}
