// Package credentials keeps each tenant's authentication material in its own
// directory below a common root. The files themselves are opaque: they are
// written and read by the messaging backend library.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DeviceFile is the device store the backend keeps in every tenant directory.
const DeviceFile = "session.db"

var ErrInvalidTenant = errors.New("invalid tenant id")

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidTenantID reports whether id is safe to use as a directory name.
func ValidTenantID(id string) bool {
	return tenantPattern.MatchString(id) && id != "." && id != ".."
}

type Store struct {
	fs   afero.Fs
	root string
	log  *zap.SugaredLogger
}

// NewStore creates the root directory if needed. A failure here is fatal for
// the caller: nothing can be persisted without it.
func NewStore(fs afero.Fs, root string, log *zap.SugaredLogger) (*Store, error) {
	if err := fs.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create auth root %s: %w", root, err)
	}
	return &Store{fs: fs, root: root, log: log}, nil
}

// Root returns the credential root directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the tenant's directory, creating it when absent.
func (s *Store) PathFor(tenantID string) (string, error) {
	if !ValidTenantID(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	dir := filepath.Join(s.root, tenantID)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create credential dir for %s: %w", tenantID, err)
	}
	return dir, nil
}

// HasCredentials reports whether the tenant has a non-empty device store.
func (s *Store) HasCredentials(tenantID string) bool {
	if !ValidTenantID(tenantID) {
		return false
	}
	fi, err := s.fs.Stat(filepath.Join(s.root, tenantID, DeviceFile))
	return err == nil && !fi.IsDir() && fi.Size() > 0
}

// Tenants lists tenant directories holding credentials, sorted by id.
func (s *Store) Tenants() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && s.HasCredentials(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Erase removes every file of the tenant's directory and then the directory.
// Individual failures are logged and skipped; Erase never fails the caller.
func (s *Store) Erase(tenantID string) {
	log := s.log.With("tenant", tenantID)
	if !ValidTenantID(tenantID) {
		log.Warnw("refusing to erase credentials", "err", ErrInvalidTenant)
		return
	}
	dir := filepath.Join(s.root, tenantID)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnw("list credential dir", "dir", dir, "err", err)
		}
		return
	}
	removed := 0
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := s.fs.RemoveAll(p); err != nil {
			log.Warnw("delete credential file", "file", p, "err", err)
			continue
		}
		removed++
	}
	if err := s.fs.Remove(dir); err != nil {
		log.Debugw("remove credential dir", "dir", dir, "err", err)
	}
	log.Infow("credentials erased", "files", removed)
}
