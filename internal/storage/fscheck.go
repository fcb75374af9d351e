package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NetworkFilesystemError reports a state database placed on a network mount,
// where SQLite file locking cannot be trusted.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("state database %q is on network filesystem %q; SQLite needs a local filesystem for locking, set state.path (or OC2GW_STATE_PATH) to a local file",
		e.Path, e.FSType)
}

// remoteFilesystems are mount types reported by statFilesystemType that
// SQLite cannot lock reliably.
var remoteFilesystems = map[string]bool{
	"9p":         true,
	"afpfs":      true,
	"afs":        true,
	"ceph":       true,
	"cifs":       true,
	"fuse.sshfs": true,
	"glusterfs":  true,
	"nfs":        true,
	"smb2":       true,
	"smbfs":      true,
	"webdav":     true,
}

// CheckFilesystem reports whether path can hold the gateway state database.
// ":memory:" always passes. A path that does not exist yet is judged by its
// nearest existing parent directory.
func CheckFilesystem(path string) error {
	return checkStateFilesystem(path, statFilesystemType)
}

func checkStateFilesystem(path string, fsType func(string) (string, error)) error {
	switch path {
	case "":
		return errors.New("state database path is empty")
	case ":memory:":
		return nil
	}

	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state database path %q: %w", path, err)
	}

	kind, err := fsType(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem of %q: %w", dir, err)
	}
	if isRemoteFilesystem(kind) {
		return &NetworkFilesystemError{Path: path, FSType: kind}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isRemoteFilesystem(kind string) bool {
	return remoteFilesystems[strings.ToLower(strings.TrimSpace(kind))]
}
