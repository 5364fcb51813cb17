package bootstrap

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listen creates the control socket at path following spec §6's
// filesystem convention: the listener is created under a per-pid
// temporary name, bind+listen succeed, then it is renamed atomically to
// path. A companion path+".LCK" file is flocked exclusively for the
// probe-then-rename window, guarding against a race with a peer server
// starting against the same path.
//
// Before binding, Listen dials the existing path: a successful connect
// means a live manager already owns it and Listen fails rather than
// displacing it (spec §8 scenario 5); a refused or missing socket is
// stale and is unlinked so the fresh bind can take its place.
func Listen(path string) (net.Listener, error) {
	lockPath := path + ".LCK"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open %s: %w", lockPath, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("bootstrap: flock %s: %w", lockPath, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	if conn, dialErr := net.Dial("unix", path); dialErr == nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap: control socket %s already has a live listener", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("bootstrap: remove stale %s: %w", path, err)
	}

	tmpPath := fmt.Sprintf("%s.%d", path, os.Getpid())
	_ = os.Remove(tmpPath)

	ln, err := net.Listen("unix", tmpPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: listen %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		ln.Close()
		return nil, fmt.Errorf("bootstrap: rename %s to %s: %w", tmpPath, path, err)
	}
	return ln, nil
}

// SocketPath returns the control socket path for a CPU subset, per spec
// §6's "fixed base name plus an optional subset identifier" rule.
func SocketPath(subsetID string) string {
	if subsetID == "" {
		return "/isol_server"
	}
	return "/isol_server_" + subsetID
}
