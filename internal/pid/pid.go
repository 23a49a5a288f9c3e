// Package pid keeps one monitor per probe endpoint. The command server
// has no request ids, so two clients on one server would corrupt each
// other's exchanges.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/probemon/internal/errors"
)

const filePrefix = "probemon"

type Lock struct {
	path string
}

// Path returns the lock file used for host:port inside dir. An empty dir
// means os.TempDir().
func Path(dir, host string, port int) string {
	if dir == "" {
		dir = os.TempDir()
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, host)
	return filepath.Join(dir, filePrefix+"-"+safe+"-"+strconv.Itoa(port)+".pid")
}

// Acquire writes the current process ID to the endpoint's lock file. It
// fails with ErrAlreadyRunning while another live process holds it; a
// stale file is taken over.
func Acquire(dir, host string, port int) (*Lock, error) {
	errFactory := errors.New()
	path := Path(dir, host, port)

	if _, err := os.Stat(path); err == nil {
		// PID file exists, check if the process is running
		bytes, err := os.ReadFile(path)
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}

		if pid, err := strconv.Atoi(strings.TrimSpace(string(bytes))); err == nil && pid != os.Getpid() {
			if alive(pid) {
				return nil, errFactory.WithData(errors.ErrAlreadyRunning, struct {
					PID  int
					Path string
				}{pid, path})
			}
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	return &Lock{path: path}, nil
}

func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(l.path); err != nil {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

// alive probes pid with signal 0. EPERM still means the process exists.
func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
