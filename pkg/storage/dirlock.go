package storage

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Cross-process exclusivity comes from flock(2) on the lock file; the
// in-process registry catches a second Open of the same directory inside one
// process, where flock would silently succeed on a second descriptor.
var (
	openDirsMu sync.Mutex
	openDirs   = make(map[string]struct{})
)

type dirLock struct {
	path string
	file *os.File
}

func acquireDirLock(dir string) (*dirLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, ioErr("abs", dir, err)
	}

	openDirsMu.Lock()
	if _, busy := openDirs[abs]; busy {
		openDirsMu.Unlock()
		return nil, ErrResourceBusy
	}
	openDirs[abs] = struct{}{}
	openDirsMu.Unlock()

	release := func() {
		openDirsMu.Lock()
		delete(openDirs, abs)
		openDirsMu.Unlock()
	}

	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		release()
		return nil, ioErr("open", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		release()
		if err == unix.EWOULDBLOCK {
			return nil, ErrResourceBusy
		}
		return nil, ioErr("flock", path, err)
	}
	return &dirLock{path: abs, file: f}, nil
}

func (l *dirLock) release() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()

	openDirsMu.Lock()
	delete(openDirs, l.path)
	openDirsMu.Unlock()

	if err != nil {
		return ioErr("funlock", l.path, err)
	}
	return cerr
}
