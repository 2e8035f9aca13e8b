package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock serializes writers to one document, both within the process
// (mutex) and across processes (flock on a sibling .lock file).
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a new file lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock acquires an exclusive lock on the file.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return err
	}

	l.file = f
	return nil
}

// Unlock releases the lock. The lock file is kept for the next writer.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()

	l.file = nil
	l.mu.Unlock()

	return err
}

// Release unlocks and removes the lock file. Used once the document is gone.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	os.Remove(l.path + ".lock")
	return l.Unlock()
}
