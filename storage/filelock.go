package storage

// FileLock is the exported handle the engine holds across an open data
// file, wrapping the platform-specific advisory lock (§5: "an advisory OS
// file lock is taken on the data file during engine open to detect
// cross-process 'Shared' connections").
type FileLock struct {
	inner *fileLock
}

// LockDataFile acquires the advisory lock for path, or an error if another
// process already holds it.
func LockDataFile(path string) (*FileLock, error) {
	inner, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{inner: inner}, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.inner == nil {
		return nil
	}
	return l.inner.unlock()
}
