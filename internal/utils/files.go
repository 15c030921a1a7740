package utils

import "os"

// CloseSynced fsyncs f before closing it, so a file is always flushed
// before its descriptor is released. Segment seal and SST build both
// rely on this so a rename-over-manifest never races ahead of the data
// it points to.
func CloseSynced(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Truncate shrinks the file at path to size bytes. Truncation is an
// optional recovery aid, not a correctness requirement: callers must
// tolerate a tail of partial bytes whether or not this ever runs (some
// platforms handle in-place truncation poorly), so a failure here is
// never fatal to the caller's recovery procedure.
func Truncate(path string, size int64) error {
	return os.Truncate(path, size)
}

// SyncDir fsyncs the directory entry at dir, best-effort. Used after a
// file create/rename inside dir so the new directory entry survives a
// crash even before the next explicit fsync of its contents. Some
// platforms (notably Windows) do not support opening a directory for
// fsync; WAL segment rotation ignores a non-nil error here, while the
// manifest save returns it.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
