package util

import "os"

// PrependBounded inserts v at the front of s, truncating to max entries.
// The histories, event lists, and completion logs all retain newest-first.
func PrependBounded[T any](s []T, v T, max int) []T {
	s = append([]T{v}, s...)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// WriteFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
