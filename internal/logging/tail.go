package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// DefaultTailBytes is how much of the log file the API returns.
const DefaultTailBytes = 10000

// Tail returns up to maxBytes from the end of the file at path. A missing file
// yields an empty string.
func Tail(path string, maxBytes int64) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-configured log path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log file: %w", err)
	}
	offset := info.Size() - maxBytes
	if offset < 0 || maxBytes <= 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek log file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read log file: %w", err)
	}
	return string(data), nil
}
