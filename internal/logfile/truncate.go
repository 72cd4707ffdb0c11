package logfile

import (
	"fmt"
	"io"
	"os"
)

const (
	maxSize  = 1024 * 1024 // 1 MB
	keepSize = 32 * 1024   // 32 KB
)

// Truncate shrinks the log file when it exceeds maxSize, keeping only the
// last keepSize bytes so logs stay bounded across server restarts.
func Truncate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // no log yet
	}
	if info.Size() <= maxSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	seekPos := info.Size() - keepSize
	if seekPos < 0 {
		seekPos = 0
	}
	if _, err := f.Seek(seekPos, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek log file: %w", err)
	}

	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read log tail: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreate log file: %w", err)
	}
	defer out.Close()

	if _, err := fmt.Fprintf(out, "=== log truncated, kept last %d bytes ===\n", len(tail)); err != nil {
		return fmt.Errorf("write truncation marker: %w", err)
	}
	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("write log tail: %w", err)
	}

	return nil
}
