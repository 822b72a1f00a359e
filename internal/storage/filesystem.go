package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// LinkOrCopyFile places the content of src at dst, preferring a hard link
// over a byte copy so deduplicated payloads share disk blocks. An existing
// destination is removed first: writing through a destination that is itself
// a hard link would clobber every other name of that inode.
func LinkOrCopyFile(src string, dst string) error {
	if src == dst {
		return nil
	}

	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	// Linking fails across filesystems and on filesystems without
	// hard-link support; fall back to copying the bytes.
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dst, err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return dstFile.Close()
}

// MoveFile renames src to dst. When the two paths live on different
// filesystems the rename fails with EXDEV; in that case the content is
// copied into place and the source removed afterwards.
func MoveFile(src string, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || linkErr.Err != syscall.EXDEV {
		return err
	}

	if err := LinkOrCopyFile(src, dst); err != nil {
		return err
	}

	// The source may already be gone if something else cleaned it up.
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
