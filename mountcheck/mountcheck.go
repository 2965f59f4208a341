// Package mountcheck validates a FUSE mount point before cfsd mounts onto
// it.
package mountcheck

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ValidateMountPoint checks that mountPoint exists, is a directory, and is
// empty, as FUSE requires.
func ValidateMountPoint(mountPoint string) error {
	if mountPoint == "" {
		return errors.New("mount point must be specified")
	}

	mpFile, err := os.Open(mountPoint)
	if err != nil {
		return fmt.Errorf("mount point %s cannot be opened: %w", mountPoint, err)
	}
	defer mpFile.Close()

	info, err := mpFile.Stat()
	if err != nil {
		return fmt.Errorf("mount point %s cannot be stat'd: %w", mountPoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", mountPoint)
	}

	_, err = mpFile.Readdirnames(1)
	if err == nil {
		return fmt.Errorf("mount point %s is not empty, FUSE requires an empty directory", mountPoint)
	}
	if err != io.EOF {
		return fmt.Errorf("checking if mount point %s is empty: %w", mountPoint, err)
	}
	return nil
}
