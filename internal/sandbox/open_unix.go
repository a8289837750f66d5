//go:build unix

package sandbox

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openNoFollow opens path read-only and fails with ELOOP if the final
// component is a symlink, closing the gap between resolution and open.
func openNoFollow(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

func isSymlinkLoop(err error) bool {
	return errors.Is(err, unix.ELOOP)
}

func isNotDir(err error) bool {
	return errors.Is(err, unix.ENOTDIR)
}
