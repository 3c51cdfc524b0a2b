//go:build !windows

package fsutil

import (
	"os"
	"syscall"
)

// isCrossDeviceError reports whether err is an os.Rename failure caused by
// the source and destination residing on different devices.
func isCrossDeviceError(err error) bool {
	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return false
	}
	errno, ok := linkErr.Err.(syscall.Errno)
	return ok && errno == syscall.EXDEV
}
