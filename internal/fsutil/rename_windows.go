//go:build windows

package fsutil

import (
	"os"

	"golang.org/x/sys/windows"
)

// isCrossDeviceError reports whether err is an os.Rename failure caused by
// the source and destination residing on different volumes.
func isCrossDeviceError(err error) bool {
	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return false
	}
	errno, ok := linkErr.Err.(windows.Errno)
	return ok && errno == windows.ERROR_NOT_SAME_DEVICE
}
