//go:build !windows

package blobcache

import (
	"os"
	"syscall"
)

// accessTime returns st_atime in UnixNano, used to rank startup-surviving
// entries oldest-access-first for eviction.
func accessTime(fi os.FileInfo) int64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Atim.Sec*1e9 + st.Atim.Nsec
	}
	return fi.ModTime().UnixNano()
}
