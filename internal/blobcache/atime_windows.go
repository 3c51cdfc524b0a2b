//go:build windows

package blobcache

import "os"

// accessTime falls back to modification time on Windows, where exposing
// raw NTFS access-time semantics through os.FileInfo.Sys() is unreliable
// (and frequently disabled system-wide for performance).
func accessTime(fi os.FileInfo) int64 {
	return fi.ModTime().UnixNano()
}
