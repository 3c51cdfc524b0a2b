//go:build windows

package fsutil

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"golang.org/x/sys/windows"
)

// Reparse tag and control code for an NTFS junction (mount point), per
// the Windows IFS kit's REPARSE_DATA_BUFFER definition. golang.org/x/sys
// does not export these, so they're declared locally the way the
// teacher's own internal/syscall package declares Windows constants the
// stdlib doesn't expose (pkg/filesystem/internal/syscall/syscall_windows.go).
const (
	reparseTagMountPoint  = 0xA0000003
	fsctlSetReparsePoint  = 0x000900A4
	reparseDataHeaderSize = 8 // SubstituteNameOffset/Length + PrintNameOffset/Length
)

// LinkDirectory creates a link from target to a cached subtree at source,
// implemented as an NTFS directory junction (spec §4.5 step 8: "on Windows
// use a directory junction").
func LinkDirectory(source, target string) error {
	absSource, err := filepath.Abs(source)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.Mkdir(target, 0o777); err != nil {
		return err
	}
	if err := setJunction(target, absSource); err != nil {
		os.Remove(target)
		return err
	}
	return nil
}

// RemoveDirectoryLink removes a directory link without affecting its target.
// A junction is a reparse point attached to an otherwise-empty directory, so
// a plain directory removal does not touch whatever it points at.
func RemoveDirectoryLink(target string) error {
	return os.Remove(target)
}

// setJunction attaches a mount-point reparse point to the empty directory at
// linkPath so that it resolves to targetPath.
func setJunction(linkPath, targetPath string) error {
	buf, err := mountPointReparseBuffer(targetPath)
	if err != nil {
		return err
	}

	linkPathUTF16, err := windows.UTF16PtrFromString(linkPath)
	if err != nil {
		return err
	}
	handle, err := windows.CreateFile(
		linkPathUTF16,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OPEN_REPARSE_POINT|windows.FILE_FLAG_BACKUP_SEMANTICS,
		0,
	)
	if err != nil {
		return fmt.Errorf("open %s for reparse point creation: %w", linkPath, err)
	}
	defer windows.CloseHandle(handle)

	var bytesReturned uint32
	return windows.DeviceIoControl(
		handle,
		fsctlSetReparsePoint,
		&buf[0],
		uint32(len(buf)),
		nil,
		0,
		&bytesReturned,
		nil,
	)
}

// mountPointReparseBuffer builds the on-disk REPARSE_DATA_BUFFER payload for
// a mount-point (junction) reparse point targeting targetPath.
func mountPointReparseBuffer(targetPath string) ([]byte, error) {
	cleanTarget := strings.TrimRight(targetPath, `\`)
	substituteName := `\??\` + cleanTarget + `\`
	printName := cleanTarget + `\`

	substituteUTF16 := utf16.Encode([]rune(substituteName))
	printUTF16 := utf16.Encode([]rune(printName))

	pathBuffer := make([]uint16, 0, len(substituteUTF16)+1+len(printUTF16)+1)
	pathBuffer = append(pathBuffer, substituteUTF16...)
	pathBuffer = append(pathBuffer, 0)
	pathBuffer = append(pathBuffer, printUTF16...)
	pathBuffer = append(pathBuffer, 0)

	pathBytes := make([]byte, len(pathBuffer)*2)
	for i, c := range pathBuffer {
		binary.LittleEndian.PutUint16(pathBytes[i*2:], c)
	}

	substituteNameLength := uint16(len(substituteUTF16) * 2)
	printNameOffset := uint16((len(substituteUTF16) + 1) * 2)
	printNameLength := uint16(len(printUTF16) * 2)
	reparseDataLength := uint16(reparseDataHeaderSize + len(pathBytes))

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], reparseTagMountPoint)
	binary.LittleEndian.PutUint16(header[4:6], reparseDataLength)
	binary.LittleEndian.PutUint16(header[6:8], 0) // reserved
	binary.LittleEndian.PutUint16(header[8:10], 0)
	binary.LittleEndian.PutUint16(header[10:12], substituteNameLength)
	binary.LittleEndian.PutUint16(header[12:14], printNameOffset)
	binary.LittleEndian.PutUint16(header[14:16], printNameLength)

	return append(header, pathBytes...), nil
}
