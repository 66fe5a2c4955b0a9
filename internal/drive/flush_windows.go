//go:build windows

package drive

import "golang.org/x/sys/windows"

// flushFilesystems has nothing to flush; loop mounts do not exist here
func flushFilesystems() error {
	return windows.ERROR_NOT_SUPPORTED
}
