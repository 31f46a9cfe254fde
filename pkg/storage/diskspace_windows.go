//go:build windows

package storage

import "golang.org/x/sys/windows"

// diskSpace queries the volume backing path via GetDiskFreeSpaceEx.
// Available is the space usable by the calling user, which respects quotas.
func diskSpace(path string) (available, total uint64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var freeToCaller, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &totalBytes, &totalFree); err != nil {
		return 0, 0, err
	}
	return freeToCaller, totalBytes, nil
}
