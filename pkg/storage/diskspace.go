package storage

import "math"

// MinFreeSpace is the safety reserve kept free on top of every requested
// write, so the OS and other applications keep functioning.
const MinFreeSpace uint64 = 100 * 1024 * 1024 // 100 MB

// SpaceInfo describes the disk backing a storage path.
type SpaceInfo struct {
	Path      string `json:"path"`
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
	Used      uint64 `json:"used"`
}

// AvailableMB returns the available space in whole megabytes, for display.
func (si SpaceInfo) AvailableMB() uint64 {
	return si.Available / (1024 * 1024)
}

// Guard is the sole authority on whether a write may proceed. Every store
// write path consults it first; skipping the check before a write is a
// defect.
type Guard interface {
	// CheckSpace returns nil when requiredBytes plus the reserve fits in
	// the free space at path, and an *InsufficientSpaceError otherwise.
	CheckSpace(path string, requiredBytes uint64) error

	// GetSpaceInfo is a pure query with no side effects.
	GetSpaceInfo(path string) (SpaceInfo, error)
}

// DiskGuard implements Guard against the real filesystem.
type DiskGuard struct {
	reserve uint64

	// statfn is swappable so threshold behavior is testable without
	// filling a disk.
	statfn func(path string) (available, total uint64, err error)
}

// NewDiskGuard returns a guard with the default 100 MB reserve.
func NewDiskGuard() *DiskGuard {
	return NewDiskGuardWithReserve(MinFreeSpace)
}

// NewDiskGuardWithReserve returns a guard with a custom reserve. A zero
// reserve disables the safety margin and is intended only for tests.
func NewDiskGuardWithReserve(reserve uint64) *DiskGuard {
	return &DiskGuard{reserve: reserve, statfn: diskSpace}
}

// CheckSpace enforces available >= required + reserve, using saturating
// arithmetic so very large or erroneous inputs cannot wrap around.
func (g *DiskGuard) CheckSpace(path string, requiredBytes uint64) error {
	available, _, err := g.statfn(path)
	if err != nil {
		return &FilesystemError{Op: "statfs", Path: path, Err: err}
	}

	needed := saturatingAdd(requiredBytes, g.reserve)
	if available < needed {
		return &InsufficientSpaceError{
			Path:      path,
			Available: available,
			Required:  needed,
		}
	}
	return nil
}

// GetSpaceInfo returns total, available, and used bytes for the disk
// backing path.
func (g *DiskGuard) GetSpaceInfo(path string) (SpaceInfo, error) {
	available, total, err := g.statfn(path)
	if err != nil {
		return SpaceInfo{}, &FilesystemError{Op: "statfs", Path: path, Err: err}
	}
	return SpaceInfo{
		Path:      path,
		Total:     total,
		Available: available,
		Used:      total - min(total, available),
	}, nil
}

func saturatingAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return math.MaxUint64
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if product := a * b; product/a == b {
		return product
	}
	return math.MaxUint64
}
