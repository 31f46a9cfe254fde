//go:build unix

package storage

import "golang.org/x/sys/unix"

// diskSpace queries the filesystem backing path via statfs. Available is
// f_bavail (space usable by unprivileged processes), not f_bfree.
func diskSpace(path string) (available, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	available = saturatingMul(uint64(st.Bavail), bsize)
	total = saturatingMul(uint64(st.Blocks), bsize)
	return available, total, nil
}
