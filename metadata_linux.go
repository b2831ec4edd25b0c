// metadata_linux.go -- statx based metadata

//go:build linux

package persist

import (
	"fmt"
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

func statPath(path string) (PathMetadata, error) {
	var st unix.Statx_t

	mask := unix.STATX_TYPE | unix.STATX_SIZE | unix.STATX_MTIME | unix.STATX_ATIME | unix.STATX_BTIME
	if err := unix.Statx(unix.AT_FDCWD, path, 0, mask, &st); err != nil {
		return PathMetadata{}, fmt.Errorf("statx %s: %w", path, err)
	}

	md := PathMetadata{
		FileType: statxType(uint32(st.Mode)),
		Size:     int64(st.Size),
	}
	if st.Mask&unix.STATX_MTIME != 0 {
		md.LastModified = statxTime(st.Mtime)
	}
	if st.Mask&unix.STATX_ATIME != 0 {
		md.LastAccessed = statxTime(st.Atime)
	}
	if st.Mask&unix.STATX_BTIME != 0 {
		md.Created = statxTime(st.Btime)
	}
	return md, nil
}

func statxType(mode uint32) string {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return fileType(fs.ModeDir)
	case unix.S_IFREG:
		return fileType(0)
	}
	return FileTypeOther
}

func statxTime(ts unix.StatxTimestamp) *time.Time {
	t := time.Unix(ts.Sec, int64(ts.Nsec))
	return &t
}
