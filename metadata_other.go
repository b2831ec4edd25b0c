// metadata_other.go -- portable metadata

//go:build !linux

package persist

import (
	"os"
)

// Only the modification time is portable.
func statPath(path string) (PathMetadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return PathMetadata{}, err
	}

	mt := fi.ModTime()
	return PathMetadata{
		FileType:     fileType(fi.Mode()),
		Size:         fi.Size(),
		LastModified: &mt,
	}, nil
}
