// metadata.go -- file type, size and timestamps

package persist

import (
	"io/fs"
	"time"
)

// PathMetadata describes a file or directory. Times a platform cannot
// report are nil.
type PathMetadata struct {
	FileType     string     `json:"file_type"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified"`
	LastAccessed *time.Time `json:"last_accessed"`
	Created      *time.Time `json:"created"`
}

// file types of PathMetadata
const (
	FileTypeDirectory = "directory"
	FileTypeFile      = "file"
	FileTypeOther     = "other"
)

func fileType(m fs.FileMode) string {
	switch {
	case m.IsDir():
		return FileTypeDirectory
	case m.IsRegular():
		return FileTypeFile
	}
	return FileTypeOther
}
