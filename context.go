// context.go -- context descriptor and filesystem operations

package persist

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
)

// Context is a descriptor of a named, sandboxed root directory. It holds
// no live state; every call re-resolves the context by name.
type Context struct {
	m    *Manager
	name string
	path string
}

// ContextInfo describes a context.
type ContextInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Name returns the context name.
func (c Context) Name() string {
	return c.name
}

// Path returns the root path as given when the context was opened.
func (c Context) Path() string {
	return c.path
}

// Info returns the identity of the context.
func (c Context) Info() ContextInfo {
	return ContextInfo{Name: c.name, Path: c.path}
}

func (c Context) state() (*contextState, error) {
	if c.m == nil {
		return nil, errUnknownContext(c.name)
	}
	return c.m.state(c.name)
}

// Close forgets the context and releases everything it owns.
func (c Context) Close() error {
	if c.m == nil {
		return errUnknownContext(c.name)
	}
	return c.m.CloseContext(c.name)
}

// BasePath returns the canonical root directory.
func (c Context) BasePath() (string, error) {
	cs, err := c.state()
	if err != nil {
		return "", err
	}
	return cs.root, nil
}

// AbsolutePath resolves rel inside the context root.
func (c Context) AbsolutePath(rel string) (string, error) {
	cs, err := c.state()
	if err != nil {
		return "", err
	}
	return resolve(cs.root, rel)
}

// CreateDirectory creates rel; with parents set missing parents are
// created too.
func (c Context) CreateDirectory(rel string, parents bool) error {
	abs, err := c.AbsolutePath(rel)
	if err != nil {
		return err
	}

	mode := c.m.cfg.DirMode
	if parents {
		err = os.MkdirAll(abs, mode)
	} else {
		err = os.Mkdir(abs, mode)
	}
	if err != nil {
		return errFilesystem("CREATE_DIRECTORY", err.Error(), err)
	}
	return nil
}

// RemoveDirectory removes the directory rel and everything below it. The
// root itself cannot be removed.
func (c Context) RemoveDirectory(rel string) error {
	cs, err := c.state()
	if err != nil {
		return err
	}
	abs, err := resolve(cs.root, rel)
	if err != nil {
		return err
	}
	if abs == cs.root {
		return errFilesystem("REMOVE_DIRECTORY", "cannot remove the context root", nil)
	}

	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return errFilesystem("REMOVE_DIRECTORY", "specified path is not a directory or does not exist", err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return errFilesystem("REMOVE_DIRECTORY", err.Error(), err)
	}
	return nil
}

// RemoveFile removes the regular file rel.
func (c Context) RemoveFile(rel string) error {
	abs, err := c.AbsolutePath(rel)
	if err != nil {
		return err
	}

	fi, err := os.Stat(abs)
	if err != nil || !fi.Mode().IsRegular() {
		return errFilesystem("REMOVE_FILE", "specified path is not a file or does not exist", err)
	}
	if err := os.Remove(abs); err != nil {
		return errFilesystem("REMOVE_FILE", err.Error(), err)
	}
	return nil
}

// FileMetadata returns the type, size and times of rel.
func (c Context) FileMetadata(rel string) (PathMetadata, error) {
	abs, err := c.AbsolutePath(rel)
	if err != nil {
		return PathMetadata{}, err
	}

	md, err := statPath(abs)
	if err != nil {
		return PathMetadata{}, errFilesystem("FILE_METADATA", err.Error(), err)
	}
	return md, nil
}

// ListDirectory describes the entries of the directory rel, sorted by
// name.
func (c Context) ListDirectory(rel string) ([]PathInformation, error) {
	abs, err := c.AbsolutePath(rel)
	if err != nil {
		return nil, err
	}

	ents, err := os.ReadDir(abs)
	if err != nil {
		return nil, errFilesystem("LIST_DIRECTORY", err.Error(), err)
	}

	out := make([]PathInformation, 0, len(ents))
	for _, de := range ents {
		out = append(out, PathInformation{
			FileName:     de.Name(),
			AbsolutePath: filepath.Join(abs, de.Name()),
			MediaType:    mediaType(filepath.Join(abs, de.Name()), de),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FileName < out[j].FileName
	})
	return out, nil
}

// PathInformation describes one directory entry.
type PathInformation struct {
	FileName     string `json:"file_name"`
	AbsolutePath string `json:"absolute_path"`
	MediaType    string `json:"media_type"`
}

// mediaType guesses from the extension; symlinks are judged by their
// target.
func mediaType(path string, de fs.DirEntry) string {
	isDir := de.IsDir()
	if de.Type()&fs.ModeSymlink != 0 {
		if fi, err := os.Stat(path); err == nil {
			isDir = fi.IsDir()
		}
	}
	if isDir {
		return "inode/directory"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); len(t) > 0 {
		return t
	}
	return "application/octet-stream"
}

// lookupFile is like os.Stat but reports a missing file as a nil
// FileInfo.
func lookupFile(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return fi, err
}
