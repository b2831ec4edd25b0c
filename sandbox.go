// sandbox.go -- confine relative paths to a context root

package persist

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// canonicalRoot returns the absolute, symlink free form of an existing
// directory.
func canonicalRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// resolve maps rel onto root and verifies the result stays inside root.
// root must be canonical. rel is walked one component at a time: ".."
// pops to the physical parent and symlinks are followed, so a link that
// points outside the root is caught. Components past the first missing
// one are applied lexically, which lets callers name files they are
// about to create.
func resolve(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &Error{Kind: KindNoAbsolutePaths, Path: rel}
	}

	cur := root
	missing := false
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		switch p {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, p)
		if missing {
			cur = next
			continue
		}

		fi, err := os.Lstat(next)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = true
			cur = next
			continue
		case err != nil:
			return "", errInvalidPath(rel, err)
		}

		if fi.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}

		target, err := filepath.EvalSymlinks(next)
		if err != nil {
			return "", errInvalidPath(rel, err)
		}
		cur = target
	}

	if !within(root, cur) {
		return "", &Error{Kind: KindPathEscapesContext, Path: rel}
	}
	return cur, nil
}

// within reports whether path is root or lies below it.
func within(root, path string) bool {
	if path == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
