// file.go -- per-context registry of open file handles

package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileMode says how a file handle opens its file. The JSON form is one of
// {"mode":"create","new":bool,"overwrite":bool},
// {"mode":"write","overwrite":bool} or {"mode":"read"}.
type FileMode struct {
	Mode      string `json:"mode"`
	New       bool   `json:"new,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// file modes
const (
	modeCreate = "create"
	modeWrite  = "write"
	modeRead   = "read"
)

// ModeCreateNew creates the file; it must not exist.
func ModeCreateNew() FileMode {
	return FileMode{Mode: modeCreate, New: true}
}

// ModeCreateOrOpen creates the file or appends to it.
func ModeCreateOrOpen() FileMode {
	return FileMode{Mode: modeCreate}
}

// ModeAppend appends to an existing file.
func ModeAppend() FileMode {
	return FileMode{Mode: modeWrite}
}

// ModeOverwrite truncates an existing file.
func ModeOverwrite() FileMode {
	return FileMode{Mode: modeWrite, Overwrite: true}
}

// ModeRead opens an existing file for reading.
func ModeRead() FileMode {
	return FileMode{Mode: modeRead}
}

// flags maps the mode to open(2) flags.
func (m FileMode) flags() (int, error) {
	switch m.Mode {
	case modeCreate:
		switch {
		case m.Overwrite:
			return os.O_CREATE | os.O_TRUNC | os.O_WRONLY, nil
		case m.New:
			return os.O_CREATE | os.O_EXCL | os.O_WRONLY, nil
		}
		return os.O_CREATE | os.O_APPEND | os.O_WRONLY, nil
	case modeWrite:
		if m.Overwrite {
			return os.O_TRUNC | os.O_WRONLY, nil
		}
		return os.O_APPEND | os.O_WRONLY, nil
	case modeRead:
		return os.O_RDONLY, nil
	}
	return 0, fmt.Errorf("unknown file mode %q", m.Mode)
}

func (m FileMode) creates() bool {
	return m.Mode == modeCreate
}

func (m FileMode) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// fileState is one open file. mu is held for the duration of one read or
// write.
type fileState struct {
	id   uuid.UUID
	path string
	mode FileMode

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// FileHandle is a descriptor of an open file.
type FileHandle struct {
	ctx  Context
	id   uuid.UUID
	path string
}

// FileHandleInfo describes a file handle.
type FileHandleInfo struct {
	ID   string   `json:"id"`
	Path string   `json:"path"`
	Mode FileMode `json:"mode"`
}

// OpenFile opens rel with mode and registers a new handle for it. Modes
// that create the file also create missing parent directories.
func (c Context) OpenFile(rel string, mode FileMode) (FileHandle, error) {
	cs, err := c.state()
	if err != nil {
		return FileHandle{}, err
	}
	abs, err := resolve(cs.root, rel)
	if err != nil {
		return FileHandle{}, err
	}
	flags, err := mode.flags()
	if err != nil {
		return FileHandle{}, errOpenFileHandle(rel, c.name, err.Error(), err)
	}

	cs.fileMu.Lock()
	defer cs.fileMu.Unlock()

	if cs.closed {
		return FileHandle{}, errUnknownContext(c.name)
	}
	if mode.creates() {
		if err := os.MkdirAll(filepath.Dir(abs), c.m.cfg.DirMode); err != nil {
			return FileHandle{}, errOpenFileHandle(rel, c.name, err.Error(), err)
		}
	}

	f, err := os.OpenFile(abs, flags, c.m.cfg.FileMode)
	if err != nil {
		return FileHandle{}, errOpenFileHandle(rel, c.name, err.Error(), err)
	}

	id := uuid.New()
	cs.files[id] = &fileState{
		id:   id,
		path: rel,
		mode: mode,
		f:    f,
	}
	c.m.log.Debug("file opened", zap.String("context", c.name),
		zap.String("path", rel), zap.Stringer("mode", mode), zap.String("id", id.String()))
	return FileHandle{ctx: c, id: id, path: rel}, nil
}

// File returns the open file handle id.
func (c Context) File(id uuid.UUID) (FileHandle, error) {
	cs, err := c.state()
	if err != nil {
		return FileHandle{}, err
	}
	fs, err := cs.file(id)
	if err != nil {
		return FileHandle{}, err
	}
	return FileHandle{ctx: c, id: id, path: fs.path}, nil
}

// CloseFile closes the file handle id.
func (c Context) CloseFile(id uuid.UUID) error {
	cs, err := c.state()
	if err != nil {
		return err
	}

	cs.fileMu.Lock()
	fs, ok := cs.files[id]
	if ok {
		delete(cs.files, id)
	}
	cs.fileMu.Unlock()

	if !ok {
		return errUnknownFileHandle(id.String())
	}
	return c.m.closeFile(cs, fs)
}

// closeFile waits for in-flight I/O and closes the descriptor.
func (m *Manager) closeFile(cs *contextState, fs *fileState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true

	if err := fs.f.Close(); err != nil {
		m.log.Warn("file close", zap.String("context", cs.name),
			zap.String("path", fs.path), zap.Error(err))
		return errIO(err)
	}
	m.log.Debug("file closed", zap.String("context", cs.name), zap.String("path", fs.path))
	return nil
}

func (cs *contextState) file(id uuid.UUID) (*fileState, error) {
	cs.fileMu.Lock()
	defer cs.fileMu.Unlock()

	fs, ok := cs.files[id]
	if !ok {
		return nil, errUnknownFileHandle(id.String())
	}
	return fs, nil
}

// ID returns the handle id.
func (h FileHandle) ID() uuid.UUID {
	return h.id
}

// Path returns the file path relative to the context root.
func (h FileHandle) Path() string {
	return h.path
}

// Context returns the owning context.
func (h FileHandle) Context() Context {
	return h.ctx
}

// AbsolutePath resolves the file path inside the context root.
func (h FileHandle) AbsolutePath() (string, error) {
	return h.ctx.AbsolutePath(h.path)
}

// Mode returns the mode the file was opened with.
func (h FileHandle) Mode() (FileMode, error) {
	var m FileMode
	err := h.with(func(fs *fileState) error {
		m = fs.mode
		return nil
	})
	return m, err
}

// Info returns the identity and mode of the handle.
func (h FileHandle) Info() (FileHandleInfo, error) {
	m, err := h.Mode()
	if err != nil {
		return FileHandleInfo{}, err
	}
	return FileHandleInfo{ID: h.id.String(), Path: h.path, Mode: m}, nil
}

// Close closes the file.
func (h FileHandle) Close() error {
	return h.ctx.CloseFile(h.id)
}

// with runs fn holding the file's lock.
func (h FileHandle) with(fn func(fs *fileState) error) error {
	cs, err := h.ctx.state()
	if err != nil {
		return err
	}
	fs, err := cs.file(h.id)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return errUnknownFileHandle(h.id.String())
	}
	return fn(fs)
}

// WriteBytes writes b in full.
func (h FileHandle) WriteBytes(b []byte) error {
	return h.with(func(fs *fileState) error {
		if _, err := fs.f.Write(b); err != nil {
			return errIO(err)
		}
		return nil
	})
}

// WriteText writes s in full.
func (h FileHandle) WriteText(s string) error {
	return h.WriteBytes([]byte(s))
}

// ReadBytes reads at most n bytes with a single read; fewer bytes are
// returned when fewer are available. A negative n reads to the end of
// the file.
func (h FileHandle) ReadBytes(n int) ([]byte, error) {
	var out []byte
	err := h.with(func(fs *fileState) error {
		if n < 0 {
			b, err := io.ReadAll(fs.f)
			if err != nil {
				return errIO(err)
			}
			out = b
			return nil
		}

		n, err := fs.bound(n)
		if err != nil {
			return errIO(err)
		}
		buf := make([]byte, n)
		m, err := fs.f.Read(buf)
		if err != nil && err != io.EOF {
			return errIO(err)
		}
		out = buf[:m]
		return nil
	})
	return out, err
}

// maxChunk bounds one read from a file whose size is unknown.
const maxChunk = 1 << 20

// bound clamps a read of n bytes to what is left of a regular file, or
// to maxChunk for anything else.
func (fs *fileState) bound(n int) (int, error) {
	fi, err := fs.f.Stat()
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return min(n, maxChunk), nil
	}

	off, err := fs.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	left := max(fi.Size()-off, 0)
	if int64(n) > left {
		return int(left), nil
	}
	return n, nil
}

// ReadText is ReadBytes for UTF-8 text.
func (h FileHandle) ReadText(n int) (string, error) {
	b, err := h.ReadBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &Error{Kind: KindStringEncodingError, Path: h.path, Reason: fmt.Sprintf("%d bytes", len(b))}
	}
	return string(b), nil
}
