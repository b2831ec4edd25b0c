// errors.go -- typed errors of the resource manager

package persist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencoff/persist/docdb"
)

// Kind classifies an Error. The values are stable and are used as the
// "kind" field of the JSON form.
type Kind string

const (
	KindUnknown              Kind = "unknown"
	KindOpenContext          Kind = "open_context"
	KindOpenDatabase         Kind = "open_database"
	KindOpenFileHandle       Kind = "open_file_handle"
	KindUnknownContext       Kind = "unknown_context"
	KindUnknownDatabase      Kind = "unknown_database"
	KindUnknownFileHandle    Kind = "unknown_file_handle"
	KindUnknownTransaction   Kind = "unknown_transaction"
	KindInvalidPath          Kind = "invalid_path"
	KindNoAbsolutePaths      Kind = "no_absolute_paths"
	KindPathEscapesContext   Kind = "path_escapes_context"
	KindDatabaseError        Kind = "database_error"
	KindSerializationError   Kind = "serialization_error"
	KindDeserializationError Kind = "deserialization_error"
	KindIOError              Kind = "io_error"
	KindStringEncodingError  Kind = "string_encoding_error"
	KindFilesystemError      Kind = "filesystem_error"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrUnknown              = &Error{Kind: KindUnknown}
	ErrOpenContext          = &Error{Kind: KindOpenContext}
	ErrOpenDatabase         = &Error{Kind: KindOpenDatabase}
	ErrOpenFileHandle       = &Error{Kind: KindOpenFileHandle}
	ErrUnknownContext       = &Error{Kind: KindUnknownContext}
	ErrUnknownDatabase      = &Error{Kind: KindUnknownDatabase}
	ErrUnknownFileHandle    = &Error{Kind: KindUnknownFileHandle}
	ErrUnknownTransaction   = &Error{Kind: KindUnknownTransaction}
	ErrInvalidPath          = &Error{Kind: KindInvalidPath}
	ErrNoAbsolutePaths      = &Error{Kind: KindNoAbsolutePaths}
	ErrPathEscapesContext   = &Error{Kind: KindPathEscapesContext}
	ErrDatabase             = &Error{Kind: KindDatabaseError}
	ErrSerialization        = &Error{Kind: KindSerializationError}
	ErrDeserialization      = &Error{Kind: KindDeserializationError}
	ErrIO                   = &Error{Kind: KindIOError}
	ErrStringEncoding       = &Error{Kind: KindStringEncodingError}
	ErrFilesystem           = &Error{Kind: KindFilesystemError}
)

// Error is the single error type returned by this package. Only the
// fields relevant to Kind are set.
type Error struct {
	Kind Kind

	// Name is the context, database alias, file handle or transaction id
	// the error is about.
	Name string

	// Context is the owning context of a database or file handle.
	Context string

	Path string

	// Operation names the failed filesystem operation, e.g.
	// "REMOVE_DIRECTORY".
	Operation string

	Reason string

	// Err is the underlying engine or OS error, if any.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindOpenContext:
		return fmt.Sprintf("failed to open context %s at %s: %s", e.Name, e.Path, e.Reason)
	case KindOpenDatabase:
		return fmt.Sprintf("failed to open database %s in context %s at %s: %s", e.Name, e.Context, e.Path, e.Reason)
	case KindOpenFileHandle:
		return fmt.Sprintf("failed to open %s in %s: %s", e.Path, e.Context, e.Reason)
	case KindUnknownContext:
		return fmt.Sprintf("context %s has not been initialized", e.Name)
	case KindUnknownDatabase:
		return fmt.Sprintf("database %s has not been opened", e.Name)
	case KindUnknownFileHandle:
		return fmt.Sprintf("file handle %s does not exist", e.Name)
	case KindUnknownTransaction:
		return fmt.Sprintf("unknown transaction %s in current database", e.Name)
	case KindInvalidPath:
		return fmt.Sprintf("invalid path: %s", e.Path)
	case KindNoAbsolutePaths:
		return fmt.Sprintf("cannot use an absolute path in this context: %s", e.Path)
	case KindPathEscapesContext:
		return fmt.Sprintf("relative path escapes root path of this context: %s", e.Path)
	case KindFilesystemError:
		return fmt.Sprintf("filesystem error in %s: %s", e.Operation, e.Reason)
	case KindStringEncodingError:
		return fmt.Sprintf("text is not valid utf-8 (%s)", e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a sentinel: a target that carries only a Kind matches every
// error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Name != "" || t.Path != "" || t.Reason != "" {
		return false
	}
	return t.Kind == e.Kind
}

// MarshalJSON emits {kind, reason, ...} with the fields of the kind.
func (e *Error) MarshalJSON() ([]byte, error) {
	m := map[string]string{
		"kind":   string(e.Kind),
		"reason": e.Error(),
	}
	if e.Name != "" {
		m["name"] = e.Name
	}
	if e.Context != "" {
		m["context"] = e.Context
	}
	if e.Path != "" {
		m["path"] = e.Path
	}
	if e.Operation != "" {
		m["operation"] = e.Operation
		m["reason"] = e.Reason
	}
	return json.Marshal(m)
}

var _ error = &Error{}

func errOpenContext(name, path, reason string, err error) error {
	return &Error{Kind: KindOpenContext, Name: name, Path: path, Reason: reason, Err: err}
}

func errOpenDatabase(name, ctx, path, reason string, err error) error {
	return &Error{Kind: KindOpenDatabase, Name: name, Context: ctx, Path: path, Reason: reason, Err: err}
}

func errOpenFileHandle(path, ctx, reason string, err error) error {
	return &Error{Kind: KindOpenFileHandle, Context: ctx, Path: path, Reason: reason, Err: err}
}

func errUnknownContext(name string) error {
	return &Error{Kind: KindUnknownContext, Name: name}
}

func errUnknownDatabase(name string) error {
	return &Error{Kind: KindUnknownDatabase, Name: name}
}

func errUnknownFileHandle(id string) error {
	return &Error{Kind: KindUnknownFileHandle, Name: id}
}

func errUnknownTransaction(id string) error {
	return &Error{Kind: KindUnknownTransaction, Name: id}
}

func errInvalidPath(path string, err error) error {
	return &Error{Kind: KindInvalidPath, Path: path, Err: err}
}

func errFilesystem(op, reason string, err error) error {
	return &Error{Kind: KindFilesystemError, Operation: op, Reason: reason, Err: err}
}

func errIO(err error) error {
	return &Error{Kind: KindIOError, Reason: err.Error(), Err: err}
}

func errSerialization(err error) error {
	return &Error{Kind: KindSerializationError, Reason: err.Error(), Err: err}
}

func errDeserialization(err error) error {
	return &Error{Kind: KindDeserializationError, Reason: err.Error(), Err: err}
}

// errDatabase wraps an engine failure. A transaction that finished
// underneath the caller is reported as unknown.
func errDatabase(txid string, err error) error {
	if errors.Is(err, docdb.ErrTxDone) {
		return errUnknownTransaction(txid)
	}
	return &Error{Kind: KindDatabaseError, Reason: err.Error(), Err: err}
}
