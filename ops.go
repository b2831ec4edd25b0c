// ops.go -- the operation surface keyed by specifiers

package persist

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ContextSpecifier names a context. With a Path the context is opened if
// needed; without one it must already be open.
type ContextSpecifier struct {
	Alias string `json:"alias"`
	Path  string `json:"path,omitempty"`
}

// DatabaseSpecifier names a database of a context, like ContextSpecifier.
type DatabaseSpecifier struct {
	Alias string `json:"alias"`
	Path  string `json:"path,omitempty"`
}

// FileHandleSpecifier names an open handle by ID, or opens a new one for
// Path with Mode.
type FileHandleSpecifier struct {
	ID   string    `json:"id,omitempty"`
	Path string    `json:"path,omitempty"`
	Mode *FileMode `json:"mode,omitempty"`
}

// CollectionSpecifier names a collection, optionally as seen by an open
// transaction.
type CollectionSpecifier struct {
	Name        string `json:"name"`
	Transaction string `json:"transaction,omitempty"`
}

// OperationCount selects between the one and many forms of updates and
// deletes.
type OperationCount string

const (
	One  OperationCount = "one"
	Many OperationCount = "many"
)

// UpdateInfo is the result of CollectionUpdateDocuments.
type UpdateInfo struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

func (m *Manager) context(cs ContextSpecifier) (Context, error) {
	if len(cs.Path) > 0 {
		return m.OpenContext(cs.Alias, cs.Path)
	}
	return m.Context(cs.Alias)
}

func (m *Manager) database(cs ContextSpecifier, ds DatabaseSpecifier) (Database, error) {
	c, err := m.context(cs)
	if err != nil {
		return Database{}, err
	}
	if len(ds.Path) > 0 {
		return c.OpenDatabase(ds.Alias, ds.Path)
	}
	return c.Database(ds.Alias)
}

func (m *Manager) fileHandle(cs ContextSpecifier, fs FileHandleSpecifier) (FileHandle, error) {
	c, err := m.context(cs)
	if err != nil {
		return FileHandle{}, err
	}
	if len(fs.ID) > 0 {
		id, err := uuid.Parse(fs.ID)
		if err != nil {
			return FileHandle{}, errUnknownFileHandle(fs.ID)
		}
		return c.File(id)
	}

	mode := ModeRead()
	if fs.Mode != nil {
		mode = *fs.Mode
	}
	return c.OpenFile(fs.Path, mode)
}

func (m *Manager) collection(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier) (Collection[Document], error) {
	db, err := m.database(cs, ds)
	if err != nil {
		return Collection[Document]{}, err
	}
	if len(col.Transaction) == 0 {
		return CollectionOf[Document](db, col.Name), nil
	}

	id, err := uuid.Parse(col.Transaction)
	if err != nil {
		return Collection[Document]{}, errUnknownTransaction(col.Transaction)
	}
	tx, err := db.Transaction(id)
	if err != nil {
		return Collection[Document]{}, err
	}
	return TransactionCollectionOf[Document](tx, col.Name), nil
}

func parseTxID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, errUnknownTransaction(id)
	}
	return u, nil
}

// ContextInfo opens or fetches a context and describes it.
func (m *Manager) ContextInfo(cs ContextSpecifier) (ContextInfo, error) {
	c, err := m.context(cs)
	if err != nil {
		return ContextInfo{}, err
	}
	return c.Info(), nil
}

// DatabaseInfo opens or fetches a database and describes it.
func (m *Manager) DatabaseInfo(cs ContextSpecifier, ds DatabaseSpecifier) (DatabaseInfo, error) {
	db, err := m.database(cs, ds)
	if err != nil {
		return DatabaseInfo{}, err
	}
	return db.Info(), nil
}

// FileHandleInfo opens or fetches a file handle and describes it.
func (m *Manager) FileHandleInfo(cs ContextSpecifier, fs FileHandleSpecifier) (FileHandleInfo, error) {
	h, err := m.fileHandle(cs, fs)
	if err != nil {
		return FileHandleInfo{}, err
	}
	return h.Info()
}

// DatabaseGetCollections returns the sorted collection names.
func (m *Manager) DatabaseGetCollections(cs ContextSpecifier, ds DatabaseSpecifier) ([]string, error) {
	db, err := m.database(cs, ds)
	if err != nil {
		return nil, err
	}
	return db.Collections()
}

// DatabaseClose closes the database and rolls back its open transactions.
func (m *Manager) DatabaseClose(cs ContextSpecifier, ds DatabaseSpecifier) error {
	db, err := m.database(cs, ds)
	if err != nil {
		return err
	}
	return db.Close()
}

// DatabaseStartTransaction returns the id of a new transaction.
func (m *Manager) DatabaseStartTransaction(cs ContextSpecifier, ds DatabaseSpecifier) (string, error) {
	db, err := m.database(cs, ds)
	if err != nil {
		return "", err
	}
	tx, err := db.StartTransaction()
	if err != nil {
		return "", err
	}
	return tx.ID().String(), nil
}

// DatabaseCommitTransaction applies and forgets transaction id.
func (m *Manager) DatabaseCommitTransaction(cs ContextSpecifier, ds DatabaseSpecifier, id string) error {
	db, err := m.database(cs, ds)
	if err != nil {
		return err
	}
	u, err := parseTxID(id)
	if err != nil {
		return err
	}
	return db.CommitTransaction(u)
}

// DatabaseRollbackTransaction discards and forgets transaction id.
func (m *Manager) DatabaseRollbackTransaction(cs ContextSpecifier, ds DatabaseSpecifier, id string) error {
	db, err := m.database(cs, ds)
	if err != nil {
		return err
	}
	u, err := parseTxID(id)
	if err != nil {
		return err
	}
	return db.RollbackTransaction(u)
}

// CollectionCountDocuments returns the number of documents.
func (m *Manager) CollectionCountDocuments(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier) (int64, error) {
	c, err := m.collection(cs, ds, col)
	if err != nil {
		return 0, err
	}
	return c.CountDocuments()
}

// CollectionUpdateDocuments updates one or every document matching filter.
func (m *Manager) CollectionUpdateDocuments(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier,
	filter, update Document, count OperationCount, upsert bool) (UpdateInfo, error) {

	c, err := m.collection(cs, ds, col)
	if err != nil {
		return UpdateInfo{}, err
	}

	opt := UpdateOptions{Upsert: upsert}
	var r UpdateResult
	if count == Many {
		r, err = c.UpdateMany(filter, update, opt)
	} else {
		r, err = c.UpdateOne(filter, update, opt)
	}
	if err != nil {
		return UpdateInfo{}, err
	}
	return UpdateInfo{Matched: r.Matched, Modified: r.Modified}, nil
}

// CollectionDeleteDocuments returns the number of deleted documents.
func (m *Manager) CollectionDeleteDocuments(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier,
	filter Document, count OperationCount) (int64, error) {

	c, err := m.collection(cs, ds, col)
	if err != nil {
		return 0, err
	}

	var r DeleteResult
	if count == Many {
		r, err = c.DeleteMany(filter)
	} else {
		r, err = c.DeleteOne(filter)
	}
	return r.Deleted, err
}

// CollectionCreateIndex adds an index to the collection.
func (m *Manager) CollectionCreateIndex(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier, idx IndexModel) error {
	c, err := m.collection(cs, ds, col)
	if err != nil {
		return err
	}
	return c.CreateIndex(idx)
}

// CollectionDropIndex removes the index called name.
func (m *Manager) CollectionDropIndex(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier, name string) error {
	c, err := m.collection(cs, ds, col)
	if err != nil {
		return err
	}
	return c.DropIndex(name)
}

// CollectionDrop removes the collection with its documents and indexes.
func (m *Manager) CollectionDrop(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier) error {
	c, err := m.collection(cs, ds, col)
	if err != nil {
		return err
	}
	return c.Drop()
}

// CollectionInsertDocuments maps each input position to the text form of
// the id it was stored under.
func (m *Manager) CollectionInsertDocuments(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier, docs []Document) (map[int]string, error) {
	c, err := m.collection(cs, ds, col)
	if err != nil {
		return nil, err
	}
	ids, err := c.InsertMany(docs)
	if err != nil {
		return nil, err
	}

	out := make(map[int]string, len(ids))
	for i, id := range ids {
		out[i] = IDString(id)
	}
	return out, nil
}

// CollectionFindManyDocuments returns the matching documents after sort, skip and limit.
func (m *Manager) CollectionFindManyDocuments(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier,
	filter Document, skip, limit *int64, sort bson.D) ([]Document, error) {

	c, err := m.collection(cs, ds, col)
	if err != nil {
		return nil, err
	}
	return c.Find(filter, FindOptions{Skip: skip, Limit: limit, Sort: sort})
}

// CollectionFindOneDocument returns nil when nothing matches.
func (m *Manager) CollectionFindOneDocument(cs ContextSpecifier, ds DatabaseSpecifier, col CollectionSpecifier, filter Document) (Document, error) {
	c, err := m.collection(cs, ds, col)
	if err != nil {
		return nil, err
	}
	d, err := c.FindOne(filter)
	if err != nil || d == nil {
		return nil, err
	}
	return *d, nil
}

// FileClose closes the file handle.
func (m *Manager) FileClose(cs ContextSpecifier, fs FileHandleSpecifier) error {
	h, err := m.fileHandle(cs, fs)
	if err != nil {
		return err
	}
	return h.Close()
}

// FileWriteText writes data as UTF-8.
func (m *Manager) FileWriteText(cs ContextSpecifier, fs FileHandleSpecifier, data string) error {
	h, err := m.fileHandle(cs, fs)
	if err != nil {
		return err
	}
	return h.WriteText(data)
}

// FileWriteBytes writes data.
func (m *Manager) FileWriteBytes(cs ContextSpecifier, fs FileHandleSpecifier, data []byte) error {
	h, err := m.fileHandle(cs, fs)
	if err != nil {
		return err
	}
	return h.WriteBytes(data)
}

// FileReadText reads at most *size bytes, or to the end when size is nil.
func (m *Manager) FileReadText(cs ContextSpecifier, fs FileHandleSpecifier, size *int) (string, error) {
	h, err := m.fileHandle(cs, fs)
	if err != nil {
		return "", err
	}
	return h.ReadText(readSize(size))
}

// FileReadBytes reads at most *size bytes, or to the end when size is
// nil.
func (m *Manager) FileReadBytes(cs ContextSpecifier, fs FileHandleSpecifier, size *int) ([]byte, error) {
	h, err := m.fileHandle(cs, fs)
	if err != nil {
		return nil, err
	}
	return h.ReadBytes(readSize(size))
}

func readSize(size *int) int {
	if size == nil || *size < 0 {
		return -1
	}
	return *size
}

// GetContextBasePath returns the canonical root of the context.
func (m *Manager) GetContextBasePath(cs ContextSpecifier) (string, error) {
	c, err := m.context(cs)
	if err != nil {
		return "", err
	}
	return c.BasePath()
}

// GetAbsolutePathTo resolves path against the context root.
func (m *Manager) GetAbsolutePathTo(cs ContextSpecifier, path string) (string, error) {
	c, err := m.context(cs)
	if err != nil {
		return "", err
	}
	return c.AbsolutePath(path)
}

// CreateDirectory creates path, with its parents when parents is set.
func (m *Manager) CreateDirectory(cs ContextSpecifier, path string, parents bool) error {
	c, err := m.context(cs)
	if err != nil {
		return err
	}
	return c.CreateDirectory(path, parents)
}

// RemoveDirectory removes the directory path and everything below it.
func (m *Manager) RemoveDirectory(cs ContextSpecifier, path string) error {
	c, err := m.context(cs)
	if err != nil {
		return err
	}
	return c.RemoveDirectory(path)
}

// RemoveFile removes the regular file path.
func (m *Manager) RemoveFile(cs ContextSpecifier, path string) error {
	c, err := m.context(cs)
	if err != nil {
		return err
	}
	return c.RemoveFile(path)
}

// FileMetadata describes the file or directory at path.
func (m *Manager) FileMetadata(cs ContextSpecifier, path string) (PathMetadata, error) {
	c, err := m.context(cs)
	if err != nil {
		return PathMetadata{}, err
	}
	return c.FileMetadata(path)
}

// ListDirectory describes the entries of the directory path, sorted by name.
func (m *Manager) ListDirectory(cs ContextSpecifier, path string) ([]PathInformation, error) {
	c, err := m.context(cs)
	if err != nil {
		return nil, err
	}
	return c.ListDirectory(path)
}

// IDString renders a document id as text: object ids as hex, strings
// as they are, anything else in its default format.
func IDString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	}
	return fmt.Sprint(id)
}
