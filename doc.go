// Package persist is a sandboxed, multi-tenant manager of embedded
// document databases and files.
//
// A Manager tracks named contexts. Each context is a root directory that
// owns the databases and file handles opened below it; no path handed to
// a context can resolve outside its root. Databases are docdb stores and
// support any number of concurrent transactions. Collections can be used
// directly or through a transaction with the same operations.
//
// Every descriptor returned by this package (Context, Database,
// Transaction, FileHandle, Collection) carries identity only and looks up
// the live resource on each call, so closing a resource is immediately
// visible to every holder of a descriptor.
package persist
