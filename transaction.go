// transaction.go -- per-database set of open transactions

package persist

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencoff/persist/docdb"
)

// txState is one open transaction. mu serializes the units of work run
// against it.
type txState struct {
	mu sync.Mutex
	tx docdb.Tx
}

// Transaction is a descriptor of an open transaction.
type Transaction struct {
	db Database
	id uuid.UUID
}

// StartTransaction begins a transaction on the database.
func (d Database) StartTransaction() (Transaction, error) {
	id := uuid.New()
	err := d.with(func(s *dbState) error {
		tx, err := s.db.Begin()
		if err != nil {
			return errDatabase("", err)
		}

		s.txMu.Lock()
		s.txs[id] = &txState{tx: tx}
		s.txMu.Unlock()
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	d.ctx.m.log.Debug("transaction started", zap.String("database", d.alias),
		zap.String("transaction", id.String()))
	return Transaction{db: d, id: id}, nil
}

// Transaction returns the open transaction id.
func (d Database) Transaction(id uuid.UUID) (Transaction, error) {
	err := d.with(func(s *dbState) error {
		_, err := s.transaction(id)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{db: d, id: id}, nil
}

// CommitTransaction applies the changes of transaction id. The id is
// forgotten before the engine commits, so a second commit or rollback of
// the same id fails with an unknown transaction error.
func (d Database) CommitTransaction(id uuid.UUID) error {
	return d.finish(id, "committed", docdb.Tx.Commit)
}

// RollbackTransaction discards the changes of transaction id.
func (d Database) RollbackTransaction(id uuid.UUID) error {
	return d.finish(id, "rolled back", docdb.Tx.Rollback)
}

func (d Database) finish(id uuid.UUID, what string, fn func(docdb.Tx) error) error {
	return d.with(func(s *dbState) error {
		s.txMu.Lock()
		ts, ok := s.txs[id]
		if ok {
			delete(s.txs, id)
		}
		s.txMu.Unlock()

		if !ok {
			return errUnknownTransaction(id.String())
		}

		// wait for the unit of work in flight, if any
		ts.mu.Lock()
		defer ts.mu.Unlock()

		if err := fn(ts.tx); err != nil {
			return errDatabase(id.String(), err)
		}
		d.ctx.m.log.Debug("transaction "+what, zap.String("database", d.alias),
			zap.String("transaction", id.String()))
		return nil
	})
}

func (s *dbState) transaction(id uuid.UUID) (*txState, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	ts, ok := s.txs[id]
	if !ok {
		return nil, errUnknownTransaction(id.String())
	}
	return ts, nil
}

// ID returns the transaction id.
func (t Transaction) ID() uuid.UUID {
	return t.id
}

// Database returns the database the transaction belongs to.
func (t Transaction) Database() Database {
	return t.db
}

// Commit applies the changes of the transaction.
func (t Transaction) Commit() error {
	return t.db.CommitTransaction(t.id)
}

// Rollback discards the changes of the transaction.
func (t Transaction) Rollback() error {
	return t.db.RollbackTransaction(t.id)
}
