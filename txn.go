package ixdb

import (
	"errors"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

type txnState int

const (
	stateActiveWrite txnState = iota
	stateActiveRead
	stateReadReset
	stateCommitted
	stateAborted
)

// Txn wraps a read-only or read-write transaction from the backing bbolt
// environment and exposes begin/commit/abort for both kinds, plus
// reset/renew for read transactions (ending the current MVCC snapshot and
// later taking a fresh one through the same Txn handle).
//
// Exactly one write Txn may be active per DB at a time; Begin(true) blocks
// until the current writer commits or aborts (bbolt enforces this
// directly). Read transactions may be arbitrarily concurrent with each
// other and with the one writer.
type Txn struct {
	db    *DB
	tx    *bolt.Tx
	write bool
	state txnState
	id    uuid.UUID

	dirtyOps int
}

// Begin starts a new transaction. write=true requests a read-write
// transaction and blocks until the process-wide writer slot is free.
func (db *DB) Begin(write bool) (*Txn, error) {
	db.mu.Lock()
	env := db.env
	db.mu.Unlock()
	if env == nil {
		return nil, newError("txn", CodeInvalidArg, "database is closed")
	}

	tx, err := env.Begin(write)
	if err != nil {
		return nil, translateErr("txn", err)
	}

	state := stateActiveRead
	if write {
		state = stateActiveWrite
	}
	t := &Txn{db: db, tx: tx, write: write, state: state, id: uuid.New()}
	db.logger.Debug().Str("txn", t.id.String()).Bool("write", write).Msg("ixdb: begin")
	return t, nil
}

// ID returns this transaction's correlation id, attached to the begin,
// commit and abort log lines and to the errors Txn itself reports
// (inactive or read-only transaction, MapFull, TxnFull). Errors from the
// tree and index layers do not carry it.
func (t *Txn) ID() uuid.UUID { return t.id }

// Writable reports whether this is a read-write transaction.
func (t *Txn) Writable() bool { return t.write }

// active reports whether the transaction can still accept operations.
func (t *Txn) active() bool {
	return t.state == stateActiveWrite || t.state == stateActiveRead
}

func (t *Txn) requireActive(lib string) error {
	if !t.active() {
		return newError(lib, CodeInvalidArg, "txn %s is not active (state=%d)", t.id, t.state)
	}
	return nil
}

func (t *Txn) requireWritable(lib string) error {
	if err := t.requireActive(lib); err != nil {
		return err
	}
	if !t.write {
		return newError(lib, CodeInvalidArg, "txn %s is read-only", t.id)
	}
	return nil
}

// checkMapFull approximates the backing store's "map exhausted" recoverable error.
// bbolt auto-grows its mmap with no fixed ceiling of its own; ixdb tracks
// one itself (Options.MapSize / DB.Resize) and refuses to commit a write
// transaction whose resulting size would exceed it.
func (t *Txn) checkMapFull() error {
	limit := t.db.opts.effectiveMapSize()
	if t.tx.Size() > limit {
		return newError("txn", CodeMapFull, "txn %s: size %d exceeds configured map size %d",
			t.id, t.tx.Size(), limit)
	}
	return nil
}

func (t *Txn) noteDirtyOp(lib string) error {
	t.dirtyOps++
	if t.dirtyOps > maxDirtyOps {
		return newError(lib, CodeTxnFull, "txn %s: exceeded %d writes in one transaction", t.id, maxDirtyOps)
	}
	return nil
}

// Commit commits the transaction. Durability depends on the database's
// NoSync setting (see DESIGN.md's sync-policy decision).
func (t *Txn) Commit() error {
	if err := t.requireActive("txn"); err != nil {
		return err
	}
	if t.write {
		if err := t.checkMapFull(); err != nil {
			t.tx.Rollback()
			t.state = stateAborted
			return err
		}
	}
	if err := t.tx.Commit(); err != nil {
		t.state = stateAborted
		return translateErr("txn", err)
	}
	t.state = stateCommitted
	t.db.logger.Debug().Str("txn", t.id.String()).Msg("ixdb: commit")
	return nil
}

// Abort aborts the transaction on any non-terminal state; terminal states
// are a no-op, matching bbolt's own idempotent Rollback.
func (t *Txn) Abort() error {
	if t.state == stateCommitted || t.state == stateAborted {
		return nil
	}
	var err error
	if t.tx != nil {
		err = t.tx.Rollback()
	}
	t.state = stateAborted
	t.db.logger.Debug().Str("txn", t.id.String()).Msg("ixdb: abort")
	if err != nil {
		return translateErr("txn", err)
	}
	return nil
}

// Reset releases a read transaction's MVCC snapshot by rolling back the
// underlying bbolt transaction; nothing of it is retained, and Renew later
// begins a new one for the same Txn handle. Reset on a write transaction
// is InvalidArg.
func (t *Txn) Reset() error {
	if t.write {
		return newError("txn", CodeInvalidArg, "reset is invalid on a write transaction")
	}
	if t.state != stateActiveRead {
		return newError("txn", CodeInvalidArg, "txn %s is not an active read transaction", t.id)
	}
	if err := t.tx.Rollback(); err != nil {
		return translateErr("txn", err)
	}
	t.tx = nil
	t.state = stateReadReset
	return nil
}

// Renew takes a fresh MVCC snapshot for a transaction previously Reset.
// Renew on a write transaction is InvalidArg.
func (t *Txn) Renew() error {
	if t.write {
		return newError("txn", CodeInvalidArg, "renew is invalid on a write transaction")
	}
	if t.state != stateReadReset {
		return newError("txn", CodeInvalidArg, "txn %s was not reset", t.id)
	}
	tx, err := t.db.env.Begin(false)
	if err != nil {
		return translateErr("txn", err)
	}
	t.tx = tx
	t.state = stateActiveRead
	return nil
}

// translateErr maps a backing-store error to ixdb's uniform Error taxonomy.
func translateErr(lib string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, bolt.ErrBucketNotFound):
		return wrapError(lib, CodeNotFound, err, "bucket not found")
	case errors.Is(err, bolt.ErrBucketExists):
		return wrapError(lib, CodeKeyExists, err, "bucket exists")
	case errors.Is(err, bolt.ErrKeyRequired), errors.Is(err, bolt.ErrBucketNameRequired):
		return wrapError(lib, CodeInvalidArg, err, "key required")
	case errors.Is(err, bolt.ErrKeyTooLarge), errors.Is(err, bolt.ErrValueTooLarge):
		return wrapError(lib, CodeInvalidArg, err, "key or value too large")
	case errors.Is(err, bolt.ErrIncompatibleValue):
		return wrapError(lib, CodeInvalidArg, err, "incompatible value")
	case errors.Is(err, bolt.ErrTxNotWritable):
		return wrapError(lib, CodeInvalidArg, err, "transaction is not writable")
	case errors.Is(err, bolt.ErrTxClosed):
		return wrapError(lib, CodeInvalidArg, err, "transaction is closed")
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return wrapError(lib, CodeGeneric, err, "database not open")
	case errors.Is(err, bolt.ErrTimeout):
		return wrapError(lib, CodeGeneric, err, "timed out acquiring file lock")
	default:
		return wrapError(lib, CodeGeneric, err, "backend error")
	}
}
