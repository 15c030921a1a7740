// Package kv is a thin, string-friendly façade over internal/lsm's
// Engine, for callers that want a plain key-value API without
// touching byte slices or the transaction machinery directly.
package kv

import (
	"errors"
	"fmt"

	"github.com/r2faye/tinylsm/internal/lsm"
)

var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned when the DB is closed.
	ErrClosed = errors.New("kv: db is closed")
)

// DB is a key-value database backed by an embedded LSM storage engine.
type DB struct {
	engine *lsm.Engine
}

// Open opens a database at the given path, creating it if it doesn't
// already exist.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: path cannot be empty")
	}
	e, err := lsm.Open(lsm.Options{DataDir: path})
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open database: %w", err)
	}
	return &DB{engine: e}, nil
}

// Close closes the database and releases all resources.
func (db *DB) Close() error {
	return db.engine.Close()
}

// Put stores a key-value pair, overwriting any existing value.
func (db *DB) Put(key, value string) error {
	if err := db.engine.Put([]byte(key), []byte(value)); err != nil {
		return translate(err)
	}
	return nil
}

// Get retrieves the value for key, returning ErrNotFound if it
// doesn't exist.
func (db *DB) Get(key string) (string, error) {
	val, found, err := db.engine.Get([]byte(key))
	if err != nil {
		return "", translate(err)
	}
	if !found {
		return "", ErrNotFound
	}
	return string(val), nil
}

// Delete removes key. Deleting a key that doesn't exist is not an
// error.
func (db *DB) Delete(key string) error {
	if err := db.engine.Delete([]byte(key)); err != nil {
		return translate(err)
	}
	return nil
}

// Txn is a multi-operation transaction over string keys and values.
type Txn struct {
	ctx *lsm.TxnContext
}

// Begin starts a new transaction at the given isolation level.
func (db *DB) Begin(isolation lsm.IsolationLevel) (*Txn, error) {
	ctx, err := db.engine.BeginTxn(isolation)
	if err != nil {
		return nil, translate(err)
	}
	return &Txn{ctx: ctx}, nil
}

func (t *Txn) Put(key, value string) error {
	return translate(t.ctx.Put([]byte(key), []byte(value)))
}

func (t *Txn) Remove(key string) error {
	return translate(t.ctx.Remove([]byte(key)))
}

func (t *Txn) Get(key string) (string, error) {
	v, found, err := t.ctx.Get([]byte(key))
	if err != nil {
		return "", translate(err)
	}
	if !found {
		return "", ErrNotFound
	}
	return string(v), nil
}

// Commit applies every buffered write and makes it durable and
// visible to other readers. forceSync controls whether the commit
// marker is fsynced before Commit returns.
func (t *Txn) Commit(forceSync bool) error {
	return translate(t.ctx.Commit(forceSync))
}

// Rollback discards every buffered write.
func (t *Txn) Rollback() error {
	return translate(t.ctx.Rollback())
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, lsm.ErrClosed) {
		return ErrClosed
	}
	return err
}
