package portal

import "errors"

// ErrNotFound reports that the referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports missing or empty required input. The message
// is safe to return to the caller.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// StorageError wraps a blob store failure. Callers surface a generic
// message; the wrapped detail is for logs only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "blob " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError wraps a record store failure. Callers surface a
// generic message; the wrapped detail is for logs only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "record store " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
