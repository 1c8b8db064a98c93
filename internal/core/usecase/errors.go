package usecase

import "errors"

// ErrStorage marks repository faults inside the worker loop. They end the
// current Run; an external supervisor is expected to restart the process.
var ErrStorage = errors.New("storage fault")

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() error { return e.err }

func (e *storageError) Is(target error) bool { return target == ErrStorage }

func storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storageError{op: op, err: err}
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "handler panic: " + fmtAny(e.Value)
}
