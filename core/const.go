package core

import (
	"context"
	"errors"
	"os"
)

var AFS_BASE = os.Getenv("AFS_BASE")
var AFS_SECRET = os.Getenv("AFS_SECRET")
var AFS_CONFIG = os.Getenv("AFS_CONFIG")

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ERR_AUTH_FAILED   = Error("auth failed")
	ERR_NEED_LOGIN    = Error("need login")
	ERR_INCORRECT_PWD = Error("incorrect username or password")
	ERR_SESSION_BUSY  = Error("session already has an active transaction")

	ERR_INVALID_ARGS  = Error("invalid arguments")
	ERR_INVALID_PATH  = Error("invalid path")
	ERR_NOT_FOUND     = Error("no such file or directory")
	ERR_ALREADY_EXIST = Error("file already exists")

	ERR_OPEN_FILE  = Error("open file failed")
	ERR_READ_FILE  = Error("read file failed")
	ERR_WRITE_FILE = Error("write file failed")

	ERR_CHECKSUM_MISMATCH = Error("checksum mismatch")
	ERR_LOCK_TIMEOUT      = Error("lock timeout")
	ERR_STACK_CORRUPTED   = Error("rollback stack corrupted")

	ERR_OPEN_DB  = Error("open db failed")
	ERR_QUERY_DB = Error("query db failed")
	ERR_EXEC_DB  = Error("exec db failed")

	ERR_TX_UNKNOWN     = Error("unknown transaction")
	ERR_TX_EXISTS      = Error("transaction already exists")
	ERR_TX_BUSY        = Error("transaction is busy executing a previous action")
	ERR_TX_LIMIT       = Error("transaction count limit reached")
	ERR_TX_STATUS      = Error("unexpected transaction status")
	ERR_TX_DECIDED     = Error("transaction already decided to commit")
	ERR_TX_ACCESS      = Error("access denied to transaction")
	ERR_INVALID_KEY    = Error("invalid transaction coordinator or interactive session key")
	ERR_NO_PARTICIPANT = Error("unknown participant")
	ERR_UNREACHABLE    = Error("participant unreachable")
	ERR_SHUTTING_DOWN  = Error("server is shutting down")
	ERR_NO_WORKER      = Error("no worker available")
)

// RetriableError marks a transient failure: lock timeouts, transient I/O, an unreachable participant.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string {
	return e.Err.Error()
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

// Retriable wraps err so that IsRetriable reports true for it.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	var re *RetriableError
	if errors.As(err, &re) {
		return err
	}
	return &RetriableError{Err: err}
}

// IsRetriable tells transient failures from fatal ones (checksum mismatch, invalid arguments,
// unknown transaction, protocol violations).
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetriableError
	if errors.As(err, &re) {
		return true
	}
	switch {
	case errors.Is(err, ERR_LOCK_TIMEOUT),
		errors.Is(err, ERR_TX_BUSY),
		errors.Is(err, ERR_UNREACHABLE),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
