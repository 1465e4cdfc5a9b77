package core

import "errors"

// CODE_UNKNOWN is returned for errors outside the table below.
const CODE_UNKNOWN = 100

// wire codes, append only
var errCodes = []Error{
	ERR_AUTH_FAILED,
	ERR_NEED_LOGIN,
	ERR_INCORRECT_PWD,
	ERR_SESSION_BUSY,
	ERR_INVALID_ARGS,
	ERR_INVALID_PATH,
	ERR_NOT_FOUND,
	ERR_ALREADY_EXIST,
	ERR_OPEN_FILE,
	ERR_READ_FILE,
	ERR_WRITE_FILE,
	ERR_CHECKSUM_MISMATCH,
	ERR_LOCK_TIMEOUT,
	ERR_STACK_CORRUPTED,
	ERR_OPEN_DB,
	ERR_QUERY_DB,
	ERR_EXEC_DB,
	ERR_TX_UNKNOWN,
	ERR_TX_EXISTS,
	ERR_TX_BUSY,
	ERR_TX_LIMIT,
	ERR_TX_STATUS,
	ERR_TX_DECIDED,
	ERR_TX_ACCESS,
	ERR_INVALID_KEY,
	ERR_NO_PARTICIPANT,
	ERR_UNREACHABLE,
	ERR_SHUTTING_DOWN,
	ERR_NO_WORKER,
}

// ErrorCode maps err to its wire code, 0 for nil.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	for i, e := range errCodes {
		if errors.Is(err, e) {
			return CODE_UNKNOWN + 1 + i
		}
	}
	return CODE_UNKNOWN
}

// ErrorFromCode rebuilds an error received over the wire so that errors.Is and
// IsRetriable work on it as they did on the sender side.
func ErrorFromCode(code int, msg string, retriable bool) error {
	if code == 0 {
		return nil
	}
	var err error = Error(msg)
	if i := code - CODE_UNKNOWN - 1; i >= 0 && i < len(errCodes) {
		if msg == "" || msg == string(errCodes[i]) {
			err = errCodes[i]
		} else {
			err = &codedError{msg: msg, base: errCodes[i]}
		}
	}
	if retriable {
		return Retriable(err)
	}
	return err
}

type codedError struct {
	msg  string
	base Error
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Unwrap() error { return e.base }
