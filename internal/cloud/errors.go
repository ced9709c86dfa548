package cloud

import "fmt"

// NotFoundError indicates the remote resource does not exist.
type NotFoundError struct {
	Op, Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Op, e.Path)
}

// AlreadyExistsError indicates a conflicting create/rename/move target.
type AlreadyExistsError struct {
	Op, Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %s: already exists", e.Op, e.Path)
}

// ServerError wraps any non-semantic failure: bad HTTP status, transport
// error, or a protocol-level invariant violation (e.g. unexpected kind,
// empty CSRF token). It is the error kind the retry wrapper acts on.
type ServerError struct {
	Op  string
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

func newServerError(op string, err error) *ServerError {
	return &ServerError{Op: op, Err: err}
}
