package stream

import "fmt"

type Code string

const (
	CodeNetwork Code = "NetworkError"
	// CodeParse is recovered by emitting a raw chunk and never surfaced.
	CodeParse Code = "ParseError"
	// CodeRemote marks an error line sent by the server.
	CodeRemote Code = "RemoteError"
)

// Error is a transport failure reported through onError.
type Error struct {
	Code    Code
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var ErrNetwork = &Error{Code: CodeNetwork}

func networkError(message string, err error) *Error {
	return &Error{Code: CodeNetwork, Message: message, Err: err}
}
