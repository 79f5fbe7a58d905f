package signing

import (
	"errors"
	"fmt"
)

// ErrProfileNotFound is returned when the profile does not exist or the
// client is not allowed to use it. The two cases are not distinguished.
var ErrProfileNotFound = errors.New("signing profile not found")

// Error is a recognized signing failure. Its message is safe to show to the
// client and its Result is recorded on the log row.
type Error struct {
	Result  Result
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(result Result, format string, args ...any) *Error {
	return &Error{Result: result, Message: fmt.Sprintf(format, args...)}
}

// ResultOf maps an error returned by the orchestrator to the result it
// recorded.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Result
	}
	return ResultInternalError
}
