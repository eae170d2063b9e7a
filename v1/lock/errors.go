package lock

import "fmt"

// OperationError reports a failed lock operation. Op is one of "construct",
// "destroy", "acquire", "release", "tryAcquire" or "isLocked"; Err is one of
// the sentinels in the errors package. A busy lock is never reported as an
// OperationError.
type OperationError struct {
	Op   string
	Lock string
	Err  error
}

func (e *OperationError) Error() string {
	if e.Lock == "" {
		return fmt.Sprintf("teleo: lock %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("teleo: lock %s %q: %v", e.Op, e.Lock, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
