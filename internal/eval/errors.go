package eval

import "fmt"

// InvocationError indicates that the external evaluator subprocess failed:
// nonzero exit, signal termination, timeout, or a malformed result payload.
// Always fatal for the run.
type InvocationError struct {
	Reason string
	Output string
	Err    error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("evaluator invocation failed: %s", e.Reason)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// TxError indicates an underlying store failure during the scheduling
// transaction. The transaction rolls back; state is unchanged.
type TxError struct {
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("scheduling transaction failed: %v", e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}
