package lifecycle

import "fmt"

// Process exit codes.
const (
	ExitUnexpected  = 0
	ExitBind        = 10
	ExitEventLoop   = 11
	ExitSignal      = 12
	ExitTransport   = 13
	ExitSetupHook   = 14
	ExitFreeze      = 15
	ExitPNN         = 16
	ExitConsistency = 17
)

// ExitError is returned by Run when startup failed fatally. The exit
// function has already been called with Code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }
