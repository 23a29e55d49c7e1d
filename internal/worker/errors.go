package worker

import "fmt"

// ConnectionError is surfaced when connectToExchange exhausts MaxAttempts
// without a successful connection (spec §4.2, §7, scenario S6).
type ConnectionError struct {
	Addr  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("couldn't connect to exchange server at %s.", e.Addr)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
