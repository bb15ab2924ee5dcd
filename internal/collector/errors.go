package collector

import "fmt"

// QueryExecutionError is a driver-level failure while running a query.
// Message is always sanitized; Source names the database objects
// implicated so callers can log them without the raw driver text.
type QueryExecutionError struct {
	Message string
	Source  string
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("querying %s: %s", e.Source, e.Message)
}

// ConnectionError is a failed connection attempt. It carries only the
// sanitized message; the raw driver error never crosses this boundary.
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return e.Message
}
