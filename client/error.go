package client

import "fmt"

// ErrorFrame is a protocol-level error received from the driver side.
type ErrorFrame struct {
	StatusCode    int64
	StatusMessage string
	RequestID     string
}

func (e *ErrorFrame) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("peer error %d: %s", e.StatusCode, e.StatusMessage)
}
