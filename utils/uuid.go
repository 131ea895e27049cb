package utils

import "github.com/google/uuid"

// NewRequestID returns a random UUID used to correlate log lines of one dispatched call.
func NewRequestID() string {
	return uuid.NewString()
}
