package storage

import "errors"

var (
	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrDatabaseClosed is returned when the store was closed
	ErrDatabaseClosed = errors.New("database is closed")
)
