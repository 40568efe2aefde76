package db

import "errors"

// ErrNotFound is returned when a lookup matches no row: unknown communication
// id, unknown external message id on a webhook update, unknown audit trail.
// Callers test with errors.Is.
var ErrNotFound = errors.New("record not found")
