package memory

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a record id does not exist in the store.
var ErrNotFound = errors.New("memory: record not found")

// ErrDuplicateText is returned by Append when a live record of the same kind
// already holds the same normalized text.
var ErrDuplicateText = errors.New("memory: live record with identical text exists")

// CorruptionError reports unrecoverable storage damage. The append-only log
// is the durability anchor; operators rebuild the scope from a backup of it.
type CorruptionError struct {
	Scope string
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("memory: storage corrupted in scope %q: %v", e.Scope, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption reports whether err is, or wraps, a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// corruptMarkers are the SQLite messages for SQLITE_CORRUPT and SQLITE_NOTADB.
var corruptMarkers = []string{
	"database disk image is malformed",
	"file is not a database",
	"file is encrypted or is not a database",
	"SQLITE_CORRUPT",
	"SQLITE_NOTADB",
}

func isCorruptErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range corruptMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
