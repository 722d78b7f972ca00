package errors

import "errors"

// Session-fatal errors. A session that hits one of these is aborted.
var (
	ErrConnection = errors.New("connection failed")
	ErrProtocol   = errors.New("protocol violation")
	ErrTransfer   = errors.New("transfer incomplete")
)

// Item-level errors. The session continues with the remaining diff items.
var (
	ErrFileNotFound       = errors.New("file not found")
	ErrFilesystemConflict = errors.New("filesystem conflict")
)

// Fatal reports whether err should abort the whole session.
func Fatal(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrTransfer)
}
