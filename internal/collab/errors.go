package collab

import (
	"errors"
	"fmt"
)

// Join refusals and mid-flight failures surfaced to the transport layer,
// which maps them to error frames or close codes.
var (
	ErrRoomInactive = errors.New("room is not active")
	ErrRoomFull     = errors.New("room is full")
	ErrPermission   = errors.New("permission denied")
	ErrNotFound     = errors.New("not found")
)

// ValidationError marks a malformed message. The connection stays open.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure rather than a
// connection-fatal or internal one.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
