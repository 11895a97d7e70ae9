package usecase

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRecordingDisabled is returned by lookups when no database is configured.
var ErrRecordingDisabled = errors.New("registration logging is disabled")

// InputError reports a request the relay cannot act on: missing fields or an
// undecodable image.
type InputError struct {
	Fields []string
	Err    error
}

func (e *InputError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("missing required field(s): %s", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "invalid input"
}

func (e *InputError) Unwrap() error { return e.Err }
