package usage

import (
	"errors"
	"fmt"
)

// SourceUnavailableError reports that a remote source (usage API, weight
// endpoint, start-date endpoint) could not be reached or answered with
// garbage. It is tick-scoped: the scheduler logs it and retries on the next
// tick, keeping the previously published snapshot in place.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// IsSourceUnavailable reports whether err is a SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var sErr *SourceUnavailableError
	return errors.As(err, &sErr)
}
