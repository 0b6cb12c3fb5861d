package quota

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownClass is returned for a class with no configured limits.
var ErrUnknownClass = errors.New("unknown quota class")

// QuotaTimeoutError is returned by Acquire when the caller waited longer
// than the tracker's maximum wait.
type QuotaTimeoutError struct {
	Class  Class
	Waited time.Duration
}

// Error implements the error interface.
func (e *QuotaTimeoutError) Error() string {
	return fmt.Sprintf("quota %s: no permit after waiting %s", e.Class, e.Waited)
}

// IsTimeout reports whether err is a QuotaTimeoutError.
func IsTimeout(err error) bool {
	var qe *QuotaTimeoutError
	return errors.As(err, &qe)
}
