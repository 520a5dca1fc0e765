// Package publish routes scheduled posts to the platform API that delivers them.
package publish

import (
	"errors"
	"fmt"

	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/domain/post"
)

// ErrUnsupportedPlatform is returned for posts whose platform has no publisher.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Error is a publish failure annotated with whether a later attempt may succeed.
type Error struct {
	Platform   model.Platform
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("publish %s: status %d: %v", e.Platform, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("publish %s: %v", e.Platform, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorClass names the failure for metrics.
func (e *Error) ErrorClass() string {
	if e.Retryable {
		return "publish_retryable"
	}
	return "publish_permanent"
}

// Permanent reports whether retrying cannot help.
func (e *Error) Permanent() bool { return !e.Retryable }

// Permanent wraps err as a failure that retrying will not fix.
func Permanent(platform model.Platform, err error) *Error {
	return &Error{Platform: platform, Err: err}
}

// Retryable wraps err as a transient failure.
func Retryable(platform model.Platform, err error) *Error {
	return &Error{Platform: platform, Retryable: true, Err: err}
}

// IsPermanent reports whether err is a publish failure marked non-retryable.
// Errors without classification are treated as transient.
func IsPermanent(err error) bool {
	return post.IsPermanent(err)
}
