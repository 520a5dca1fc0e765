package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"
)

// classifier is implemented by errors that name their own metric class.
type classifier interface {
	ErrorClass() string
}

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Errors that implement ErrorClass() name themselves; otherwise the innermost
// concrete type is converted to snake_case-ish.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var c classifier
	if goerrors.As(err, &c) {
		if class := c.ErrorClass(); class != "" {
			return class
		}
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
