package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "store unavailable")

	assert.Equal(t, "store unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestAppError_Predicates(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", NotFound("post not found"))

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.True(t, IsConflict(Conflict("state changed")))
	assert.True(t, IsValidation(ValidationField("platform", "unsupported")))
	assert.True(t, IsUnauthorized(fmt.Errorf("trigger: %w", ErrUnauthorized)))
	assert.True(t, IsTimeout(Wrapf(errors.New("x"), ErrCodeTimeout, "publish %s", "abc")))
	assert.Equal(t, ErrCodeInternal, GetCode(Internal("boom")))
	assert.Empty(t, GetCode(errors.New("plain")))
	assert.Equal(t, "platform", GetField(ValidationField("platform", "unsupported")))
}
