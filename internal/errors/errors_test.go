package errors_test

import (
	stderrors "errors"
	"testing"

	"codeberg.org/mutker/probemon/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestHasCodeWalksChain(t *testing.T) {
	root := stderrors.New("socket closed")
	inner := errors.Wrap(errors.ErrTimeout, root)
	outer := errors.Wrap(errors.ErrOperationFailed, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.True(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(outer, errors.ErrInternal))
	assert.True(t, errors.Is(outer, root))
	assert.Equal(t, errors.ErrOperationFailed, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(root))
}

func TestErrorMessage(t *testing.T) {
	err := errors.New().New(errors.ErrTimeout)
	assert.Equal(t, "Operation timed out", err.Error())

	err = errors.New().WithData(errors.ErrInvalidArgument, "fan index out of range")
	assert.Equal(t, "Invalid argument provided: fan index out of range", err.Error())

	err = errors.New().WithMessage(errors.ErrInternal, "boom")
	assert.Equal(t, "boom", err.Error())
}
