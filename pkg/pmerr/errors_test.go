package pmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want string
	}{
		{CodeNoSpace, "NoSpace"},
		{CodeOutOfRange, "OutOfRange"},
		{CodeInvalidState, "InvalidState"},
		{CodeConsistency, "ConsistencyViolation"},
		{CodeInvalidArgument, "InvalidArgument"},
		{CodeCorrupted, "Corrupted"},
		{ErrorCode(99), "Unknown(99)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.String())
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := AtOffset(CodeConsistency, "meta.Verify", 0x4000, "crc mismatch")
	wrapped := fmt.Errorf("check block: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConsistency))
	assert.False(t, errors.Is(wrapped, ErrNoSpace))
	assert.True(t, IsConsistency(wrapped))
	assert.Equal(t, CodeConsistency, CodeOf(wrapped))
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := AtOffset(CodeOutOfRange, "meta.HeaderByAddr", 0x10, "below data region")
	assert.Equal(t, "meta.HeaderByAddr: OutOfRange: below data region (offset: 0x10)", err.Error())

	cause := errors.New("mmap failed")
	w := Wrap(CodeNoSpace, "linix.extend", cause)
	assert.ErrorIs(t, w, cause)
	assert.Contains(t, w.Error(), "mmap failed")
}

func TestCodeOf_ForeignError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorCode(0), CodeOf(errors.New("plain")))
}
