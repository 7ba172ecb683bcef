package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrTransferFailed, "connection reset")
	assert.Equal(t, "[TRANSFER_FAILED] connection reset", err.Error())

	cause := errors.New("read: connection reset by peer")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.ErrorIs(t, err, cause)
}

func TestError_Metadata(t *testing.T) {
	err := NewError(ErrStorageFull, "disk full").WithRetryable(false)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, ErrStorageFull, GetErrorCode(err))

	err = NewError(ErrTransferFailed, "timeout").WithRetryable(true).WithResumable(true)
	assert.True(t, IsRetryable(err))
	assert.True(t, err.Resumable)
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	inner := NewError(ErrPolicyBlocked, "metered network")
	wrapped := fmt.Errorf("download refused: %w", inner)
	require.Equal(t, ErrPolicyBlocked, GetErrorCode(wrapped))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestDownloadStatus_IsActive(t *testing.T) {
	assert.True(t, StatusDownloading.IsActive())
	assert.True(t, StatusPaused.IsActive())
	assert.False(t, StatusNotInstalled.IsActive())
	assert.False(t, StatusInstalled.IsActive())
	assert.False(t, StatusFailed.IsActive())
}
