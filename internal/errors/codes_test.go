package errors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	walerrors "github.com/devrev/pairdb/walrelay/internal/errors"
)

func TestWALError_ErrorIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("disk full")
	err := walerrors.OutOfSpace("fallocate failed", cause)
	assert.Equal(t, "fallocate failed: disk full", err.Error())
}

func TestWALError_ErrorOmitsCauseWhenNil(t *testing.T) {
	err := walerrors.Protocol("bad fixheader magic")
	assert.Equal(t, "bad fixheader magic", err.Error())
}

func TestWALError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("eperm")
	err := walerrors.IO("rename failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
}

func TestWALError_WithDetailIsChainable(t *testing.T) {
	err := walerrors.Corruption("/wal/00000000000000000001.xlog", nil)
	assert.Equal(t, "/wal/00000000000000000001.xlog", err.Details["path"])

	err.WithDetail("offset", 128)
	assert.Equal(t, 128, err.Details["offset"])
}

func TestIs_MatchesOnlyTheGivenCode(t *testing.T) {
	err := walerrors.CheckpointRollbackConflict()
	assert.True(t, walerrors.Is(err, walerrors.ErrCodeCheckpointRollbackConflict))
	assert.False(t, walerrors.Is(err, walerrors.ErrCodeInternal))
	assert.False(t, walerrors.Is(errors.New("plain error"), walerrors.ErrCodeCheckpointRollbackConflict))
}

func TestCode_ReturnsInternalForNonWALErrors(t *testing.T) {
	assert.Equal(t, walerrors.ErrCodeInternal, walerrors.Code(errors.New("plain error")))
	assert.Equal(t, walerrors.ErrCodeInjection, walerrors.Code(walerrors.Injection("sync_fail")))
}

func TestInjection_RecordsTheFiringKnobAsADetail(t *testing.T) {
	err := walerrors.Injection("rotate_fail")
	assert.Equal(t, "rotate_fail", err.Details["knob"])
	assert.Contains(t, err.Error(), "rotate_fail")
}

func TestErrorCode_StringCoversEveryNamedCode(t *testing.T) {
	cases := map[walerrors.ErrorCode]string{
		walerrors.ErrCodeOK:                         "ok",
		walerrors.ErrCodeIO:                         "io",
		walerrors.ErrCodeOutOfSpace:                 "out_of_space",
		walerrors.ErrCodeCorruption:                 "corruption",
		walerrors.ErrCodeMemoryExhaustion:           "memory_exhaustion",
		walerrors.ErrCodeProtocol:                   "protocol",
		walerrors.ErrCodeCancellation:                "cancellation",
		walerrors.ErrCodeCheckpointRollbackConflict:  "checkpoint_rollback_conflict",
		walerrors.ErrCodeInjection:                   "injection",
		walerrors.ErrCodeInternal:                    "internal",
	}
	for code, want := range cases {
		assert.Equal(t, want, code.String())
	}
}
