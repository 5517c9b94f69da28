package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestStrataError_Format(t *testing.T) {
	err := New(ErrCategoryRegistry, CodePartitionConflict, "partition not in expected state")
	want := "[REGISTRY:PARTITION_CONFLICT] partition not in expected state"
	if err.Error() != want {
		t.Errorf("format mismatch: got %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(ErrCategoryStorage, CodeTransientStorage, "upload failed", fmt.Errorf("connection reset"))
	want = "[STORAGE:TRANSIENT_STORAGE] upload failed: connection reset"
	if wrapped.Error() != want {
		t.Errorf("wrapped format mismatch: got %q, want %q", wrapped.Error(), want)
	}
}

func TestStrataError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCategoryStorage, CodeTransientStorage, "write failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause in the chain")
	}
}

func TestStrataError_Is(t *testing.T) {
	err := NewConflictError("seal raced with archival")
	target := New(ErrCategoryRegistry, CodePartitionConflict, "")

	if !stderrors.Is(err, target) {
		t.Error("expected category+code match")
	}

	other := New(ErrCategoryRegistry, CodePartitionNotFound, "")
	if stderrors.Is(err, other) {
		t.Error("expected code mismatch to not match")
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient storage", NewStorageError("timeout", fmt.Errorf("i/o timeout")), true},
		{"partition conflict", NewConflictError("raced"), true},
		{"query timeout", NewQueryTimeoutError("deadline exceeded"), true},
		{"checksum mismatch", NewChecksumError("cold object diverged"), false},
		{"validation", NewValidationError(CodeInvalidRecord, "missing kind"), false},
		{"backpressure", NewBackpressureError("queue full"), false},
		{"plain error", fmt.Errorf("oops"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewChecksumError("mismatch"))

	if cat := GetCategory(err); cat != ErrCategoryArchival {
		t.Errorf("category = %s, want %s", cat, ErrCategoryArchival)
	}
	if code := GetCode(err); code != CodeChecksumMismatch {
		t.Errorf("code = %s, want %s", code, CodeChecksumMismatch)
	}
	if cat := GetCategory(fmt.Errorf("plain")); cat != "" {
		t.Errorf("expected empty category for plain error, got %s", cat)
	}
}
